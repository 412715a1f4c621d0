package notify

import (
	"context"
	"time"

	"github.com/praxisrange/praxis/pkg/domain"
)

// EventKind classifies outbound user notifications.

type EventKind string

const (
	EventTimeoutWarning EventKind = "timeout_warning"
	EventTimeout        EventKind = "timeout"
	EventResourceAlert  EventKind = "resource_alert"
)

// Event is a fire-and-forget message toward the platform's notification
// service. Delivery failure never fails the operation that produced it.

type Event struct {
	Kind       EventKind         `json:"kind"`
	InstanceID domain.InstanceID `json:"instance_id"`
	UserID     domain.UserID     `json:"user_id"`
	LabID      domain.LabID      `json:"lab_id"`
	Message    string            `json:"message"`
	Details    map[string]any    `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}
