package registry

import (
	"context"
	"errors"

	"github.com/praxisrange/praxis/pkg/domain"
)

var (
	// ErrInstanceNotFound is returned for unknown instance IDs.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrActiveInstanceExists is returned by CreateStarting when the user
	// already holds the active slot.
	ErrActiveInstanceExists = errors.New("user already has an active instance")

	// ErrInvalidTransition is returned when an update would move an
	// instance out of a terminal status.
	ErrInvalidTransition = errors.New("instance is already in a terminal status")
)

// Registry is the persisted source of truth for lab instances and for "who
// owns the active slot". Rows are never deleted; reporting components read
// history from here.
type Registry interface {
	// CreateStarting atomically claims the user's active slot and inserts
	// the instance with status starting. The insert must be visible before
	// provisioning begins so concurrent starts observe the conflict.
	CreateStarting(ctx context.Context, inst *domain.LabInstance) error

	// Update replaces the stored row. Transitions out of a terminal status
	// are rejected; a transition into one releases the user's active slot.
	Update(ctx context.Context, inst *domain.LabInstance) error

	Get(ctx context.Context, id domain.InstanceID) (*domain.LabInstance, error)

	// ActiveForUser returns the user's starting/running instance, or
	// ErrInstanceNotFound when the slot is free.
	ActiveForUser(ctx context.Context, userID domain.UserID) (*domain.LabInstance, error)

	ListByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.LabInstance, error)

	ListForUser(ctx context.Context, userID domain.UserID) ([]domain.LabInstance, error)
}
