package catalog

import (
	"context"
	"errors"

	"github.com/praxisrange/praxis/pkg/domain"
)

// ErrLabNotFound is returned for unknown or inactive lab IDs.
var ErrLabNotFound = errors.New("lab not found")

// Catalog is the read-only source of lab definitions. Lab CRUD is owned by
// the course-management side of the platform; the orchestrator only reads.
type Catalog interface {
	Get(ctx context.Context, id domain.LabID) (*domain.Lab, error)
	List(ctx context.Context) ([]domain.Lab, error)
}
