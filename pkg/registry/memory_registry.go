package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/praxisrange/praxis/pkg/domain"
)

// MemoryRegistry keeps instances in process memory. It backs tests and
// single-node deployments that can tolerate losing history on restart.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[domain.InstanceID]domain.LabInstance
	active    map[domain.UserID]domain.InstanceID
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[domain.InstanceID]domain.LabInstance),
		active:    make(map[domain.UserID]domain.InstanceID),
	}
}

func (r *MemoryRegistry) CreateStarting(ctx context.Context, inst *domain.LabInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.active[inst.UserID]; ok {
		if existing, ok := r.instances[id]; ok && existing.Status.IsActive() {
			return ErrActiveInstanceExists
		}
		// Stale slot from a crash mid-transition; reclaim it.
		delete(r.active, inst.UserID)
	}

	r.instances[inst.ID] = *inst
	r.active[inst.UserID] = inst.ID
	return nil
}

func (r *MemoryRegistry) Update(ctx context.Context, inst *domain.LabInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if existing.Status.IsTerminal() && inst.Status != existing.Status {
		return ErrInvalidTransition
	}

	r.instances[inst.ID] = *inst
	if inst.Status.IsTerminal() && r.active[inst.UserID] == inst.ID {
		delete(r.active, inst.UserID)
	}
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id domain.InstanceID) (*domain.LabInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return &inst, nil
}

func (r *MemoryRegistry) ActiveForUser(ctx context.Context, userID domain.UserID) (*domain.LabInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[userID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	inst, ok := r.instances[id]
	if !ok || !inst.Status.IsActive() {
		return nil, ErrInstanceNotFound
	}
	return &inst, nil
}

func (r *MemoryRegistry) ListByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.LabInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []domain.LabInstance
	for _, inst := range r.instances {
		if inst.Status == status {
			list = append(list, inst)
		}
	}
	sortByCreated(list)
	return list, nil
}

func (r *MemoryRegistry) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.LabInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []domain.LabInstance
	for _, inst := range r.instances {
		if inst.UserID == userID {
			list = append(list, inst)
		}
	}
	sortByCreated(list)
	return list, nil
}

func sortByCreated(list []domain.LabInstance) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

var _ Registry = (*MemoryRegistry)(nil)
