package catalog

import (
	"context"
	"sync"

	"github.com/praxisrange/praxis/pkg/domain"
)

// MemoryCatalog is a fixed in-memory catalog, used by tests and the CLI's
// offline mode.
type MemoryCatalog struct {
	mu   sync.RWMutex
	labs map[domain.LabID]domain.Lab
}

func NewMemoryCatalog(labs ...domain.Lab) *MemoryCatalog {
	m := make(map[domain.LabID]domain.Lab, len(labs))
	for _, lab := range labs {
		m[lab.ID] = lab
	}
	return &MemoryCatalog{labs: m}
}

func (c *MemoryCatalog) Put(lab domain.Lab) {
	c.mu.Lock()
	c.labs[lab.ID] = lab
	c.mu.Unlock()
}

func (c *MemoryCatalog) Get(ctx context.Context, id domain.LabID) (*domain.Lab, error) {
	c.mu.RLock()
	lab, ok := c.labs[id]
	c.mu.RUnlock()
	if !ok || !lab.Active {
		return nil, ErrLabNotFound
	}
	return &lab, nil
}

func (c *MemoryCatalog) List(ctx context.Context) ([]domain.Lab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]domain.Lab, 0, len(c.labs))
	for _, lab := range c.labs {
		list = append(list, lab)
	}
	return list, nil
}
