package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisrange/praxis/pkg/domain"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  NewRedisRegistryFromClient(client),
	}
}

func newInstance(id, user string, status domain.InstanceStatus) *domain.LabInstance {
	now := time.Now()
	return &domain.LabInstance{
		ID:          domain.InstanceID(id),
		UserID:      domain.UserID(user),
		LabID:       "lab-1",
		SandboxMode: domain.ModeContainer,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRegistry_SingleActiveSlot(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, reg.CreateStarting(ctx, newInstance("i1", "alice", domain.StatusStarting)))

			err := reg.CreateStarting(ctx, newInstance("i2", "alice", domain.StatusStarting))
			assert.ErrorIs(t, err, ErrActiveInstanceExists)

			// A different user is unaffected.
			require.NoError(t, reg.CreateStarting(ctx, newInstance("i3", "bob", domain.StatusStarting)))

			active, err := reg.ActiveForUser(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.InstanceID("i1"), active.ID)
		})
	}
}

func TestRegistry_TerminalUpdateReleasesSlot(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			inst := newInstance("i1", "alice", domain.StatusStarting)
			require.NoError(t, reg.CreateStarting(ctx, inst))

			inst.Status = domain.StatusRunning
			require.NoError(t, reg.Update(ctx, inst))

			now := time.Now()
			inst.Status = domain.StatusStopped
			inst.EndedAt = &now
			require.NoError(t, reg.Update(ctx, inst))

			_, err := reg.ActiveForUser(ctx, "alice")
			assert.ErrorIs(t, err, ErrInstanceNotFound)

			// Slot free again.
			require.NoError(t, reg.CreateStarting(ctx, newInstance("i2", "alice", domain.StatusStarting)))
		})
	}
}

func TestRegistry_TerminalStatusIsFinal(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			inst := newInstance("i1", "alice", domain.StatusStarting)
			require.NoError(t, reg.CreateStarting(ctx, inst))

			inst.Status = domain.StatusError
			require.NoError(t, reg.Update(ctx, inst))

			inst.Status = domain.StatusRunning
			assert.ErrorIs(t, reg.Update(ctx, inst), ErrInvalidTransition)

			got, err := reg.Get(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusError, got.Status)
		})
	}
}

func TestRegistry_ListByStatusAndUser(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newInstance("i1", "alice", domain.StatusStarting)
			require.NoError(t, reg.CreateStarting(ctx, a))
			a.Status = domain.StatusRunning
			require.NoError(t, reg.Update(ctx, a))

			b := newInstance("i2", "bob", domain.StatusStarting)
			require.NoError(t, reg.CreateStarting(ctx, b))

			running, err := reg.ListByStatus(ctx, domain.StatusRunning)
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, domain.InstanceID("i1"), running[0].ID)

			history, err := reg.ListForUser(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, history, 1)
		})
	}
}

func TestRegistry_UpdateUnknownInstance(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			err := reg.Update(context.Background(), newInstance("ghost", "alice", domain.StatusRunning))
			assert.ErrorIs(t, err, ErrInstanceNotFound)
		})
	}
}

func TestRegistry_ConcurrentCreateOneWinner(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			const attempts = 20
			var wg sync.WaitGroup
			errs := make(chan error, attempts)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					inst := newInstance(string(rune('a'+n))+"-inst", "alice", domain.StatusStarting)
					errs <- reg.CreateStarting(ctx, inst)
				}(i)
			}
			wg.Wait()
			close(errs)

			winners := 0
			for err := range errs {
				if err == nil {
					winners++
				} else {
					assert.ErrorIs(t, err, ErrActiveInstanceExists)
				}
			}
			assert.Equal(t, 1, winners)
		})
	}
}
