package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/monitor"
	"github.com/praxisrange/praxis/pkg/notify"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/registry"
)

// warnFraction of the total timeout at which a heads-up notification goes
// out, once per instance.
const warnFraction = 0.8

// Expirer terminates an instance and records it as expired. Satisfied by
// orchestrator.Orchestrator.
type Expirer interface {
	Expire(ctx context.Context, instanceID domain.InstanceID, reason string) error
}

// Config tunes the sweep cadence and the fallback timeouts for labs that do
// not set their own.
type Config struct {
	SweepInterval       time.Duration
	DefaultTotalTimeout time.Duration
	DefaultIdleTimeout  time.Duration
}

// Reaper expires running instances that outlive their lab's total timeout,
// and process-sandboxed instances that sit idle past the idle timeout. One
// instance failing never aborts the sweep for the rest.
type Reaper struct {
	Config   Config
	Catalog  catalog.Catalog
	Registry registry.Registry
	Monitor  *monitor.Monitor
	Expirer  Expirer
	Notifier notify.Notifier
	Metrics  obs.Metrics
	Logger   obs.Logger

	mu     sync.Mutex
	warned map[domain.InstanceID]struct{}

	now func() time.Time
}

func New(cfg Config, cat catalog.Catalog, reg registry.Registry, mon *monitor.Monitor, exp Expirer, n notify.Notifier, metrics obs.Metrics, logger obs.Logger) *Reaper {
	return &Reaper{
		Config:   cfg,
		Catalog:  cat,
		Registry: reg,
		Monitor:  mon,
		Expirer:  exp,
		Notifier: n,
		Metrics:  metrics,
		Logger:   logger,
		warned:   make(map[domain.InstanceID]struct{}),
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.Logger.Warn(ctx, "reaper sweep finished with errors", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

// Sweep examines every running instance once. Per-instance failures are
// joined and returned after the whole sweep completes.
func (r *Reaper) Sweep(ctx context.Context) error {
	running, err := r.Registry.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return err
	}

	// A plain group: one instance failing must not cancel the others.
	var g errgroup.Group
	for i := range running {
		inst := running[i]
		g.Go(func() error {
			if err := r.examine(ctx, &inst); err != nil {
				r.Logger.Warn(ctx, "sweep failed for instance", map[string]any{
					"instance_id": string(inst.ID),
					"error":       err.Error(),
				})
				return fmt.Errorf("instance %s: %w", inst.ID, err)
			}
			return nil
		})
	}
	sweepErr := g.Wait()

	r.pruneWarned(running)
	r.Metrics.IncCounter("praxis_reaper_sweeps_total", 1)
	return sweepErr
}

func (r *Reaper) examine(ctx context.Context, inst *domain.LabInstance) error {
	total, idle := r.timeoutsFor(ctx, inst.LabID)
	now := r.now()
	age := now.Sub(inst.CreatedAt)

	if age > total {
		return r.expire(ctx, inst, notify.EventTimeout,
			fmt.Sprintf("total timeout of %s exceeded", total))
	}

	if inst.SandboxMode == domain.ModeProcess && idle > 0 {
		lastActive, err := r.Monitor.LastActive(inst.ID)
		if err == nil && now.Sub(lastActive) > idle {
			return r.expire(ctx, inst, notify.EventTimeout,
				fmt.Sprintf("idle for more than %s", idle))
		}
		if err != nil && !errors.Is(err, monitor.ErrNotMonitored) {
			return err
		}
	}

	if float64(age) >= float64(total)*warnFraction {
		r.warnOnce(ctx, inst, total-age)
	}
	return nil
}

// timeoutsFor reads the lab's timeouts, falling back to the configured
// defaults when the lab is gone from the catalog or leaves them unset.
func (r *Reaper) timeoutsFor(ctx context.Context, labID domain.LabID) (total, idle time.Duration) {
	total = r.Config.DefaultTotalTimeout
	idle = r.Config.DefaultIdleTimeout
	lab, err := r.Catalog.Get(ctx, labID)
	if err != nil {
		return total, idle
	}
	if lab.TotalTimeout > 0 {
		total = lab.TotalTimeout
	}
	if lab.IdleTimeout > 0 {
		idle = lab.IdleTimeout
	}
	return total, idle
}

func (r *Reaper) expire(ctx context.Context, inst *domain.LabInstance, kind notify.EventKind, reason string) error {
	if err := r.Expirer.Expire(ctx, inst.ID, reason); err != nil {
		return err
	}

	r.Metrics.IncCounter("praxis_instances_expired_total", 1,
		obs.Label{Key: "lab_id", Value: string(inst.LabID)})
	r.notify(ctx, inst, kind, reason, nil)
	return nil
}

// warnOnce notifies the user their instance is close to expiry. At most one
// warning per instance lifetime.
func (r *Reaper) warnOnce(ctx context.Context, inst *domain.LabInstance, remaining time.Duration) {
	r.mu.Lock()
	_, already := r.warned[inst.ID]
	if !already {
		r.warned[inst.ID] = struct{}{}
	}
	r.mu.Unlock()
	if already {
		return
	}

	r.notify(ctx, inst, notify.EventTimeoutWarning, "lab instance close to expiry",
		map[string]any{"remaining_seconds": int(remaining.Seconds())})
}

func (r *Reaper) notify(ctx context.Context, inst *domain.LabInstance, kind notify.EventKind, msg string, details map[string]any) {
	ev := &notify.Event{
		Kind:       kind,
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		LabID:      inst.LabID,
		Message:    msg,
		Details:    details,
		CreatedAt:  r.now(),
	}
	if err := r.Notifier.Notify(ctx, ev); err != nil {
		r.Logger.Warn(ctx, "failed to send notification", map[string]any{
			"instance_id": string(inst.ID),
			"kind":        string(kind),
			"error":       err.Error(),
		})
	}
}

// pruneWarned drops warning markers for instances no longer running so the
// map does not grow without bound.
func (r *Reaper) pruneWarned(running []domain.LabInstance) {
	alive := make(map[domain.InstanceID]struct{}, len(running))
	for i := range running {
		alive[running[i].ID] = struct{}{}
	}
	r.mu.Lock()
	for id := range r.warned {
		if _, ok := alive[id]; !ok {
			delete(r.warned, id)
		}
	}
	r.mu.Unlock()
}
