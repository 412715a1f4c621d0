package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/health"
	"github.com/praxisrange/praxis/pkg/monitor"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/registry"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

// StartResult is what a successful Start hands back to the API layer.
type StartResult struct {
	InstanceID    domain.InstanceID    `json:"instance_id"`
	SandboxHandle string               `json:"sandbox_handle"`
	Ports         []domain.PortMapping `json:"ports"`
}

// StatusResult merges the registry row with the live monitor view. Metrics is
// nil when the instance is not running or no sample has completed yet.
type StatusResult struct {
	Instance *domain.LabInstance `json:"instance"`
	Metrics  *monitor.Snapshot   `json:"metrics,omitempty"`
}

// Options carries the collaborators and tunables for an Orchestrator.
type Options struct {
	Catalog  catalog.Catalog
	Registry registry.Registry
	// Gateways maps each sandbox mode to the runtime that serves it.
	Gateways map[domain.SandboxMode]sandbox.Gateway
	Monitor  *monitor.Monitor
	Metrics  obs.Metrics
	Logger   obs.Logger

	HealthInterval time.Duration
	HealthDeadline time.Duration
}

// Orchestrator drives the lab instance lifecycle: provision, verify health,
// monitor, terminate. It is the only component that writes instance statuses,
// apart from the reaper calling Expire.
type Orchestrator struct {
	opts Options

	// newVerifier exists so tests can swap the readiness probe.
	newVerifier func(gw sandbox.Gateway) *health.Verifier

	locksMu sync.Mutex
	locks   map[domain.UserID]*sync.Mutex

	now   func() time.Time
	newID func() domain.InstanceID
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:  opts,
		locks: make(map[domain.UserID]*sync.Mutex),
		now:   time.Now,
		newID: func() domain.InstanceID { return domain.InstanceID(uuid.NewString()) },
	}
	o.newVerifier = func(gw sandbox.Gateway) *health.Verifier {
		return health.NewVerifier(gw, opts.Logger, opts.HealthInterval)
	}
	return o
}

func (o *Orchestrator) gatewayFor(mode domain.SandboxMode) (sandbox.Gateway, error) {
	gw, ok := o.opts.Gateways[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandboxMode, mode)
	}
	return gw, nil
}

// userLock returns the per-user mutex. It serializes only the
// check-and-register step of Start, never the provisioning flow.
func (o *Orchestrator) userLock(userID domain.UserID) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[userID] = mu
	}
	return mu
}

// Start provisions a fresh instance of the lab for the user and blocks until
// it is healthy or has been torn down again. A user holds at most one active
// instance; a second Start fails with ErrInstanceConflict.
func (o *Orchestrator) Start(ctx context.Context, userID domain.UserID, labID domain.LabID) (*StartResult, error) {
	lab, err := o.opts.Catalog.Get(ctx, labID)
	if err != nil {
		return nil, err
	}
	gw, err := o.gatewayFor(lab.Mode)
	if err != nil {
		return nil, err
	}

	now := o.now()
	inst := &domain.LabInstance{
		ID:          o.newID(),
		UserID:      userID,
		LabID:       lab.ID,
		SandboxMode: lab.Mode,
		Status:      domain.StatusStarting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The starting row must be visible before provisioning begins so a
	// concurrent Start from the same user observes the conflict. The
	// registry insert is conditional on the slot being free; the per-user
	// lock additionally serializes two in-process racers.
	mu := o.userLock(userID)
	mu.Lock()
	err = o.opts.Registry.CreateStarting(ctx, inst)
	mu.Unlock()
	if err != nil {
		if errors.Is(err, registry.ErrActiveInstanceExists) {
			return nil, fmt.Errorf("%w: user %s", ErrInstanceConflict, userID)
		}
		return nil, err
	}

	o.opts.Logger.Info(ctx, "starting lab instance", map[string]any{
		"instance_id": string(inst.ID),
		"user_id":     string(userID),
		"lab_id":      string(lab.ID),
		"mode":        string(lab.Mode),
	})

	handle, ports, err := gw.Provision(ctx, lab, instanceName(inst.ID), lab.EnvTemplate)
	if err != nil {
		o.failInstance(ctx, inst, "provision failed", err)
		if errors.Is(err, sandbox.ErrRuntimeUnavailable) ||
			errors.Is(err, sandbox.ErrArtifactFetch) ||
			errors.Is(err, sandbox.ErrNoPortsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailure, err)
	}

	inst.SandboxHandle = handle
	inst.Ports = ports
	inst.UpdatedAt = o.now()
	if err := o.opts.Registry.Update(ctx, inst); err != nil {
		// The row must still reach a terminal status or the user's active
		// slot stays occupied by a sandbox that no longer exists.
		o.teardownSandbox(ctx, gw, inst)
		o.failInstance(ctx, inst, "registry update failed", err)
		return nil, err
	}

	verifier := o.newVerifier(gw)
	result, verr := verifier.WaitUntilHealthy(ctx, handle, ports, o.opts.HealthDeadline)
	switch {
	case result == health.ResultHealthy:
		// fallthrough to activation below
	case result == health.ResultTimeout:
		o.teardownSandbox(ctx, gw, inst)
		o.failInstance(ctx, inst, "health check timed out", ErrHealthCheckTimeout)
		return nil, fmt.Errorf("%w after %s", ErrHealthCheckTimeout, o.opts.HealthDeadline)
	default:
		// Errored, or the caller's context was canceled mid-wait. Either
		// way the half-created sandbox must not survive.
		o.teardownSandbox(ctx, gw, inst)
		o.failInstance(ctx, inst, "sandbox failed health verification", verr)
		if verr != nil && errors.Is(verr, context.Canceled) {
			return nil, verr
		}
		return nil, ErrHealthCheckErrored
	}

	healthyAt := o.now()
	inst.Status = domain.StatusRunning
	inst.LastHealthyAt = &healthyAt
	inst.UpdatedAt = healthyAt
	if err := o.opts.Registry.Update(ctx, inst); err != nil {
		o.teardownSandbox(ctx, gw, inst)
		o.failInstance(ctx, inst, "registry update failed", err)
		return nil, err
	}

	o.opts.Monitor.Attach(ctx, monitor.Attachment{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		LabID:      inst.LabID,
		Handle:     handle,
		Gateway:    gw,
	})

	o.opts.Metrics.IncCounter("praxis_instances_started_total", 1,
		obs.Label{Key: "lab_id", Value: string(lab.ID)})
	o.setActiveGauge(ctx)
	o.opts.Logger.Info(ctx, "lab instance running", map[string]any{
		"instance_id": string(inst.ID),
		"handle":      handle,
	})

	return &StartResult{InstanceID: inst.ID, SandboxHandle: handle, Ports: ports}, nil
}

// Stop tears down the user's active instance and records it as stopped.
func (o *Orchestrator) Stop(ctx context.Context, userID domain.UserID, labID domain.LabID) error {
	inst, err := o.activeInstance(ctx, userID, labID)
	if err != nil {
		return err
	}
	return o.terminateTo(ctx, inst, domain.StatusStopped, "user stop")
}

// Expire is Stop with a different terminal status, used by the reaper.
func (o *Orchestrator) Expire(ctx context.Context, instanceID domain.InstanceID, reason string) error {
	inst, err := o.opts.Registry.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	return o.terminateTo(ctx, inst, domain.StatusExpired, reason)
}

// terminateTo moves an instance through stopping to the given terminal
// status. The terminal write happens even when termination keeps failing so
// the user's active slot is never leaked.
func (o *Orchestrator) terminateTo(ctx context.Context, inst *domain.LabInstance, terminal domain.InstanceStatus, reason string) error {
	inst.Status = domain.StatusStopping
	inst.UpdatedAt = o.now()
	if err := o.opts.Registry.Update(ctx, inst); err != nil {
		return err
	}

	o.opts.Monitor.Detach(inst.ID)

	var termErr error
	if inst.SandboxHandle != "" {
		gw, err := o.gatewayFor(inst.SandboxMode)
		if err != nil {
			termErr = err
		} else {
			termErr = gw.Terminate(ctx, inst.SandboxHandle)
			if termErr != nil {
				o.opts.Logger.Warn(ctx, "terminate failed, retrying forced", map[string]any{
					"instance_id": string(inst.ID),
					"error":       termErr.Error(),
				})
				termErr = gw.Terminate(ctx, inst.SandboxHandle)
			}
		}
	}

	ended := o.now()
	inst.Status = terminal
	inst.EndedAt = &ended
	inst.UpdatedAt = ended
	if err := o.opts.Registry.Update(ctx, inst); err != nil {
		return err
	}

	o.opts.Metrics.IncCounter("praxis_instances_ended_total", 1,
		obs.Label{Key: "status", Value: string(terminal)})
	o.setActiveGauge(ctx)
	o.opts.Logger.Info(ctx, "lab instance ended", map[string]any{
		"instance_id": string(inst.ID),
		"status":      string(terminal),
		"reason":      reason,
	})

	if termErr != nil {
		return fmt.Errorf("%w: %v", ErrTerminationFailure, termErr)
	}
	return nil
}

// Status reads the registry row and, for running instances, merges the live
// monitor snapshot. A running row whose sandbox no longer exists is healed to
// error on the spot.
func (o *Orchestrator) Status(ctx context.Context, userID domain.UserID, labID domain.LabID) (*StatusResult, error) {
	inst, err := o.activeInstance(ctx, userID, labID)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.StatusRunning {
		return &StatusResult{Instance: inst}, nil
	}

	gw, err := o.gatewayFor(inst.SandboxMode)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Inspect(ctx, inst.SandboxHandle); errors.Is(err, sandbox.ErrSandboxNotFound) {
		o.healDrift(ctx, inst)
		return &StatusResult{Instance: inst}, nil
	}

	snap, err := o.opts.Monitor.Snapshot(inst.ID)
	if err != nil {
		// Not monitored yet or no sample completed; status is still valid.
		snap = nil
	}
	return &StatusResult{Instance: inst, Metrics: snap}, nil
}

// List returns the user's full instance history in creation order, oldest
// first. Reporting components read from here.
func (o *Orchestrator) List(ctx context.Context, userID domain.UserID) ([]domain.LabInstance, error) {
	return o.opts.Registry.ListForUser(ctx, userID)
}

// Reconcile aligns the registry with the runtime after a restart: running
// rows whose sandbox is gone become error, surviving ones get their monitor
// reattached, and starting rows orphaned by a crash are torn down.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	running, err := o.opts.Registry.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return err
	}
	for i := range running {
		inst := running[i]
		gw, err := o.gatewayFor(inst.SandboxMode)
		if err != nil {
			o.healDrift(ctx, &inst)
			continue
		}
		// Adopt re-verifies the sandbox and re-leases its host ports so a
		// later provision cannot collide with a survivor.
		err = gw.Adopt(ctx, inst.SandboxHandle, inst.Ports)
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			o.healDrift(ctx, &inst)
			continue
		}
		if err != nil {
			o.opts.Logger.Warn(ctx, "reconcile adopt failed", map[string]any{
				"instance_id": string(inst.ID),
				"error":       err.Error(),
			})
			continue
		}
		o.opts.Monitor.Attach(ctx, monitor.Attachment{
			InstanceID: inst.ID,
			UserID:     inst.UserID,
			LabID:      inst.LabID,
			Handle:     inst.SandboxHandle,
			Gateway:    gw,
		})
	}

	starting, err := o.opts.Registry.ListByStatus(ctx, domain.StatusStarting)
	if err != nil {
		return err
	}
	for i := range starting {
		inst := starting[i]
		if inst.SandboxHandle != "" {
			if gw, err := o.gatewayFor(inst.SandboxMode); err == nil {
				o.teardownSandbox(ctx, gw, &inst)
			}
		}
		o.failInstance(ctx, &inst, "orphaned by restart", nil)
	}

	o.setActiveGauge(ctx)
	return nil
}

// Shutdown stops the background sampling for running instances. Sandboxes
// are left alive; Reconcile picks them back up on the next boot.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	running, err := o.opts.Registry.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		o.opts.Logger.Warn(ctx, "shutdown registry read failed", map[string]any{"error": err.Error()})
		return
	}
	for i := range running {
		o.opts.Monitor.Detach(running[i].ID)
	}
}

// activeInstance resolves the user's active row, optionally checking it
// belongs to the given lab.
func (o *Orchestrator) activeInstance(ctx context.Context, userID domain.UserID, labID domain.LabID) (*domain.LabInstance, error) {
	inst, err := o.opts.Registry.ActiveForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, registry.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNoActiveInstance, userID)
		}
		return nil, err
	}
	if labID != "" && inst.LabID != labID {
		return nil, fmt.Errorf("%w: active instance is for lab %s", ErrNoActiveInstance, inst.LabID)
	}
	return inst, nil
}

// healDrift marks a running row whose sandbox vanished as error.
func (o *Orchestrator) healDrift(ctx context.Context, inst *domain.LabInstance) {
	o.opts.Metrics.IncCounter("praxis_registry_drift_total", 1)
	o.opts.Logger.Warn(ctx, "sandbox missing for running instance", map[string]any{
		"instance_id": string(inst.ID),
		"handle":      inst.SandboxHandle,
	})
	o.opts.Monitor.Detach(inst.ID)
	o.failInstance(ctx, inst, "sandbox missing", sandbox.ErrSandboxNotFound)
}

// failInstance moves the row to error with EndedAt set. Registry failures
// here are logged, not surfaced, so they never mask the original cause.
func (o *Orchestrator) failInstance(ctx context.Context, inst *domain.LabInstance, msg string, cause error) {
	ended := o.now()
	inst.Status = domain.StatusError
	inst.EndedAt = &ended
	inst.UpdatedAt = ended
	fields := map[string]any{"instance_id": string(inst.ID)}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	o.opts.Logger.Warn(ctx, msg, fields)
	if err := o.opts.Registry.Update(ctx, inst); err != nil {
		o.opts.Logger.Error(ctx, "failed to record error status", map[string]any{
			"instance_id": string(inst.ID),
			"error":       err.Error(),
		})
	}
	o.opts.Metrics.IncCounter("praxis_instances_ended_total", 1,
		obs.Label{Key: "status", Value: string(domain.StatusError)})
}

// teardownSandbox best-effort terminates a half-created sandbox. It runs on
// a detached context so a canceled Start still cleans up after itself.
func (o *Orchestrator) teardownSandbox(ctx context.Context, gw sandbox.Gateway, inst *domain.LabInstance) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := gw.Terminate(cleanup, inst.SandboxHandle); err != nil {
		o.opts.Logger.Warn(ctx, "cleanup terminate failed", map[string]any{
			"instance_id": string(inst.ID),
			"handle":      inst.SandboxHandle,
			"error":       err.Error(),
		})
	}
}

func (o *Orchestrator) setActiveGauge(ctx context.Context) {
	total := 0
	for _, st := range []domain.InstanceStatus{domain.StatusStarting, domain.StatusRunning} {
		rows, err := o.opts.Registry.ListByStatus(ctx, st)
		if err != nil {
			return
		}
		total += len(rows)
	}
	o.opts.Metrics.SetGauge("praxis_active_instances", float64(total))
}

func instanceName(id domain.InstanceID) string {
	return "praxis-" + string(id)
}
