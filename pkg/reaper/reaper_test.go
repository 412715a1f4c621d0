package reaper

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/monitor"
	"github.com/praxisrange/praxis/pkg/notify"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/orchestrator"
	"github.com/praxisrange/praxis/pkg/registry"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

var (
	timedLab = domain.Lab{
		ID:           "timed-web",
		Mode:         domain.ModeContainer,
		Image:        "praxis/timed:1",
		TotalTimeout: time.Hour,
		Active:       true,
	}
	idleLab = domain.Lab{
		ID:           "idle-proc",
		Mode:         domain.ModeProcess,
		Command:      []string{"/opt/labs/idle"},
		TotalTimeout: time.Hour,
		IdleTimeout:  30 * time.Minute,
		Active:       true,
	}
)

type fixture struct {
	reaper   *Reaper
	orch     *orchestrator.Orchestrator
	reg      registry.Registry
	gw       *sandbox.FakeGateway
	notifier *notify.CaptureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := obs.NewSlogAdapterTo(io.Discard)
	cat := catalog.NewMemoryCatalog(timedLab, idleLab)
	f := &fixture{
		gw:       sandbox.NewFakeGateway(),
		reg:      registry.NewMemoryRegistry(),
		notifier: notify.NewCaptureNotifier(),
	}

	mon := monitor.New(monitor.Config{
		SampleInterval:  10 * time.Millisecond,
		RetentionWindow: 100 * time.Millisecond,
		CPUThreshold:    90,
		MemThreshold:    90,
		AlertCooldown:   time.Minute,
	}, logger, obs.NewNoopMetrics(), notify.NewCaptureNotifier())

	f.orch = orchestrator.New(orchestrator.Options{
		Catalog:  cat,
		Registry: f.reg,
		Gateways: map[domain.SandboxMode]sandbox.Gateway{
			domain.ModeContainer: f.gw,
			domain.ModeProcess:   f.gw,
		},
		Monitor:        mon,
		Metrics:        obs.NewNoopMetrics(),
		Logger:         logger,
		HealthInterval: 2 * time.Millisecond,
		HealthDeadline: 250 * time.Millisecond,
	})

	f.reaper = New(Config{
		SweepInterval:       5 * time.Millisecond,
		DefaultTotalTimeout: time.Hour,
		DefaultIdleTimeout:  30 * time.Minute,
	}, cat, f.reg, mon, f.orch, f.notifier, obs.NewNoopMetrics(), logger)
	return f
}

func (f *fixture) start(t *testing.T, userID domain.UserID, labID domain.LabID) *orchestrator.StartResult {
	t.Helper()
	res, err := f.orch.Start(context.Background(), userID, labID)
	require.NoError(t, err)
	return res
}

// atOffset pretends the sweep happens this far in the future.
func (f *fixture) atOffset(d time.Duration) {
	f.reaper.now = func() time.Time { return time.Now().Add(d) }
}

func (f *fixture) status(t *testing.T, id domain.InstanceID) domain.InstanceStatus {
	t.Helper()
	inst, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return inst.Status
}

func TestSweepExpiresByTotalTimeout(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, "alice", timedLab.ID)

	f.atOffset(61 * time.Minute)
	require.NoError(t, f.reaper.Sweep(context.Background()))

	assert.Equal(t, domain.StatusExpired, f.status(t, res.InstanceID))
	assert.False(t, f.gw.Alive(res.SandboxHandle))

	timeouts := f.notifier.OfKind(notify.EventTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, res.InstanceID, timeouts[0].InstanceID)
	assert.Equal(t, domain.UserID("alice"), timeouts[0].UserID)
}

func TestSweepLeavesYoungInstancesAlone(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, "alice", timedLab.ID)

	f.atOffset(10 * time.Minute)
	require.NoError(t, f.reaper.Sweep(context.Background()))

	assert.Equal(t, domain.StatusRunning, f.status(t, res.InstanceID))
	assert.Empty(t, f.notifier.Events())
}

func TestSweepWarnsNearExpiryOnce(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, "alice", timedLab.ID)

	f.atOffset(50 * time.Minute) // past 80% of the 1h budget
	require.NoError(t, f.reaper.Sweep(context.Background()))
	require.NoError(t, f.reaper.Sweep(context.Background()))

	assert.Equal(t, domain.StatusRunning, f.status(t, res.InstanceID))
	warnings := f.notifier.OfKind(notify.EventTimeoutWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, res.InstanceID, warnings[0].InstanceID)
}

func TestIdleExpiryAppliesToProcessLabsOnly(t *testing.T) {
	f := newFixture(t)
	proc := f.start(t, "alice", idleLab.ID)
	cont := f.start(t, "bob", timedLab.ID)

	// 31 minutes in: under the total timeout, past the idle timeout.
	f.atOffset(31 * time.Minute)
	require.NoError(t, f.reaper.Sweep(context.Background()))

	assert.Equal(t, domain.StatusExpired, f.status(t, proc.InstanceID))
	assert.Equal(t, domain.StatusRunning, f.status(t, cont.InstanceID))
}

// failingExpirer fails for one instance so the sweep's isolation can be
// observed directly.
type failingExpirer struct {
	inner  Expirer
	failID domain.InstanceID
}

func (e *failingExpirer) Expire(ctx context.Context, id domain.InstanceID, reason string) error {
	if id == e.failID {
		return errors.New("injected expire failure")
	}
	return e.inner.Expire(ctx, id, reason)
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	doomed := f.start(t, "alice", timedLab.ID)
	healthy := f.start(t, "bob", timedLab.ID)
	f.reaper.Expirer = &failingExpirer{inner: f.orch, failID: doomed.InstanceID}

	f.atOffset(61 * time.Minute)
	err := f.reaper.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(doomed.InstanceID))

	assert.Equal(t, domain.StatusExpired, f.status(t, healthy.InstanceID))
	assert.Equal(t, domain.StatusRunning, f.status(t, doomed.InstanceID))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

// Keep the compiler honest about the interface the reaper relies on.
var _ Expirer = (*orchestrator.Orchestrator)(nil)
