package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/obs"
)

func newProcessGateway(t *testing.T) *ProcessGateway {
	t.Helper()
	g, err := NewProcessGateway(t.TempDir(), NewPortAllocator(31000, 31099), 2*time.Second, obs.NewSlogAdapterTo(os.Stderr))
	require.NoError(t, err)
	return g
}

func sleepLab() *domain.Lab {
	return &domain.Lab{
		ID:      "proc-lab",
		Mode:    domain.ModeProcess,
		Command: []string{"sleep", "60"},
		Ports:   []int{0},
		Active:  true,
	}
}

func TestProcessGateway_Lifecycle(t *testing.T) {
	g := newProcessGateway(t)
	ctx := context.Background()

	handle, ports, err := g.Provision(ctx, sleepLab(), "inst-1", nil)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, ports[0].HostPort, ports[0].SandboxPort)

	insp, err := g.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.True(t, insp.Running)

	require.NoError(t, g.Terminate(ctx, handle))

	// Idempotent on a now-missing handle.
	require.NoError(t, g.Terminate(ctx, handle))

	_, err = g.Inspect(ctx, handle)
	assert.ErrorIs(t, err, ErrSandboxNotFound)

	// Port lease returned.
	assert.Equal(t, 0, g.allocator.Leased())
}

func TestProcessGateway_ExitedProcessReported(t *testing.T) {
	g := newProcessGateway(t)
	ctx := context.Background()

	lab := sleepLab()
	lab.Command = []string{"true"}

	handle, _, err := g.Provision(ctx, lab, "inst-exit", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		insp, err := g.Inspect(ctx, handle)
		return err == nil && !insp.Running && insp.ExitCode != nil
	}, 5*time.Second, 20*time.Millisecond)

	insp, err := g.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 0, *insp.ExitCode)

	_, err = g.Stats(ctx, handle)
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestProcessGateway_StatsWhileRunning(t *testing.T) {
	g := newProcessGateway(t)
	ctx := context.Background()

	handle, _, err := g.Provision(ctx, sleepLab(), "inst-stats", nil)
	require.NoError(t, err)
	defer g.Terminate(ctx, handle)

	sample, err := g.Stats(ctx, handle)
	require.NoError(t, err)
	assert.False(t, sample.Timestamp.IsZero())
	assert.GreaterOrEqual(t, sample.CPUPercent, 0.0)
}

func TestProcessGateway_TerminateWithCanceledContext(t *testing.T) {
	g := newProcessGateway(t)

	handle, _, err := g.Provision(context.Background(), sleepLab(), "inst-cancel", nil)
	require.NoError(t, err)

	// A caller giving up early must not strand the leases: the kill still
	// runs and the sandbox ends up fully cleaned.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.Terminate(ctx, handle))

	_, err = g.Inspect(context.Background(), handle)
	assert.ErrorIs(t, err, ErrSandboxNotFound)
	assert.Equal(t, 0, g.allocator.Leased())
}

func TestProcessGateway_AdoptAfterRestart(t *testing.T) {
	root := t.TempDir()
	logger := obs.NewSlogAdapterTo(os.Stderr)
	ctx := context.Background()

	g1, err := NewProcessGateway(root, NewPortAllocator(31000, 31099), 2*time.Second, logger)
	require.NoError(t, err)

	handle, ports, err := g1.Provision(ctx, sleepLab(), "inst-adopt", nil)
	require.NoError(t, err)

	// A fresh gateway stands in for the restarted service: empty allocator,
	// no in-memory state, only the registry row's handle and ports.
	g2, err := NewProcessGateway(root, NewPortAllocator(31000, 31099), 2*time.Second, logger)
	require.NoError(t, err)

	require.NoError(t, g2.Adopt(ctx, handle, ports))
	assert.Equal(t, len(ports), g2.allocator.Leased())

	// Adopting twice is a no-op.
	require.NoError(t, g2.Adopt(ctx, handle, ports))
	assert.Equal(t, len(ports), g2.allocator.Leased())

	insp, err := g2.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.True(t, insp.Running)

	sample, err := g2.Stats(ctx, handle)
	require.NoError(t, err)
	assert.False(t, sample.Timestamp.IsZero())

	require.NoError(t, g2.Terminate(ctx, handle))
	assert.Equal(t, 0, g2.allocator.Leased())

	// The first gateway sees the death through its own wait.
	require.Eventually(t, func() bool {
		_, err := g1.Stats(ctx, handle)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessGateway_AdoptDeadProcess(t *testing.T) {
	g := newProcessGateway(t)

	// A pid that cannot exist on Linux.
	err := g.Adopt(context.Background(), "proc-4194399-inst-gone", nil)
	assert.ErrorIs(t, err, ErrSandboxNotFound)
	assert.Equal(t, 0, g.allocator.Leased())
}

func TestProcessGateway_BadCommandFails(t *testing.T) {
	g := newProcessGateway(t)

	lab := sleepLab()
	lab.Command = []string{"/definitely/not/a/real/binary"}

	_, _, err := g.Provision(context.Background(), lab, "inst-bad", nil)
	require.Error(t, err)
	assert.Equal(t, 0, g.allocator.Leased())
}
