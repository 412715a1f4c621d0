package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

func webLab() *domain.Lab {
	return &domain.Lab{ID: "web", Mode: domain.ModeContainer, Image: "praxis/web:1", Ports: []int{80}, Active: true}
}

func TestVerifier_BecomesHealthy(t *testing.T) {
	gw := sandbox.NewFakeGateway()
	gw.HealthyAfter = 30 * time.Millisecond

	handle, ports, err := gw.Provision(context.Background(), webLab(), "i1", nil)
	require.NoError(t, err)

	v := NewVerifier(gw, obs.NewSlogAdapter(), 10*time.Millisecond)
	v.Probe = func(ctx context.Context, addr string) error {
		insp, err := gw.Inspect(ctx, handle)
		if err != nil || insp.Address == "" {
			return errors.New("not serving")
		}
		return nil
	}

	res, err := v.WaitUntilHealthy(context.Background(), handle, ports, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResultHealthy, res)
}

func TestVerifier_TimeoutWhenNeverHealthy(t *testing.T) {
	gw := sandbox.NewFakeGateway()
	gw.NeverHealthy = true

	handle, ports, err := gw.Provision(context.Background(), webLab(), "i1", nil)
	require.NoError(t, err)

	v := NewVerifier(gw, obs.NewSlogAdapter(), 10*time.Millisecond)
	v.Probe = func(ctx context.Context, addr string) error { return errors.New("refused") }

	start := time.Now()
	res, err := v.WaitUntilHealthy(context.Background(), handle, ports, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, res)
	assert.Less(t, time.Since(start), time.Second)
}

func TestVerifier_ErroredOnExit(t *testing.T) {
	gw := sandbox.NewFakeGateway()

	handle, ports, err := gw.Provision(context.Background(), webLab(), "i1", nil)
	require.NoError(t, err)
	gw.MarkExited(handle, 1)

	v := NewVerifier(gw, obs.NewSlogAdapter(), 10*time.Millisecond)

	res, _ := v.WaitUntilHealthy(context.Background(), handle, ports, time.Second)
	assert.Equal(t, ResultErrored, res)
}

func TestVerifier_ErroredOnMissingSandbox(t *testing.T) {
	gw := sandbox.NewFakeGateway()

	handle, ports, err := gw.Provision(context.Background(), webLab(), "i1", nil)
	require.NoError(t, err)
	gw.MarkGone(handle)

	v := NewVerifier(gw, obs.NewSlogAdapter(), 10*time.Millisecond)

	res, err := v.WaitUntilHealthy(context.Background(), handle, ports, time.Second)
	assert.Equal(t, ResultErrored, res)
	assert.ErrorIs(t, err, sandbox.ErrSandboxNotFound)
}
