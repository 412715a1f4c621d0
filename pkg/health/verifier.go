package health

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

// Result is the outcome of waiting for a sandbox to become ready.

type Result string

const (
	ResultHealthy Result = "healthy"
	ResultTimeout Result = "timeout"
	ResultErrored Result = "errored"
)

// Verifier polls a freshly provisioned sandbox until it is ready to serve
// traffic. On Timeout or Errored the caller owns cleanup: a never-healthy
// sandbox must not be left running.
type Verifier struct {
	Gateway  sandbox.Gateway
	Logger   obs.Logger
	Interval time.Duration

	// Probe checks whether the sandbox answers on a host address. Tests
	// substitute their own.
	Probe func(ctx context.Context, addr string) error
}

func NewVerifier(gw sandbox.Gateway, logger obs.Logger, interval time.Duration) *Verifier {
	return &Verifier{
		Gateway:  gw,
		Logger:   logger,
		Interval: interval,
		Probe:    tcpProbe,
	}
}

// WaitUntilHealthy blocks until the sandbox answers a TCP probe on its first
// mapped port, exits (Errored), or the deadline elapses (Timeout). The probe
// is skipped for sandboxes that expose no ports; runtime-reported liveness
// counts as healthy then.
func (v *Verifier) WaitUntilHealthy(ctx context.Context, handle string, ports []domain.PortMapping, deadline time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(v.Interval)
	defer ticker.Stop()

	for {
		res, err := v.probe(ctx, handle, ports)
		if res != "" {
			return res, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ResultTimeout, nil
			}
			return ResultErrored, ctx.Err()
		case <-ticker.C:
		}
	}
}

// probe returns an empty result while the sandbox is still coming up.
func (v *Verifier) probe(ctx context.Context, handle string, ports []domain.PortMapping) (Result, error) {
	insp, err := v.Gateway.Inspect(ctx, handle)
	if err != nil {
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			return ResultErrored, err
		}
		// Transient runtime error; keep polling until the deadline decides.
		v.Logger.Warn(ctx, "health probe inspect failed", map[string]any{
			"handle": handle,
			"error":  err.Error(),
		})
		return "", nil
	}

	if !insp.Running {
		return ResultErrored, nil
	}

	if len(ports) == 0 {
		if insp.Address != "" {
			return ResultHealthy, nil
		}
		return "", nil
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[0].HostPort))
	if err := v.Probe(ctx, addr); err != nil {
		return "", nil
	}
	return ResultHealthy, nil
}

func tcpProbe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
