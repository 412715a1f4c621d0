package sandbox

import (
	"context"

	"github.com/praxisrange/praxis/pkg/domain"
)

// Inspection is a point-in-time view of a sandbox as the runtime sees it.

type Inspection struct {
	Running  bool
	ExitCode *int
	Address  string
}

// Gateway abstracts the runtime that hosts sandboxes. Two implementations
// exist: DockerGateway for container labs and ProcessGateway for labs that
// run as plain host processes. The orchestrator selects one per lab mode and
// never talks to the runtime directly.
//
// All operations hit the shared runtime; the gateway keeps no state beyond
// what it needs to map a handle back to runtime resources and port leases.
type Gateway interface {
	// Provision creates and starts a sandbox with the lab's resource limits
	// applied and host ports assigned from the gateway's allocator.
	Provision(ctx context.Context, lab *domain.Lab, instanceName string, env map[string]string) (handle string, ports []domain.PortMapping, err error)

	// Inspect fails with ErrSandboxNotFound when the handle is stale.
	Inspect(ctx context.Context, handle string) (*Inspection, error)

	// Stats returns a single resource snapshot. Rates are computed over the
	// window since the previous raw counter reading.
	Stats(ctx context.Context, handle string) (*domain.StatsSample, error)

	// Terminate stops the sandbox, escalating from graceful stop to forced
	// kill after the grace period, and always removes it. Terminating an
	// already-absent sandbox succeeds.
	Terminate(ctx context.Context, handle string) error

	// Adopt re-attaches the gateway to a sandbox that outlived a restart:
	// it verifies the sandbox is still running and re-leases its host
	// ports so future provisions cannot collide with them. Fails with
	// ErrSandboxNotFound when the sandbox is gone.
	Adopt(ctx context.Context, handle string, ports []domain.PortMapping) error
}
