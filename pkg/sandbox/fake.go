package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/praxisrange/praxis/pkg/domain"
)

// FakeGateway is an in-memory Gateway for tests. Health, stats, and failure
// behavior are scriptable per fake.
type FakeGateway struct {
	mu       sync.Mutex
	seq      int
	sandboxs map[string]*fakeSandbox

	// ProvisionErr, when set, fails every Provision call.
	ProvisionErr error
	// HealthyAfter delays the healthy signal; zero means healthy at once.
	HealthyAfter time.Duration
	// NeverHealthy keeps Inspect reporting not-running-yet forever.
	NeverHealthy bool
	// TerminateFailures fails this many Terminate calls before succeeding.
	TerminateFailures int

	// NextStats is returned by Stats when set.
	NextStats *domain.StatsSample

	TerminateCount int
	ProvisionCount int
	AdoptCount     int
}

type fakeSandbox struct {
	createdAt time.Time
	healthyAt time.Time
	never     bool
	gone      bool
	exitCode  *int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{sandboxs: make(map[string]*fakeSandbox)}
}

func (f *FakeGateway) Provision(ctx context.Context, lab *domain.Lab, instanceName string, env map[string]string) (string, []domain.PortMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ProvisionCount++
	if f.ProvisionErr != nil {
		return "", nil, f.ProvisionErr
	}

	f.seq++
	handle := fmt.Sprintf("fake-%d", f.seq)
	now := time.Now()
	f.sandboxs[handle] = &fakeSandbox{
		createdAt: now,
		healthyAt: now.Add(f.HealthyAfter),
		never:     f.NeverHealthy,
	}

	ports := make([]domain.PortMapping, 0, len(lab.Ports))
	for i, p := range lab.Ports {
		ports = append(ports, domain.PortMapping{HostPort: 20000 + f.seq*10 + i, SandboxPort: p, Proto: "tcp"})
	}
	return handle, ports, nil
}

func (f *FakeGateway) Inspect(ctx context.Context, handle string) (*Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sb, ok := f.sandboxs[handle]
	if !ok || sb.gone {
		return nil, ErrSandboxNotFound
	}
	if sb.exitCode != nil {
		return &Inspection{Running: false, ExitCode: sb.exitCode}, nil
	}
	if sb.never || time.Now().Before(sb.healthyAt) {
		// Created but not serving yet.
		return &Inspection{Running: true, Address: ""}, nil
	}
	return &Inspection{Running: true, Address: "127.0.0.1"}, nil
}

func (f *FakeGateway) Stats(ctx context.Context, handle string) (*domain.StatsSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sb, ok := f.sandboxs[handle]
	if !ok || sb.gone {
		return nil, ErrSandboxNotFound
	}
	if f.NextStats != nil {
		s := *f.NextStats
		s.Timestamp = time.Now()
		return &s, nil
	}
	return &domain.StatsSample{
		Timestamp:        time.Now(),
		CPUPercent:       10,
		MemoryBytes:      64 << 20,
		MemoryLimitBytes: 256 << 20,
	}, nil
}

func (f *FakeGateway) Terminate(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.TerminateCount++
	if f.TerminateFailures > 0 {
		f.TerminateFailures--
		return fmt.Errorf("injected terminate failure")
	}

	if sb, ok := f.sandboxs[handle]; ok {
		sb.gone = true
	}
	// Terminating an unknown handle is success by contract.
	return nil
}

func (f *FakeGateway) Adopt(ctx context.Context, handle string, ports []domain.PortMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sb, ok := f.sandboxs[handle]
	if !ok || sb.gone || sb.exitCode != nil {
		return ErrSandboxNotFound
	}
	f.AdoptCount++
	return nil
}

// MarkExited simulates the sandbox process dying with the given exit code.
func (f *FakeGateway) MarkExited(handle string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxs[handle]; ok {
		sb.exitCode = &code
	}
}

// MarkGone simulates the runtime losing the sandbox (registry drift).
func (f *FakeGateway) MarkGone(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxs[handle]; ok {
		sb.gone = true
	}
}

// Alive reports whether the handle still refers to a live sandbox.
func (f *FakeGateway) Alive(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxs[handle]
	return ok && !sb.gone
}

var _ Gateway = (*FakeGateway)(nil)
