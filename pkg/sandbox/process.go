package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/obs"
)

// procState tracks one running process sandbox. Sandboxes adopted after a
// restart have no cmd and no lab; pid and proc are always set.
type procState struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	proc      *process.Process // gopsutil view, keeps CPU deltas per sandbox
	lab       *domain.Lab
	workDir   string
	hostPorts []int
	startedAt time.Time
	exitCode  *int
	exited    chan struct{}
}

// ProcessGateway runs non-containerized labs as host processes in their own
// process group, each in a private workspace directory.
type ProcessGateway struct {
	workspaceRoot string
	allocator     *PortAllocator
	grace         time.Duration
	logger        obs.Logger

	procs sync.Map // handle -> *procState
}

func NewProcessGateway(workspaceRoot string, allocator *PortAllocator, grace time.Duration, logger obs.Logger) (*ProcessGateway, error) {
	if err := os.MkdirAll(workspaceRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: workspace root: %v", ErrRuntimeUnavailable, err)
	}
	return &ProcessGateway{
		workspaceRoot: workspaceRoot,
		allocator:     allocator,
		grace:         grace,
		logger:        logger,
	}, nil
}

// Provision spawns the lab command in a fresh workspace. Process labs bind
// host ports directly, so each mapping is host==sandbox port.
func (g *ProcessGateway) Provision(ctx context.Context, lab *domain.Lab, instanceName string, env map[string]string) (string, []domain.PortMapping, error) {
	if len(lab.Command) == 0 {
		return "", nil, fmt.Errorf("lab %s has no command", lab.ID)
	}

	hostPorts, err := g.allocator.AllocateN(len(lab.Ports))
	if err != nil {
		return "", nil, err
	}

	workDir := filepath.Join(g.workspaceRoot, instanceName)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		g.allocator.ReleaseAll(hostPorts)
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	mappings := make([]domain.PortMapping, 0, len(lab.Ports))
	cmdEnv := os.Environ()
	for k, v := range env {
		cmdEnv = append(cmdEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for i := range lab.Ports {
		// The challenge reads its listen port from the environment.
		cmdEnv = append(cmdEnv, fmt.Sprintf("LAB_PORT_%d=%d", i, hostPorts[i]))
		mappings = append(mappings, domain.PortMapping{
			HostPort:    hostPorts[i],
			SandboxPort: hostPorts[i],
			Proto:       "tcp",
		})
	}
	cmdEnv = append(cmdEnv, "FLAG_SEED="+randomSeed())

	cmd := exec.Command(lab.Command[0], lab.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = cmdEnv
	// Own process group so Terminate can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		g.allocator.ReleaseAll(hostPorts)
		_ = os.RemoveAll(workDir)
		return "", nil, fmt.Errorf("failed to start process: %w", err)
	}

	psProc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		// Process died before we could attach to it.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		g.allocator.ReleaseAll(hostPorts)
		_ = os.RemoveAll(workDir)
		return "", nil, fmt.Errorf("failed to attach to process: %w", err)
	}
	// Prime CPU accounting so the next call returns a windowed percentage.
	_, _ = psProc.Percent(0)

	state := &procState{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		proc:      psProc,
		lab:       lab,
		workDir:   workDir,
		hostPorts: hostPorts,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	handle := fmt.Sprintf("proc-%d-%s", cmd.Process.Pid, instanceName)
	g.procs.Store(handle, state)

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		state.mu.Lock()
		state.exitCode = &code
		state.mu.Unlock()
		close(state.exited)
	}()

	return handle, mappings, nil
}

func (g *ProcessGateway) getState(handle string) (*procState, error) {
	val, ok := g.procs.Load(handle)
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return val.(*procState), nil
}

func (g *ProcessGateway) Inspect(ctx context.Context, handle string) (*Inspection, error) {
	state, err := g.getState(handle)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	insp := &Inspection{Address: "127.0.0.1"}
	if state.exitCode != nil {
		insp.ExitCode = state.exitCode
		return insp, nil
	}
	insp.Running = true
	return insp, nil
}

// Stats samples the process through gopsutil. CPU percent is computed over
// the window since the previous sample for this sandbox. Process sandboxes
// have no per-sandbox network counters, so disk IO stands in for rx/tx.
func (g *ProcessGateway) Stats(ctx context.Context, handle string) (*domain.StatsSample, error) {
	state, err := g.getState(handle)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.exitCode != nil {
		return nil, ErrSandboxNotFound
	}

	cpu, err := state.proc.Percent(0)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}

	sample := &domain.StatsSample{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
	}
	if state.lab != nil {
		sample.MemoryLimitBytes = state.lab.Resources.MemoryBytes
	}
	if mem, err := state.proc.MemoryInfo(); err == nil && mem != nil {
		sample.MemoryBytes = int64(mem.RSS)
	}
	if io, err := state.proc.IOCounters(); err == nil && io != nil {
		sample.RxBytes = int64(io.ReadBytes)
		sample.TxBytes = int64(io.WriteBytes)
	}
	return sample, nil
}

// Terminate sends SIGTERM to the process group, waits out the grace period,
// escalates to SIGKILL, then removes the workspace. Unknown handles succeed.
func (g *ProcessGateway) Terminate(ctx context.Context, handle string) error {
	state, err := g.getState(handle)
	if err != nil {
		return nil // already gone
	}

	state.mu.Lock()
	alreadyExited := state.exitCode != nil
	pid := state.pid
	state.mu.Unlock()

	if !alreadyExited {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			g.logger.Warn(ctx, "SIGTERM failed", map[string]any{
				"handle": handle,
				"pid":    strconv.Itoa(pid),
				"error":  err.Error(),
			})
		}

		select {
		case <-state.exited:
		case <-time.After(g.grace):
		case <-ctx.Done():
			// Cancellation cuts the graceful wait short but must not abandon
			// the sandbox: the leases below are only released once it is dead.
		}

		select {
		case <-state.exited:
		default:
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("failed to kill process group %d: %w", pid, err)
			}
			select {
			case <-state.exited:
			case <-time.After(g.grace):
				// Unreapable process. Keep the state and leases so a retry
				// can finish the cleanup.
				return fmt.Errorf("process group %d did not exit after SIGKILL", pid)
			}
		}
	}

	if err := os.RemoveAll(state.workDir); err != nil {
		g.logger.Warn(ctx, "failed to remove workspace", map[string]any{
			"handle": handle,
			"error":  err.Error(),
		})
	}

	g.procs.Delete(handle)
	g.allocator.ReleaseAll(state.hostPorts)
	return nil
}

// Adopt re-attaches to a process that outlived a restart. The pid is encoded
// in the handle; the process is verified alive and its port leases restored.
// Adopted sandboxes are watched by polling since only the original parent can
// wait on them.
func (g *ProcessGateway) Adopt(ctx context.Context, handle string, ports []domain.PortMapping) error {
	if _, ok := g.procs.Load(handle); ok {
		return nil
	}

	pid, instanceName, err := parseHandle(handle)
	if err != nil {
		return err
	}

	psProc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ErrSandboxNotFound
	}
	running, err := psProc.IsRunning()
	if err != nil || !running {
		return ErrSandboxNotFound
	}
	_, _ = psProc.Percent(0)

	hostPorts := make([]int, 0, len(ports))
	for _, p := range ports {
		hostPorts = append(hostPorts, p.HostPort)
	}
	if err := g.allocator.Claim(hostPorts); err != nil {
		return fmt.Errorf("failed to reclaim host ports for %s: %w", handle, err)
	}

	state := &procState{
		pid:       pid,
		proc:      psProc,
		workDir:   filepath.Join(g.workspaceRoot, instanceName),
		hostPorts: hostPorts,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	g.procs.Store(handle, state)
	go g.watchAdopted(state)
	return nil
}

// watchAdopted polls an adopted process until it disappears. The exit code is
// unknowable for a process we did not spawn.
func (g *ProcessGateway) watchAdopted(state *procState) {
	for {
		time.Sleep(time.Second)
		running, err := state.proc.IsRunning()
		if err == nil && running {
			continue
		}
		code := -1
		state.mu.Lock()
		state.exitCode = &code
		state.mu.Unlock()
		close(state.exited)
		return
	}
}

func parseHandle(handle string) (pid int, instanceName string, err error) {
	rest, ok := strings.CutPrefix(handle, "proc-")
	if !ok {
		return 0, "", fmt.Errorf("malformed process handle %q", handle)
	}
	pidStr, name, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, "", fmt.Errorf("malformed process handle %q", handle)
	}
	pid, err = strconv.Atoi(pidStr)
	if err != nil {
		return 0, "", fmt.Errorf("malformed process handle %q", handle)
	}
	return pid, name, nil
}

var _ Gateway = (*ProcessGateway)(nil)
