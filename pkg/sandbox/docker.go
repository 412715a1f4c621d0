package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/obs"
)

// NetworkName is the isolated bridge network all container labs join. The
// network is internal: lab containers cannot reach out, users reach in
// through published host ports only.
const NetworkName = "praxis-labs"

const labelInstance = "praxis.instance"

// DockerGateway implements Gateway over the Docker Engine API.
type DockerGateway struct {
	client    *client.Client
	allocator *PortAllocator
	grace     time.Duration
	logger    obs.Logger

	mu          sync.Mutex
	leasedPorts map[string][]int // handle -> host ports
}

func NewDockerGateway(host string, allocator *PortAllocator, grace time.Duration, logger obs.Logger) (*DockerGateway, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	g := &DockerGateway{
		client:      cli,
		allocator:   allocator,
		grace:       grace,
		logger:      logger,
		leasedPorts: make(map[string][]int),
	}
	if err := g.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *DockerGateway) ensureNetwork(ctx context.Context) error {
	_, err := g.client.NetworkInspect(ctx, NetworkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect network: %w", err)
	}

	_, err = g.client.NetworkCreate(ctx, NetworkName, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create lab network: %w", err)
	}
	return nil
}

// Provision pulls the lab image if possible, creates the container with the
// lab's resource limits, publishes one host port per declared sandbox port,
// and starts it. The returned handle is the container ID.
func (g *DockerGateway) Provision(ctx context.Context, lab *domain.Lab, instanceName string, env map[string]string) (string, []domain.PortMapping, error) {
	if err := g.ensureImage(ctx, lab.Image); err != nil {
		return "", nil, err
	}

	hostPorts, err := g.allocator.AllocateN(len(lab.Ports))
	if err != nil {
		return "", nil, err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	mappings := make([]domain.PortMapping, 0, len(lab.Ports))
	for i, sandboxPort := range lab.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", sandboxPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(hostPorts[i]),
		}}
		mappings = append(mappings, domain.PortMapping{
			HostPort:    hostPorts[i],
			SandboxPort: sandboxPort,
			Proto:       "tcp",
		})
	}

	envList := make([]string, 0, len(env)+1)
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}
	// Each instance gets a unique flag seed so flags cannot be shared
	// between users.
	envList = append(envList, "FLAG_SEED="+randomSeed())

	cfg := &container.Config{
		Image:        lab.Image,
		Env:          envList,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelInstance: instanceName,
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    lab.Resources.MemoryBytes,
			CPUShares: lab.Resources.CPUShares,
		},
		PortBindings: bindings,
		NetworkMode:  container.NetworkMode(NetworkName),
		AutoRemove:   false,
	}

	resp, err := g.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, instanceName)
	if err != nil {
		g.allocator.ReleaseAll(hostPorts)
		return "", nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := g.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = g.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		g.allocator.ReleaseAll(hostPorts)
		return "", nil, fmt.Errorf("failed to start container: %w", err)
	}

	g.mu.Lock()
	g.leasedPorts[resp.ID] = hostPorts
	g.mu.Unlock()

	return resp.ID, mappings, nil
}

func (g *DockerGateway) Inspect(ctx context.Context, handle string) (*Inspection, error) {
	info, err := g.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	insp := &Inspection{}
	if info.State != nil {
		insp.Running = info.State.Running
		if !info.State.Running {
			code := info.State.ExitCode
			insp.ExitCode = &code
		}
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[NetworkName]; ok {
			insp.Address = ep.IPAddress
		}
	}
	return insp, nil
}

// Stats reads one non-streaming stats sample. Docker reports cumulative CPU
// counters, so the percentage is the delta between the current and previous
// reading the daemon includes in each sample: Δused / Δtotal over the window.
func (g *DockerGateway) Stats(ctx context.Context, handle string) (*domain.StatsSample, error) {
	resp, err := g.client.ContainerStats(ctx, handle, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	sample := &domain.StatsSample{
		Timestamp:        time.Now(),
		CPUPercent:       cpuPercent(&stats),
		MemoryBytes:      int64(stats.MemoryStats.Usage),
		MemoryLimitBytes: int64(stats.MemoryStats.Limit),
	}
	for _, net := range stats.Networks {
		sample.RxBytes += int64(net.RxBytes)
		sample.TxBytes += int64(net.TxBytes)
	}
	return sample, nil
}

func cpuPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / sysDelta * 100.0
}

// Terminate stops the container within the grace period, force-removes it,
// and returns its port leases. A handle the runtime no longer knows is
// treated as already terminated.
func (g *DockerGateway) Terminate(ctx context.Context, handle string) error {
	graceSeconds := int(g.grace.Seconds())
	err := g.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &graceSeconds})
	if err != nil && !client.IsErrNotFound(err) {
		// Removal below escalates to a forced kill.
		g.logger.Warn(ctx, "graceful stop failed, forcing removal", map[string]any{
			"handle": handle,
			"error":  err.Error(),
		})
	}

	err = g.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	g.releasePorts(handle)
	return nil
}

// Adopt re-leases the host ports of a container that survived a restart so
// the allocator cannot hand them out again.
func (g *DockerGateway) Adopt(ctx context.Context, handle string, ports []domain.PortMapping) error {
	g.mu.Lock()
	_, known := g.leasedPorts[handle]
	g.mu.Unlock()
	if known {
		return nil
	}

	info, err := g.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrSandboxNotFound
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return ErrSandboxNotFound
	}

	hostPorts := make([]int, 0, len(ports))
	for _, p := range ports {
		hostPorts = append(hostPorts, p.HostPort)
	}
	if err := g.allocator.Claim(hostPorts); err != nil {
		return fmt.Errorf("failed to reclaim host ports for %s: %w", handle, err)
	}

	g.mu.Lock()
	g.leasedPorts[handle] = hostPorts
	g.mu.Unlock()
	return nil
}

func (g *DockerGateway) releasePorts(handle string) {
	g.mu.Lock()
	ports := g.leasedPorts[handle]
	delete(g.leasedPorts, handle)
	g.mu.Unlock()
	g.allocator.ReleaseAll(ports)
}

// ensureImage pulls the lab image so instances start from the current
// version. A failed pull falls back to a locally cached image; it is only
// fatal when no local copy exists either.
func (g *DockerGateway) ensureImage(ctx context.Context, ref string) error {
	reader, err := g.client.ImagePull(ctx, ref, image.PullOptions{})
	if err == nil {
		// Drain to wait for the pull to finish.
		_, copyErr := io.Copy(io.Discard, reader)
		reader.Close()
		if copyErr == nil {
			return nil
		}
		err = copyErr
	}

	g.logger.Warn(ctx, "image pull failed, trying local copy", map[string]any{
		"image": ref,
		"error": err,
	})

	if _, _, inspErr := g.client.ImageInspectWithRaw(ctx, ref); inspErr != nil {
		return fmt.Errorf("%w: %s", ErrArtifactFetch, ref)
	}
	return nil
}

func randomSeed() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ Gateway = (*DockerGateway)(nil)
