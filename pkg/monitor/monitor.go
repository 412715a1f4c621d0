package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/notify"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

var (
	// ErrNotMonitored is returned for instances that are not attached.
	ErrNotMonitored = errors.New("instance not monitored")

	// ErrNoData is returned when sampling has not completed once yet.
	ErrNoData = errors.New("no samples collected yet")
)

// idleCPUPercent is the activity floor: samples below it count as idle.
const idleCPUPercent = 1.0

// Config tunes sampling and alerting. All values come from the environment
// config surface.
type Config struct {
	SampleInterval  time.Duration
	RetentionWindow time.Duration
	CPUThreshold    float64
	MemThreshold    float64
	AlertCooldown   time.Duration
}

// Attachment identifies what to sample and whom to notify on breaches.
type Attachment struct {
	InstanceID domain.InstanceID
	UserID     domain.UserID
	LabID      domain.LabID
	Handle     string
	Gateway    sandbox.Gateway
}

// Snapshot is the merged live view of one monitored instance.
type Snapshot struct {
	Latest           domain.StatsSample `json:"latest"`
	AvgCPUPercent    float64            `json:"avg_cpu_percent"`
	AvgMemoryPercent float64            `json:"avg_memory_percent"`
	SampleCount      int                `json:"sample_count"`
}

// watch is the per-instance sampling state. The buffer is owned by the
// sampling goroutine; reads go through the watch mutex.
type watch struct {
	attachment Attachment
	cancel     context.CancelFunc

	mu           sync.Mutex
	samples      []domain.StatsSample // ring
	head         int
	count        int
	lastActiveAt time.Time
	lastAlert    map[string]time.Time // alert kind -> last emission
}

// Monitor samples attached sandboxes on a fixed interval, keeps a bounded
// in-memory window per instance, and raises threshold alerts. Buffers are
// cache only and never answer ownership questions.
type Monitor struct {
	Config   Config
	Logger   obs.Logger
	Metrics  obs.Metrics
	Notifier notify.Notifier

	mu       sync.Mutex
	active   map[domain.InstanceID]*watch
	ringSize int
	now      func() time.Time
}

func New(cfg Config, logger obs.Logger, metrics obs.Metrics, notifier notify.Notifier) *Monitor {
	return &Monitor{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Notifier: notifier,
		active:   make(map[domain.InstanceID]*watch),
		ringSize: ringCapacity(cfg),
		now:      time.Now,
	}
}

// ringCapacity sizes the per-instance buffer so it spans the retention
// window at the sampling rate.
func ringCapacity(cfg Config) int {
	if cfg.SampleInterval <= 0 {
		return 1
	}
	n := int(cfg.RetentionWindow / cfg.SampleInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Attach starts periodic sampling for the instance. Attaching an already
// attached instance restarts its watcher.
func (m *Monitor) Attach(ctx context.Context, att Attachment) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	w := &watch{
		attachment:   att,
		cancel:       cancel,
		samples:      make([]domain.StatsSample, m.ringSize),
		lastActiveAt: m.now(),
		lastAlert:    make(map[string]time.Time),
	}

	m.mu.Lock()
	if old, ok := m.active[att.InstanceID]; ok {
		old.cancel()
	}
	m.active[att.InstanceID] = w
	m.mu.Unlock()

	go m.sampleLoop(watchCtx, w)
}

// Detach stops sampling and discards the buffered samples. Safe to call for
// unknown instances and safe to call twice.
func (m *Monitor) Detach(instanceID domain.InstanceID) {
	m.mu.Lock()
	w, ok := m.active[instanceID]
	if ok {
		delete(m.active, instanceID)
	}
	m.mu.Unlock()

	if ok {
		w.cancel()
	}
}

// Snapshot returns the latest sample and rolling averages.
func (m *Monitor) Snapshot(instanceID domain.InstanceID) (*Snapshot, error) {
	m.mu.Lock()
	w, ok := m.active[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotMonitored
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return nil, ErrNoData
	}

	snap := &Snapshot{SampleCount: w.count}
	var cpuSum, memSum float64
	for i := 0; i < w.count; i++ {
		s := w.samples[(w.head-1-i+len(w.samples)*2)%len(w.samples)]
		if i == 0 {
			snap.Latest = s
		}
		cpuSum += s.CPUPercent
		memSum += s.MemoryPercent()
	}
	snap.AvgCPUPercent = cpuSum / float64(w.count)
	snap.AvgMemoryPercent = memSum / float64(w.count)
	return snap, nil
}

// LastActive reports when the instance last showed non-negligible CPU use.
// The reaper uses this for idle expiry. Attach time counts as activity so a
// fresh instance is never instantly idle.
func (m *Monitor) LastActive(instanceID domain.InstanceID) (time.Time, error) {
	m.mu.Lock()
	w, ok := m.active[instanceID]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, ErrNotMonitored
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActiveAt, nil
}

func (m *Monitor) sampleLoop(ctx context.Context, w *watch) {
	ticker := time.NewTicker(m.Config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx, w)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context, w *watch) {
	att := w.attachment
	sample, err := att.Gateway.Stats(ctx, att.Handle)
	if err != nil {
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			// The sandbox is gone; the orchestrator or reaper will detach.
			return
		}
		m.Logger.Warn(ctx, "stats sampling failed", map[string]any{
			"instance_id": string(att.InstanceID),
			"error":       err.Error(),
		})
		return
	}

	w.mu.Lock()
	w.samples[w.head] = *sample
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
	if sample.CPUPercent >= idleCPUPercent {
		w.lastActiveAt = m.now()
	}
	w.mu.Unlock()

	labels := []obs.Label{{Key: "instance_id", Value: string(att.InstanceID)}}
	m.Metrics.SetGauge("praxis_instance_cpu_percent", sample.CPUPercent, labels...)
	m.Metrics.SetGauge("praxis_instance_memory_bytes", float64(sample.MemoryBytes), labels...)

	m.evaluateThresholds(ctx, w, sample)
}

// evaluateThresholds emits at most one alert per breach kind per cooldown
// window, so sustained load does not turn into an alert storm.
func (m *Monitor) evaluateThresholds(ctx context.Context, w *watch, sample *domain.StatsSample) {
	type breach struct {
		kind  string
		value float64
		limit float64
	}
	var breaches []breach
	if m.Config.CPUThreshold > 0 && sample.CPUPercent > m.Config.CPUThreshold {
		breaches = append(breaches, breach{"cpu", sample.CPUPercent, m.Config.CPUThreshold})
	}
	if m.Config.MemThreshold > 0 && sample.MemoryPercent() > m.Config.MemThreshold {
		breaches = append(breaches, breach{"memory", sample.MemoryPercent(), m.Config.MemThreshold})
	}
	if len(breaches) == 0 {
		return
	}

	now := m.now()
	att := w.attachment
	for _, b := range breaches {
		w.mu.Lock()
		last, seen := w.lastAlert[b.kind]
		cooled := !seen || now.Sub(last) >= m.Config.AlertCooldown
		if cooled {
			w.lastAlert[b.kind] = now
		}
		w.mu.Unlock()
		if !cooled {
			continue
		}

		m.Metrics.IncCounter("praxis_resource_alerts_total", 1,
			obs.Label{Key: "resource", Value: b.kind})

		ev := &notify.Event{
			Kind:       notify.EventResourceAlert,
			InstanceID: att.InstanceID,
			UserID:     att.UserID,
			LabID:      att.LabID,
			Message:    "resource usage above threshold",
			Details: map[string]any{
				"resource":  b.kind,
				"value":     b.value,
				"threshold": b.limit,
			},
			CreatedAt: now,
		}
		if err := m.Notifier.Notify(ctx, ev); err != nil {
			m.Logger.Warn(ctx, "failed to send resource alert", map[string]any{
				"instance_id": string(att.InstanceID),
				"error":       err.Error(),
			})
		}
	}
}
