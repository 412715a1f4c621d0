package domain

import (
	"time"
)

// IDs

type LabID string
type InstanceID string
type UserID string

// SandboxMode selects which runtime gateway provisions a lab.

type SandboxMode string

const (
	ModeContainer SandboxMode = "container"
	ModeProcess   SandboxMode = "process"
)

// InstanceStatus is the lifecycle state of a lab instance.

type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "starting"
	StatusRunning   InstanceStatus = "running"
	StatusStopping  InstanceStatus = "stopping"
	StatusStopped   InstanceStatus = "stopped"
	StatusCompleted InstanceStatus = "completed"
	StatusError     InstanceStatus = "error"
	StatusExpired   InstanceStatus = "expired"
)

// IsTerminal reports whether a status can never transition again.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether a status occupies the user's single active slot.
func (s InstanceStatus) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

// Resources & limits

type ResourceSpec struct {
	CPUShares   int64 `json:"cpu_shares" yaml:"cpu_shares"`
	MemoryBytes int64 `json:"memory_bytes" yaml:"memory_bytes"`
}

// Lab is the externally managed configuration of one training target.
// The orchestrator core only ever reads it.

type Lab struct {
	ID           LabID             `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Category     string            `json:"category" yaml:"category"`
	Difficulty   string            `json:"difficulty" yaml:"difficulty"`
	Mode         SandboxMode       `json:"mode" yaml:"mode"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command      []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Ports        []int             `json:"ports" yaml:"ports"`
	EnvTemplate  map[string]string `json:"env_template,omitempty" yaml:"env_template,omitempty"`
	Resources    ResourceSpec      `json:"resources" yaml:"resources"`
	TotalTimeout time.Duration     `json:"total_timeout" yaml:"total_timeout"`
	IdleTimeout  time.Duration     `json:"idle_timeout" yaml:"idle_timeout"`
	Active       bool              `json:"active" yaml:"active"`
}

// PortMapping records one host<->sandbox port assignment.

type PortMapping struct {
	HostPort    int    `json:"host_port"`
	SandboxPort int    `json:"sandbox_port"`
	Proto       string `json:"proto"`
}

// LabInstance is one user's provisioned sandbox for a given lab.

type LabInstance struct {
	ID             InstanceID     `json:"id"`
	UserID         UserID         `json:"user_id"`
	LabID          LabID          `json:"lab_id"`
	SandboxHandle  string         `json:"sandbox_handle,omitempty"`
	SandboxMode    SandboxMode    `json:"sandbox_mode"`
	Status         InstanceStatus `json:"status"`
	Ports          []PortMapping  `json:"ports,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	LastHealthyAt  *time.Time     `json:"last_healthy_at,omitempty"`
	Score          float64        `json:"score"`
	CompletionRate float64        `json:"completion_rate"`
}

// StatsSample is a single point-in-time resource reading for a sandbox.

type StatsSample struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryBytes      int64     `json:"memory_bytes"`
	MemoryLimitBytes int64     `json:"memory_limit_bytes"`
	RxBytes          int64     `json:"rx_bytes"`
	TxBytes          int64     `json:"tx_bytes"`
}

// MemoryPercent derives memory utilization from the sample, 0 when no limit
// is known.
func (s StatsSample) MemoryPercent() float64 {
	if s.MemoryLimitBytes <= 0 {
		return 0
	}
	return float64(s.MemoryBytes) / float64(s.MemoryLimitBytes) * 100.0
}
