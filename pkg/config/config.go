package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's environment-supplied tuning surface. Every
// timing and threshold knob comes from here, never from literals in the
// components themselves.
type Config struct {
	Port       string
	DockerHost string

	RedisAddr     string
	RedisDB       int
	RedisPassword string

	CatalogPath  string
	WorkspaceDir string

	PortRangeMin int
	PortRangeMax int

	HealthInterval time.Duration
	HealthDeadline time.Duration

	SampleInterval  time.Duration
	RetentionWindow time.Duration

	AlertCPUThreshold float64
	AlertMemThreshold float64
	AlertCooldown     time.Duration

	SweepInterval       time.Duration
	TerminateGrace      time.Duration
	DefaultTotalTimeout time.Duration
	DefaultIdleTimeout  time.Duration

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port:       getEnv("PRAXIS_HTTP_PORT", "8080"),
		DockerHost: getEnv("PRAXIS_DOCKER_HOST", ""),

		RedisAddr:     getEnv("PRAXIS_REDIS_ADDR", "localhost:6379"),
		RedisDB:       GetEnvInt("PRAXIS_REDIS_DB", 0),
		RedisPassword: getEnv("PRAXIS_REDIS_PASSWORD", ""),

		CatalogPath:  getEnv("PRAXIS_CATALOG_PATH", "labs.yaml"),
		WorkspaceDir: getEnv("PRAXIS_WORKSPACE_DIR", "/var/lib/praxis/workspaces"),

		PortRangeMin: GetEnvInt("PRAXIS_PORT_RANGE_MIN", 20000),
		PortRangeMax: GetEnvInt("PRAXIS_PORT_RANGE_MAX", 29999),

		HealthInterval: GetEnvDuration("PRAXIS_HEALTH_INTERVAL", 2*time.Second),
		HealthDeadline: GetEnvDuration("PRAXIS_HEALTH_DEADLINE", 60*time.Second),

		SampleInterval:  GetEnvDuration("PRAXIS_SAMPLE_INTERVAL", 5*time.Second),
		RetentionWindow: GetEnvDuration("PRAXIS_RETENTION_WINDOW", time.Hour),

		AlertCPUThreshold: GetEnvFloat("PRAXIS_ALERT_CPU_THRESHOLD", 90.0),
		AlertMemThreshold: GetEnvFloat("PRAXIS_ALERT_MEM_THRESHOLD", 90.0),
		AlertCooldown:     GetEnvDuration("PRAXIS_ALERT_COOLDOWN", 5*time.Minute),

		SweepInterval:       GetEnvDuration("PRAXIS_SWEEP_INTERVAL", 5*time.Minute),
		TerminateGrace:      GetEnvDuration("PRAXIS_TERMINATE_GRACE", 10*time.Second),
		DefaultTotalTimeout: GetEnvDuration("PRAXIS_DEFAULT_TOTAL_TIMEOUT", time.Hour),
		DefaultIdleTimeout:  GetEnvDuration("PRAXIS_DEFAULT_IDLE_TIMEOUT", 30*time.Minute),

		LogLevel: getEnv("PRAXIS_LOG_LEVEL", "INFO"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func GetEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
