// Package config loads process configuration from the environment and
// supports hot-reloading the OPA policy directory used by the plan
// validator without a restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// Config holds every tunable named in the external interfaces table, plus
// the ambient-stack knobs (logging, tracing, NATS, bbolt, policy paths).
type Config struct {
	// Task lifecycle
	TaskTimeout        time.Duration
	ClaimLease         time.Duration
	MaxRetries         int
	MaxCorrectionDepth int
	PollingInterval    time.Duration
	DispatchBatch      int
	DeadLetterAfter    int

	// Validation
	CodeExecutorStderrAllow []string

	// Storage
	StorePath string

	// Message fabric
	NATSURL string

	// Planner oracle
	OracleEndpoint string

	// Policy
	PolicyDir          string
	PolicyPackage      string
	PolicyDecisionPath string

	// Supervision cadence
	SupervisionCron string

	// Result caching
	ResultCacheTTL time.Duration
	ResultCacheMax int

	// Resilience: hybrid rate limiting and retry around calls that cross a
	// process boundary (Orchestrator->Oracle, Executor->Message Fabric)
	RateLimitBurst      int
	RateLimitRefillRate float64
	RateLimitQueueSize  int
	RateLimitLeakRate   time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration

	// Dispatch-loop rate limiting (Orchestrator -> Message Fabric)
	DispatchRateCapacity     int
	DispatchRateFillPerSec   float64
	DispatchRateWindow       time.Duration
	DispatchRateMaxPerWindow int

	// Service identity
	ServiceName string
}

// Load reads configuration from the environment, applying the defaults from
// the external interfaces table.
func Load(serviceName string) Config {
	cfg := Config{
		TaskTimeout:        durationEnv("TASK_TIMEOUT", 300*time.Second),
		ClaimLease:         durationEnv("CLAIM_LEASE", 60*time.Second),
		MaxRetries:         intEnv("MAX_RETRIES", 3),
		MaxCorrectionDepth: intEnv("MAX_CORRECTION_DEPTH", 3),
		PollingInterval:    durationEnv("POLLING_INTERVAL", 200*time.Millisecond),
		DispatchBatch:      intEnv("DISPATCH_BATCH", 32),
		DeadLetterAfter:    intEnv("DEAD_LETTER_AFTER", 5),

		CodeExecutorStderrAllow: listEnv("CODE_EXECUTOR_STDERR_ALLOW", nil),

		StorePath: stringEnv("WORKFLOW_STORE_PATH", "./data/workflow.db"),

		NATSURL: stringEnv("WORKFLOW_NATS_URL", "nats://127.0.0.1:4222"),

		OracleEndpoint: stringEnv("WORKFLOW_ORACLE_ENDPOINT", ""),

		PolicyDir:          stringEnv("WORKFLOW_POLICY_DIR", "./policy"),
		PolicyPackage:      stringEnv("WORKFLOW_POLICY_PACKAGE", "workflowcore.surgery"),
		PolicyDecisionPath: stringEnv("WORKFLOW_POLICY_DECISION", "data.workflowcore.surgery.allow"),

		SupervisionCron: stringEnv("WORKFLOW_SUPERVISION_CRON", ""),

		ResultCacheTTL: durationEnv("RESULT_CACHE_TTL", 10*time.Minute),
		ResultCacheMax: intEnv("RESULT_CACHE_MAX_ENTRIES", 1000),

		RateLimitBurst:      intEnv("RATE_LIMIT_BURST", 20),
		RateLimitRefillRate: floatEnv("RATE_LIMIT_REFILL_PER_SEC", 10.0),
		RateLimitQueueSize:  intEnv("RATE_LIMIT_QUEUE_SIZE", 100),
		RateLimitLeakRate:   durationEnv("RATE_LIMIT_LEAK_INTERVAL", 50*time.Millisecond),
		RetryAttempts:       intEnv("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:      durationEnv("RETRY_BASE_DELAY", 200*time.Millisecond),

		DispatchRateCapacity:     intEnv("DISPATCH_RATE_CAPACITY", 64),
		DispatchRateFillPerSec:   floatEnv("DISPATCH_RATE_FILL_PER_SEC", 32.0),
		DispatchRateWindow:       durationEnv("DISPATCH_RATE_WINDOW", time.Second),
		DispatchRateMaxPerWindow: intEnv("DISPATCH_RATE_MAX_PER_WINDOW", 64),

		ServiceName: serviceName,
	}
	return cfg
}

// HeartbeatInterval is the lease-renewal cadence: CLAIM_LEASE/3.
func (c Config) HeartbeatInterval() time.Duration {
	return c.ClaimLease / 3
}

// Validate rejects a configuration that would make a process unable to
// start correctly; callers exit(3) on a non-nil return, per the documented
// configuration-error exit code.
func (c Config) Validate() error {
	switch {
	case c.StorePath == "":
		return fmt.Errorf("config: WORKFLOW_STORE_PATH must not be empty")
	case c.NATSURL == "":
		return fmt.Errorf("config: WORKFLOW_NATS_URL must not be empty")
	case c.TaskTimeout <= 0:
		return fmt.Errorf("config: TASK_TIMEOUT must be positive")
	case c.ClaimLease <= 0:
		return fmt.Errorf("config: CLAIM_LEASE must be positive")
	case c.PollingInterval <= 0:
		return fmt.Errorf("config: POLLING_INTERVAL must be positive")
	case c.DispatchBatch <= 0:
		return fmt.Errorf("config: DISPATCH_BATCH must be positive")
	case c.MaxCorrectionDepth < 0:
		return fmt.Errorf("config: MAX_CORRECTION_DEPTH must not be negative")
	}
	return nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid int env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func listEnv(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
