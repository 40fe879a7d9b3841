package reconciler

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the reconciler service needs from the environment.
type Config struct {
	DatabaseDSN string
	NATSURL     string

	InboundSubject        string
	OutboundSubjectPrefix string

	HTTPAddr     string
	OTLPEndpoint string

	// CullingOffset is added to a host's stale timestamp; hosts past the sum
	// are treated as culled and skipped.
	CullingOffset time.Duration
	// HostLastSyncThreshold bounds how stale a host's rhsm sync may be before
	// its rhsm facts are ignored.
	HostLastSyncThreshold time.Duration

	DrainInterval   time.Duration
	DrainMaxBackoff time.Duration
	FlushBatchSize  int

	EmitEnabled       bool
	SyncFlushEnabled  bool
	UseCPUSystemFacts bool
}

// LoadConfig reads the service configuration from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{}

	cfg.DatabaseDSN = os.Getenv("RECONCILER_DATABASE_DSN")
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("RECONCILER_DATABASE_DSN is required")
	}

	cfg.NATSURL = getEnv("RECONCILER_NATS_URL", "nats://127.0.0.1:4222")
	cfg.InboundSubject = getEnv("RECONCILER_INBOUND_SUBJECT", "inventory.host-events")
	cfg.OutboundSubjectPrefix = getEnv("RECONCILER_OUTBOUND_SUBJECT_PREFIX", "usage.events")
	cfg.HTTPAddr = getEnv("RECONCILER_HTTP_ADDR", ":8080")
	cfg.OTLPEndpoint = os.Getenv("RECONCILER_OTLP_ENDPOINT")

	var err error
	if cfg.CullingOffset, err = getEnvDuration("RECONCILER_CULLING_OFFSET", 14*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.HostLastSyncThreshold, err = getEnvDuration("RECONCILER_HOST_LAST_SYNC_THRESHOLD", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.DrainInterval, err = getEnvDuration("RECONCILER_DRAIN_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DrainMaxBackoff, err = getEnvDuration("RECONCILER_DRAIN_MAX_BACKOFF", 5*time.Minute); err != nil {
		return Config{}, err
	}

	cfg.FlushBatchSize = getEnvInt("RECONCILER_FLUSH_BATCH_SIZE", 100)
	if cfg.FlushBatchSize <= 0 {
		return Config{}, fmt.Errorf("RECONCILER_FLUSH_BATCH_SIZE must be positive")
	}

	cfg.EmitEnabled = getEnvBool("RECONCILER_EMIT_ENABLED", true)
	cfg.SyncFlushEnabled = getEnvBool("RECONCILER_SYNC_FLUSH_ENABLED", false)
	cfg.UseCPUSystemFacts = getEnvBool("RECONCILER_USE_CPU_SYSTEM_FACTS", false)

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
