package reconciler

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RECONCILER_DATABASE_DSN", "postgres://localhost/hostwatch")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.InboundSubject != "inventory.host-events" {
		t.Errorf("inbound subject = %q", cfg.InboundSubject)
	}
	if cfg.OutboundSubjectPrefix != "usage.events" {
		t.Errorf("outbound prefix = %q", cfg.OutboundSubjectPrefix)
	}
	if cfg.CullingOffset != 14*24*time.Hour {
		t.Errorf("culling offset = %v", cfg.CullingOffset)
	}
	if cfg.HostLastSyncThreshold != 24*time.Hour {
		t.Errorf("last sync threshold = %v", cfg.HostLastSyncThreshold)
	}
	if cfg.DrainInterval != 15*time.Second || cfg.DrainMaxBackoff != 5*time.Minute {
		t.Errorf("drain timing = %v/%v", cfg.DrainInterval, cfg.DrainMaxBackoff)
	}
	if cfg.FlushBatchSize != 100 {
		t.Errorf("batch size = %d", cfg.FlushBatchSize)
	}
	if !cfg.EmitEnabled || cfg.SyncFlushEnabled || cfg.UseCPUSystemFacts {
		t.Errorf("unexpected flag defaults: %+v", cfg)
	}
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	t.Setenv("RECONCILER_DATABASE_DSN", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing DSN")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("RECONCILER_DATABASE_DSN", "postgres://localhost/hostwatch")
	t.Setenv("RECONCILER_CULLING_OFFSET", "48h")
	t.Setenv("RECONCILER_FLUSH_BATCH_SIZE", "25")
	t.Setenv("RECONCILER_EMIT_ENABLED", "false")
	t.Setenv("RECONCILER_SYNC_FLUSH_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CullingOffset != 48*time.Hour {
		t.Errorf("culling offset = %v", cfg.CullingOffset)
	}
	if cfg.FlushBatchSize != 25 {
		t.Errorf("batch size = %d", cfg.FlushBatchSize)
	}
	if cfg.EmitEnabled {
		t.Error("emit should be disabled")
	}
	if !cfg.SyncFlushEnabled {
		t.Error("sync flush should be enabled")
	}
}

func TestLoadConfigRejectsBadDurations(t *testing.T) {
	t.Setenv("RECONCILER_DATABASE_DSN", "postgres://localhost/hostwatch")

	tests := []struct {
		key   string
		value string
	}{
		{"RECONCILER_CULLING_OFFSET", "two weeks"},
		{"RECONCILER_DRAIN_INTERVAL", "-5s"},
		{"RECONCILER_DRAIN_MAX_BACKOFF", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadConfigRejectsNonPositiveBatchSize(t *testing.T) {
	t.Setenv("RECONCILER_DATABASE_DSN", "postgres://localhost/hostwatch")
	t.Setenv("RECONCILER_FLUSH_BATCH_SIZE", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}
