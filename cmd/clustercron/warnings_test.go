package main

import (
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/clustercron/internal/config"
)

func joined(cfg config.Config) string {
	return strings.Join(configWarnings(cfg), "\n")
}

func TestConfigWarnings_Defaults(t *testing.T) {
	output := joined(config.Defaults())

	// The in-process map cannot be shared.
	if !strings.Contains(output, "WARNING [P0]: MAP_BACKEND=memory") {
		t.Error("expected memory backend P0 warning, got:", output)
	}
	if !strings.Contains(output, "WARNING [P2]: METRICS_ENABLED=false") {
		t.Error("expected metrics P2 warning, got:", output)
	}
	// 5s heartbeat within a 15s TTL tolerates two missed renewals.
	if strings.Contains(output, "HEARTBEAT_INTERVAL") {
		t.Error("did not expect heartbeat warning for defaults, got:", output)
	}
	if strings.Contains(output, "SWEEP_ENABLED=false") {
		t.Error("did not expect sweep warning when sweeping, got:", output)
	}
}

func TestConfigWarnings_SharedClusterNoWarnings(t *testing.T) {
	cfg := config.Defaults()
	cfg.MapBackend = config.BackendRedis
	cfg.MetricsEnabled = true

	if output := joined(cfg); strings.Contains(output, "WARNING") {
		t.Error("did not expect any warnings, got:", output)
	}
}

func TestConfigWarnings_SweepDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.SweepEnabled = false
	cfg.SweepMode = config.SweepModeLeader
	output := joined(cfg)

	if !strings.Contains(output, "WARNING [P0]: SWEEP_ENABLED=false") {
		t.Error("expected sweep disabled P0 warning, got:", output)
	}
	if strings.Contains(output, "SWEEP_MODE=leader") {
		t.Error("did not expect leader INFO when sweeping is off, got:", output)
	}
}

func TestConfigWarnings_TightHeartbeat(t *testing.T) {
	cfg := config.Defaults()
	cfg.MembershipTTL = 10 * time.Second
	cfg.HeartbeatInterval = 6 * time.Second

	if output := joined(cfg); !strings.Contains(output, "WARNING [P1]: HEARTBEAT_INTERVAL=6s") {
		t.Error("expected heartbeat P1 warning, got:", output)
	}
}

func TestConfigWarnings_StaleThresholdUnderTwoTicks(t *testing.T) {
	cfg := config.Defaults()
	cfg.TickInterval = time.Second
	cfg.SweepStaleThreshold = 1500 * time.Millisecond

	if output := joined(cfg); !strings.Contains(output, "SWEEP_STALE_THRESHOLD=1.5s") {
		t.Error("expected stale threshold P1 warning, got:", output)
	}
}

func TestConfigWarnings_Info(t *testing.T) {
	cfg := config.Defaults()
	cfg.OverlapStaleness = 500 * time.Millisecond
	cfg.SweepMode = config.SweepModeLeader
	output := joined(cfg)

	if !strings.Contains(output, "INFO: OVERLAP_STALENESS=500ms") {
		t.Error("expected overlap staleness INFO, got:", output)
	}
	if !strings.Contains(output, "INFO: SWEEP_MODE=leader") {
		t.Error("expected leader sweep INFO, got:", output)
	}
}
