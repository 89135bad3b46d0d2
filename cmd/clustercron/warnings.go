package main

import (
	"fmt"

	"github.com/djlord-it/clustercron/internal/config"
)

// configWarnings lists valid but risky settings, most severe first.
func configWarnings(cfg config.Config) []string {
	var out []string

	if !cfg.SweepEnabled {
		out = append(out, "WARNING [P0]: SWEEP_ENABLED=false - triggers held by crashed nodes are never reclaimed")
	}
	if cfg.MapBackend == config.BackendMemory || cfg.MapBackend == "" {
		out = append(out, "WARNING [P0]: MAP_BACKEND=memory - triggers are not shared with other nodes and are lost on restart")
	}
	if cfg.MembershipTTL > 0 && cfg.HeartbeatInterval > 0 && cfg.HeartbeatInterval*2 > cfg.MembershipTTL {
		out = append(out, fmt.Sprintf(
			"WARNING [P1]: HEARTBEAT_INTERVAL=%s leaves room for a single missed renewal within MEMBERSHIP_TTL=%s",
			cfg.HeartbeatInterval, cfg.MembershipTTL))
	}
	if cfg.SweepEnabled && cfg.SweepStaleThreshold > 0 && cfg.SweepStaleThreshold < 2*cfg.TickInterval {
		out = append(out, fmt.Sprintf(
			"WARNING [P1]: SWEEP_STALE_THRESHOLD=%s is under two ticks; live nodes may lose triggers mid-acquisition",
			cfg.SweepStaleThreshold))
	}
	if !cfg.MetricsEnabled {
		out = append(out, "WARNING [P2]: METRICS_ENABLED=false - acquisition and sweep health is not exported")
	}
	if cfg.OverlapStaleness > 0 {
		out = append(out, fmt.Sprintf(
			"INFO: OVERLAP_STALENESS=%s - overlap decisions may use sibling states up to this old", cfg.OverlapStaleness))
	}
	if cfg.SweepEnabled && cfg.SweepMode == config.SweepModeLeader {
		out = append(out, "INFO: SWEEP_MODE=leader - only the node holding the advisory lock sweeps")
	}
	return out
}
