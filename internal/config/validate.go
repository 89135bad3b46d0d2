package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	mapBackend := cfg.MapBackend
	if mapBackend == "" {
		mapBackend = BackendMemory
	}
	membershipBackend := cfg.MembershipBackend
	if membershipBackend == "" {
		membershipBackend = mapBackend
	}

	switch mapBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		add("MAP_BACKEND", "must be 'memory', 'redis' or 'postgres', got %q", cfg.MapBackend)
	}
	switch membershipBackend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendEtcd:
	default:
		add("MEMBERSHIP_BACKEND", "must be 'memory', 'redis', 'postgres' or 'etcd', got %q", cfg.MembershipBackend)
	}
	// An in-process map cannot be shared with members held elsewhere.
	if mapBackend == BackendMemory && membershipBackend != BackendMemory {
		add("MEMBERSHIP_BACKEND", "must be 'memory' when MAP_BACKEND is 'memory'")
	}

	needs := func(backend string) bool { return mapBackend == backend || membershipBackend == backend }
	if cfg.DatabaseURL == "" && (needs(BackendPostgres) || cfg.SweepMode == SweepModeLeader) {
		add("DATABASE_URL", "required")
	}
	if cfg.RedisAddr == "" && needs(BackendRedis) {
		add("REDIS_ADDR", "required")
	}
	if len(cfg.EtcdEndpoints) == 0 && needs(BackendEtcd) {
		add("ETCD_ENDPOINTS", "required")
	}

	if cfg.SweepMode != "" && cfg.SweepMode != SweepModeAll && cfg.SweepMode != SweepModeLeader {
		add("SWEEP_MODE", "must be 'all' or 'leader', got %q", cfg.SweepMode)
	}
	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	parsed := make(map[string]time.Duration)
	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		switch {
		case err != nil:
			add(d.key, "invalid duration: %v", err)
		case v < 0 || (v == 0 && !d.zeroOK):
			add(d.key, "must be positive")
		default:
			parsed[d.key] = v
		}
	}

	ttl, okTTL := parsed["MEMBERSHIP_TTL"]
	hb, okHB := parsed["HEARTBEAT_INTERVAL"]
	if okTTL && okHB && hb >= ttl {
		add("HEARTBEAT_INTERVAL", "must be shorter than MEMBERSHIP_TTL (%s)", ttl)
	}

	for field, n := range map[string]int{
		"ACQUIRE_BATCH_SIZE":   cfg.AcquireBatchSize,
		"ACQUIRE_WORKERS":      cfg.AcquireWorkers,
		"DISPATCHER_WORKERS":   cfg.DispatcherWorkers,
		"EVENTBUS_BUFFER_SIZE": cfg.EventBusBufferSize,
		"RETRY_BUDGET":         cfg.RetryBudget,
	} {
		if n < 0 {
			add(field, "must not be negative")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
