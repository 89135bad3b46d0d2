// Package config reads the node configuration from environment variables
// and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
)

// Backends for MAP_BACKEND and MEMBERSHIP_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd" // membership only
)

// Sweep modes for SWEEP_MODE.
const (
	SweepModeAll    = "all"
	SweepModeLeader = "leader"
)

// Config holds all configuration of a clustercron node.
// Values are loaded from environment variables; see Keys for the full list.
type Config struct {
	NodeID string `json:"node_id,omitempty"`

	MapBackend        string   `json:"map_backend"`
	MembershipBackend string   `json:"membership_backend"`
	DatabaseURL       string   `json:"database_url,omitempty"`
	RedisAddr         string   `json:"redis_addr,omitempty"`
	RedisPrefix       string   `json:"redis_prefix"`
	EtcdEndpoints     []string `json:"etcd_endpoints,omitempty"`
	EtcdPrefix        string   `json:"etcd_prefix"`

	HTTPAddr string `json:"http_addr"`
	JobsFile string `json:"jobs_file,omitempty"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	MapOpTimeout    time.Duration `json:"-"`
	MapOpTimeoutStr string        `json:"map_op_timeout"`

	AcquireBatchSize int `json:"acquire_batch_size"`
	AcquireWorkers   int `json:"acquire_workers"`
	RetryBudget      int `json:"retry_budget"`

	// MisfireThreshold: 0 disables misfire handling.
	MisfireThreshold    time.Duration `json:"-"`
	MisfireThresholdStr string        `json:"misfire_threshold"`

	MembershipTTL        time.Duration `json:"-"`
	MembershipTTLStr     string        `json:"membership_ttl"`
	HeartbeatInterval    time.Duration `json:"-"`
	HeartbeatIntervalStr string        `json:"heartbeat_interval"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepMode        string        `json:"sweep_mode"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`
	// SweepStaleThreshold: 0 disables reclaiming long-ACQUIRED records of live members.
	SweepStaleThreshold    time.Duration `json:"-"`
	SweepStaleThresholdStr string        `json:"sweep_stale_threshold"`

	// OverlapStaleness: 0 queries siblings on every decision.
	OverlapStaleness    time.Duration `json:"-"`
	OverlapStalenessStr string        `json:"overlap_staleness"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	ExecuteTimeout            time.Duration `json:"-"`
	ExecuteTimeoutStr         string        `json:"execute_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`
	EventBusBufferSize        int           `json:"eventbus_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all nodes sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Keys lists every environment variable with its default.
var Keys = map[string]any{
	"NODE_ID":                   "",
	"MAP_BACKEND":               BackendMemory,
	"MEMBERSHIP_BACKEND":        "",
	"DATABASE_URL":              "",
	"REDIS_ADDR":                "",
	"REDIS_PREFIX":              "clustercron",
	"ETCD_ENDPOINTS":            "",
	"ETCD_PREFIX":               "clustercron/members/",
	"HTTP_ADDR":                 "",
	"PORT":                      "",
	"JOBS_FILE":                 "",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
	"TICK_INTERVAL":             "1s",
	"MAP_OP_TIMEOUT":            "2s",
	"ACQUIRE_BATCH_SIZE":        100,
	"ACQUIRE_WORKERS":           8,
	"RETRY_BUDGET":              5,
	"MISFIRE_THRESHOLD":         "1m",
	"MEMBERSHIP_TTL":            "15s",
	"HEARTBEAT_INTERVAL":        "5s",
	"SWEEP_ENABLED":             true,
	"SWEEP_MODE":                SweepModeAll,
	"SWEEP_INTERVAL":            "10s",
	"SWEEP_STALE_THRESHOLD":     "0s",
	"OVERLAP_STALENESS":         "0s",
	"DB_MAX_OPEN_CONNS":         25,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "5m",
	"HTTP_SHUTDOWN_TIMEOUT":     "10s",
	"EXECUTE_TIMEOUT":           "1m",
	"DISPATCHER_DRAIN_TIMEOUT":  "30s",
	"DISPATCHER_WORKERS":        4,
	"EVENTBUS_BUFFER_SIZE":      100,
	"METRICS_ENABLED":           false,
	"METRICS_PATH":              "/metrics",
	"CIRCUIT_BREAKER_THRESHOLD": 5,
	"CIRCUIT_BREAKER_COOLDOWN":  "2m",
	"LEADER_LOCK_KEY":           728379,
	"LEADER_RETRY_INTERVAL":     "5s",
	"LEADER_HEARTBEAT_INTERVAL": "2s",
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return FromViper(newViper())
}

// Defaults returns the configuration with every key at its default,
// ignoring the environment.
func Defaults() Config {
	return FromViper(withDefaults())
}

// LoadFile reads a YAML, JSON or TOML file whose keys are the environment
// variable names. Environment variables take precedence over the file.
func LoadFile(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return FromViper(v), nil
}

func newViper() *viper.Viper {
	v := withDefaults()
	v.AutomaticEnv()
	return v
}

func withDefaults() *viper.Viper {
	v := viper.New()
	for key, def := range Keys {
		v.SetDefault(key, def)
	}
	return v
}

// FromViper builds a Config from v. Durations that fail to parse stay zero;
// Validate reports them.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		NodeID:            strings.TrimSpace(v.GetString("NODE_ID")),
		MapBackend:        strings.ToLower(v.GetString("MAP_BACKEND")),
		MembershipBackend: strings.ToLower(v.GetString("MEMBERSHIP_BACKEND")),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPrefix:       v.GetString("REDIS_PREFIX"),
		EtcdEndpoints:     splitList(v.GetString("ETCD_ENDPOINTS")),
		EtcdPrefix:        v.GetString("ETCD_PREFIX"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		JobsFile:          v.GetString("JOBS_FILE"),
		LogLevel:          strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:         strings.ToLower(v.GetString("LOG_FORMAT")),

		AcquireBatchSize: positiveInt(v, "ACQUIRE_BATCH_SIZE"),
		AcquireWorkers:   positiveInt(v, "ACQUIRE_WORKERS"),
		RetryBudget:      positiveInt(v, "RETRY_BUDGET"),

		SweepEnabled: v.GetBool("SWEEP_ENABLED"),
		SweepMode:    strings.ToLower(v.GetString("SWEEP_MODE")),

		DBMaxOpenConns:     positiveInt(v, "DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:     positiveInt(v, "DB_MAX_IDLE_CONNS"),
		DispatcherWorkers:  positiveInt(v, "DISPATCHER_WORKERS"),
		EventBusBufferSize: positiveInt(v, "EVENTBUS_BUFFER_SIZE"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		MetricsPath:    v.GetString("METRICS_PATH"),

		CircuitBreakerThreshold: v.GetInt("CIRCUIT_BREAKER_THRESHOLD"),
		LeaderLockKey:           v.GetInt64("LEADER_LOCK_KEY"),
	}

	// Membership follows the map unless set.
	if cfg.MembershipBackend == "" {
		cfg.MembershipBackend = cfg.MapBackend
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	for _, d := range cfg.durations() {
		*d.raw = strings.TrimSpace(v.GetString(d.key))
		if parsed, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = parsed
		}
	}
	return cfg
}

type durationSetting struct {
	key string
	raw *string
	dst *time.Duration
	// zeroOK allows "0s" to disable the feature.
	zeroOK bool
}

func (c *Config) durations() []durationSetting {
	return []durationSetting{
		{key: "TICK_INTERVAL", raw: &c.TickIntervalStr, dst: &c.TickInterval},
		{key: "MAP_OP_TIMEOUT", raw: &c.MapOpTimeoutStr, dst: &c.MapOpTimeout},
		{key: "MISFIRE_THRESHOLD", raw: &c.MisfireThresholdStr, dst: &c.MisfireThreshold, zeroOK: true},
		{key: "MEMBERSHIP_TTL", raw: &c.MembershipTTLStr, dst: &c.MembershipTTL},
		{key: "HEARTBEAT_INTERVAL", raw: &c.HeartbeatIntervalStr, dst: &c.HeartbeatInterval},
		{key: "SWEEP_INTERVAL", raw: &c.SweepIntervalStr, dst: &c.SweepInterval},
		{key: "SWEEP_STALE_THRESHOLD", raw: &c.SweepStaleThresholdStr, dst: &c.SweepStaleThreshold, zeroOK: true},
		{key: "OVERLAP_STALENESS", raw: &c.OverlapStalenessStr, dst: &c.OverlapStaleness, zeroOK: true},
		{key: "DB_CONN_MAX_LIFETIME", raw: &c.DBConnMaxLifetimeStr, dst: &c.DBConnMaxLifetime},
		{key: "DB_CONN_MAX_IDLE_TIME", raw: &c.DBConnMaxIdleTimeStr, dst: &c.DBConnMaxIdleTime},
		{key: "HTTP_SHUTDOWN_TIMEOUT", raw: &c.HTTPShutdownTimeoutStr, dst: &c.HTTPShutdownTimeout},
		{key: "EXECUTE_TIMEOUT", raw: &c.ExecuteTimeoutStr, dst: &c.ExecuteTimeout},
		{key: "DISPATCHER_DRAIN_TIMEOUT", raw: &c.DispatcherDrainTimeoutStr, dst: &c.DispatcherDrainTimeout},
		{key: "CIRCUIT_BREAKER_COOLDOWN", raw: &c.CircuitBreakerCooldownStr, dst: &c.CircuitBreakerCooldown},
		{key: "LEADER_RETRY_INTERVAL", raw: &c.LeaderRetryIntervalStr, dst: &c.LeaderRetryInterval},
		{key: "LEADER_HEARTBEAT_INTERVAL", raw: &c.LeaderHeartbeatIntervalStr, dst: &c.LeaderHeartbeatInterval},
	}
}

// positiveInt falls back to the default when the value is not a positive integer.
func positiveInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return Keys[key].(int)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
