package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.MapBackend != BackendMemory {
		t.Errorf("MapBackend: expected memory, got %q", cfg.MapBackend)
	}
	if cfg.MembershipBackend != BackendMemory {
		t.Errorf("MembershipBackend: expected to follow MapBackend, got %q", cfg.MembershipBackend)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.TickInterval != time.Second {
		t.Errorf("TickInterval: expected 1s, got %v", cfg.TickInterval)
	}
	if cfg.MembershipTTL != 15*time.Second || cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("membership: expected 15s/5s, got %v/%v", cfg.MembershipTTL, cfg.HeartbeatInterval)
	}
	if cfg.MisfireThreshold != time.Minute {
		t.Errorf("MisfireThreshold: expected 1m, got %v", cfg.MisfireThreshold)
	}
	if cfg.OverlapStaleness != 0 {
		t.Errorf("OverlapStaleness: expected 0, got %v", cfg.OverlapStaleness)
	}
	if !cfg.SweepEnabled || cfg.SweepMode != SweepModeAll {
		t.Errorf("sweep: expected enabled in mode all, got %v %q", cfg.SweepEnabled, cfg.SweepMode)
	}
	if cfg.AcquireBatchSize != 100 || cfg.AcquireWorkers != 8 {
		t.Errorf("acquire: expected 100/8, got %d/%d", cfg.AcquireBatchSize, cfg.AcquireWorkers)
	}
	if cfg.DBMaxOpenConns != 25 || cfg.DBMaxIdleConns != 5 {
		t.Errorf("db pool: expected 25/5, got %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime != 30*time.Minute {
		t.Errorf("DBConnMaxLifetime: expected 30m, got %v", cfg.DBConnMaxLifetime)
	}
	if cfg.HTTPShutdownTimeout != 10*time.Second {
		t.Errorf("HTTPShutdownTimeout: expected 10s, got %v", cfg.HTTPShutdownTimeout)
	}
	if cfg.DispatcherDrainTimeout != 30*time.Second {
		t.Errorf("DispatcherDrainTimeout: expected 30s, got %v", cfg.DispatcherDrainTimeout)
	}
	if cfg.EventBusBufferSize != 100 {
		t.Errorf("EventBusBufferSize: expected 100, got %d", cfg.EventBusBufferSize)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("NODE_ID", " node-a ")
	t.Setenv("MAP_BACKEND", "Redis")
	t.Setenv("MEMBERSHIP_BACKEND", "etcd")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379, etcd-2:2379,")
	t.Setenv("MEMBERSHIP_TTL", "30s")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("OVERLAP_STALENESS", "500ms")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("ACQUIRE_WORKERS", "2")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "10m")

	cfg := Load()

	if cfg.NodeID != "node-a" {
		t.Errorf("NodeID: expected node-a, got %q", cfg.NodeID)
	}
	if cfg.MapBackend != BackendRedis || cfg.MembershipBackend != BackendEtcd {
		t.Errorf("backends: expected redis/etcd, got %q/%q", cfg.MapBackend, cfg.MembershipBackend)
	}
	if len(cfg.EtcdEndpoints) != 2 || cfg.EtcdEndpoints[1] != "etcd-2:2379" {
		t.Errorf("EtcdEndpoints: got %v", cfg.EtcdEndpoints)
	}
	if cfg.MembershipTTL != 30*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("membership: expected 30s/10s, got %v/%v", cfg.MembershipTTL, cfg.HeartbeatInterval)
	}
	if cfg.OverlapStaleness != 500*time.Millisecond {
		t.Errorf("OverlapStaleness: expected 500ms, got %v", cfg.OverlapStaleness)
	}
	if cfg.SweepEnabled {
		t.Error("SweepEnabled: expected false")
	}
	if cfg.AcquireWorkers != 2 {
		t.Errorf("AcquireWorkers: expected 2, got %d", cfg.AcquireWorkers)
	}
	if cfg.DBConnMaxIdleTime != 10*time.Minute {
		t.Errorf("DBConnMaxIdleTime: expected 10m, got %v", cfg.DBConnMaxIdleTime)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("config should validate, got: %v", err)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg := Load()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr: expected :9090, got %q", cfg.HTTPAddr)
	}
}

func TestLoad_InvalidDurationReportedByValidate(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg := Load()

	if cfg.SweepInterval != 0 {
		t.Errorf("SweepInterval: expected zero for unparseable value, got %v", cfg.SweepInterval)
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "SWEEP_INTERVAL") {
		t.Errorf("expected SWEEP_INTERVAL error, got %v", err)
	}
}

func TestLoad_EventBusBufferSizeInvalidFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-1"},
		{"zero", "0"},
		{"non-numeric", "abc"},
		{"float", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EVENTBUS_BUFFER_SIZE", tt.value)

			cfg := Load()

			if cfg.EventBusBufferSize != 100 {
				t.Errorf("EventBusBufferSize: expected fallback to 100 for %q, got %d", tt.value, cfg.EventBusBufferSize)
			}
		})
	}
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clustercron.yaml")
	content := "MAP_BACKEND: postgres\nDATABASE_URL: postgres://db/clustercron\nACQUIRE_BATCH_SIZE: 20\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACQUIRE_BATCH_SIZE", "40")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.MapBackend != BackendPostgres {
		t.Errorf("MapBackend: expected postgres, got %q", cfg.MapBackend)
	}
	if cfg.DatabaseURL != "postgres://db/clustercron" {
		t.Errorf("DatabaseURL: got %q", cfg.DatabaseURL)
	}
	if cfg.AcquireBatchSize != 40 {
		t.Errorf("AcquireBatchSize: expected env value 40, got %d", cfg.AcquireBatchSize)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestMaskedJSON(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = "postgres://user:hunter2@db/clustercron"

	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hunter2") {
		t.Error("MaskedJSON leaked the database password")
	}
	if !strings.Contains(out, `"postgres://***"`) {
		t.Errorf("MaskedJSON should keep the scheme: %s", out)
	}
	for _, field := range []string{`"membership_ttl"`, `"overlap_staleness"`, `"http_shutdown_timeout"`, `"eventbus_buffer_size"`, `"db_max_open_conns"`} {
		if !strings.Contains(out, field) {
			t.Errorf("MaskedJSON missing %s field", field)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"postgres://u:p@h/db", "postgres://***"},
		{"postgresql://u:p@h/db", "postgresql://***"},
		{"plain", "***"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaults_IgnoresEnvironment(t *testing.T) {
	t.Setenv("MAP_BACKEND", "redis")

	cfg := Defaults()

	if cfg.MapBackend != BackendMemory {
		t.Errorf("MapBackend: expected memory, got %q", cfg.MapBackend)
	}
}
