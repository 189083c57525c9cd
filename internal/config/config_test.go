package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.SuppressionTTL != 60*time.Second {
		t.Errorf("sync.suppression_ttl = %v, want 60s", cfg.Sync.SuppressionTTL)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Queue.Backend != QueueInline || cfg.Cache.Backend != CacheMemory {
		t.Errorf("backends = %q, %q", cfg.Queue.Backend, cfg.Cache.Backend)
	}
	if cfg.Sync.InternalLabel != "gitlab" || cfg.Sync.ExternalLabel != "plane" {
		t.Errorf("labels = %q, %q", cfg.Sync.InternalLabel, cfg.Sync.ExternalLabel)
	}
	if cfg.Import.Checkpoints != CheckpointsDatabase {
		t.Errorf("import.checkpoints = %q", cfg.Import.Checkpoints)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "trackbridge.yaml", `
server:
  addr: ":9090"
sync:
  suppression_ttl: 90s
  app_base_url: https://app.example.com
queue:
  backend: nats
  consumers: 8
`)
	t.Setenv("TRACKBRIDGE_SYNC_SUPPRESSION_TTL", "2m")
	t.Setenv("TRACKBRIDGE_CACHE_BACKEND", "redis")
	t.Setenv("TRACKBRIDGE_CACHE_REDIS_URL", "redis://localhost:6379/0")

	cfg, v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.ConfigFileUsed() != path {
		t.Errorf("config file = %q, want %q", v.ConfigFileUsed(), path)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Sync.SuppressionTTL != 2*time.Minute {
		t.Errorf("env override lost: suppression_ttl = %v", cfg.Sync.SuppressionTTL)
	}
	if cfg.Sync.AppBaseURL != "https://app.example.com" {
		t.Errorf("sync.app_base_url = %q", cfg.Sync.AppBaseURL)
	}
	if cfg.Queue.Backend != QueueNATS || cfg.Queue.Consumers != 8 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Cache.Backend != CacheRedis || cfg.Cache.RedisURL == "" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "trackbridge.toml", `
[database]
dialect = "postgres"
dsn = "postgres://localhost/trackbridge"

[worker]
poll_interval = "30s"
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Dialect != "postgres" {
		t.Errorf("database.dialect = %q", cfg.Database.Dialect)
	}
	if cfg.Worker.PollInterval != 30*time.Second {
		t.Errorf("worker.poll_interval = %v", cfg.Worker.PollInterval)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestBindFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("addr", ":8080", "")
	if err := fs.Parse([]string{"--addr", ":7070"}); err != nil {
		t.Fatal(err)
	}

	v := New("")
	BindFlag(v, "server.addr", fs.Lookup("addr"))
	BindFlag(v, "server.missing", fs.Lookup("missing"))
	cfg, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want flag value :7070", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown cache", map[string]string{"TRACKBRIDGE_CACHE_BACKEND": "memcached"}, "cache.backend"},
		{"redis without url", map[string]string{"TRACKBRIDGE_CACHE_BACKEND": "redis"}, "cache.redis_url"},
		{"unknown queue", map[string]string{"TRACKBRIDGE_QUEUE_BACKEND": "kafka"}, "queue.backend"},
		{"unknown dialect", map[string]string{"TRACKBRIDGE_DATABASE_DIALECT": "oracle"}, "database.dialect"},
		{"negative ttl", map[string]string{"TRACKBRIDGE_SYNC_SUPPRESSION_TTL": "-1s"}, "suppression_ttl"},
		{"unknown checkpoints", map[string]string{"TRACKBRIDGE_IMPORT_CHECKPOINTS": "s3"}, "import.checkpoints"},
		{"sample ratio", map[string]string{"TRACKBRIDGE_TELEMETRY_SAMPLE_RATIO": "1.5"}, "sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, _, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"chatty", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := (LogConfig{Level: tt.in}).SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWatch_ReloadsTTL(t *testing.T) {
	path := writeFile(t, "trackbridge.yaml", "sync:\n  suppression_ttl: 60s\n")
	_, v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := make(chan time.Duration, 4)
	Watch(v, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
		got <- cfg.Sync.SuppressionTTL
	})

	if err := os.WriteFile(path, []byte("sync:\n  suppression_ttl: 5m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ttl := <-got:
			if ttl == 5*time.Minute {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
