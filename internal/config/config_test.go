package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/cmc-crawler/internal/extract"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
crawler:
  start_urls: ["https://coinmarketcap.com/?page=2"]
  min_concurrency: 2
  max_concurrency: 8
  max_retries: 3
  per_item_timeout: 15s
  user_agent: real-agent
  respect_robots: true
  backoff:
    kind: exponential
    base: 100ms
    max: 2s
extract:
  title_selector: "h1"
  columns:
    - name: name
      selector: "td:nth-child(3)"
rate_limit:
  rps: 2.5
  burst: 2
autoscale:
  enabled: true
  max_cpu_percent: 80
sink:
  kinds: [dataset, jsonl]
  jsonl_path: out.jsonl
  dataset:
    base_dir: data
    name: coins
run_store:
  kind: redis
  redis:
    addr: redis:6379
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	sched := cfg.Scheduler()
	if sched.MinConcurrency != 2 || sched.MaxConcurrency != 8 || sched.MaxRetries != 3 {
		t.Fatalf("expected scheduler overrides to apply: %+v", sched)
	}
	if sched.PerItemTimeout != 15*time.Second {
		t.Fatalf("expected per item timeout 15s, got %v", sched.PerItemTimeout)
	}
	if cfg.Crawler.Backoff.Kind != BackoffExponential || cfg.Crawler.Backoff.Base != 100*time.Millisecond {
		t.Fatalf("expected backoff overrides: %+v", cfg.Crawler.Backoff)
	}
	if len(cfg.Extract.Columns) != 1 || cfg.Extract.Columns[0].Name != "name" {
		t.Fatalf("expected custom columns: %+v", cfg.Extract.Columns)
	}
	if cfg.RateLimit.DefaultRPS != 2.5 || cfg.RateLimit.DefaultBurst != 2 {
		t.Fatalf("expected rate limit overrides: %+v", cfg.RateLimit)
	}
	if cfg.Autoscale.MaxCPUPercent != 80 || cfg.Autoscale.MaxMemoryPercent != 70 {
		t.Fatalf("expected squashed autoscale config: %+v", cfg.Autoscale)
	}
	if !cfg.HasSink(SinkJSONL) || !cfg.HasSink(SinkDataset) || cfg.HasSink(SinkKafka) {
		t.Fatalf("unexpected sink kinds: %v", cfg.Sink.Kinds)
	}
	if cfg.Sink.Dataset.Name != "coins" {
		t.Fatalf("expected dataset name coins, got %q", cfg.Sink.Dataset.Name)
	}
	if cfg.RunStore.Kind != RunStoreRedis || cfg.RunStore.Redis.Addr != "redis:6379" {
		t.Fatalf("expected redis run store: %+v", cfg.RunStore)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "server:\n  port: 0\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Crawler.StartURLs; len(got) != 1 || got[0] != DefaultStartURL {
		t.Fatalf("expected default start url, got %v", got)
	}
	sched := cfg.Scheduler()
	if sched.MinConcurrency != 1 || sched.MaxConcurrency != 20 || sched.MaxRetries != 1 {
		t.Fatalf("unexpected scheduler defaults: %+v", sched)
	}
	if sched.PerItemTimeout != 60*time.Second {
		t.Fatalf("expected 60s per item timeout, got %v", sched.PerItemTimeout)
	}
	if len(cfg.Extract.Columns) != len(extract.DefaultColumns()) {
		t.Fatalf("expected default columns, got %d", len(cfg.Extract.Columns))
	}
	if !cfg.HasSink(SinkDataset) || cfg.Sink.Dataset.Name != "default" {
		t.Fatalf("expected default dataset sink: %+v", cfg.Sink)
	}
	if cfg.RunStore.Kind != RunStoreNone {
		t.Fatalf("expected no run store by default, got %q", cfg.RunStore.Kind)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected warn log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_MAX_CONCURRENCY", "4")
	t.Setenv("CRAWLER_LOGGING_LEVEL", "error")

	cfg, err := Load(writeConfig(t, "crawler:\n  max_concurrency: 10\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxConcurrency != 4 {
		t.Fatalf("expected env to win, got %d", cfg.Crawler.MaxConcurrency)
	}
	if cfg.Logging.Level != "error" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		yaml string
		want string
	}{
		"bounds": {
			yaml: "crawler:\n  min_concurrency: 5\n  max_concurrency: 2\n",
			want: "crawler.max_concurrency",
		},
		"negative retries": {
			yaml: "crawler:\n  max_retries: -1\n",
			want: "crawler.max_retries",
		},
		"bad url": {
			yaml: "crawler:\n  start_urls: [\"ftp://example.com\"]\n",
			want: "crawler.start_urls",
		},
		"backoff kind": {
			yaml: "crawler:\n  backoff:\n    kind: linear\n",
			want: "crawler.backoff.kind",
		},
		"unknown sink": {
			yaml: "sink:\n  kinds: [s3]\n",
			want: "sink.kinds",
		},
		"gcs without bucket": {
			yaml: "sink:\n  kinds: [gcs]\n",
			want: "sink.gcs.bucket",
		},
		"kafka without brokers": {
			yaml: "sink:\n  kinds: [kafka]\n",
			want: "sink.kafka.brokers",
		},
		"postgres run store without dsn": {
			yaml: "run_store:\n  kind: postgres\n",
			want: "run_store.postgres.dsn",
		},
		"autoscale ratio": {
			yaml: "autoscale:\n  scale_up_ratio: 2\n",
			want: "autoscale.scale_up_ratio",
		},
		"port": {
			yaml: "server:\n  port: 70000\n",
			want: "server.port",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}
