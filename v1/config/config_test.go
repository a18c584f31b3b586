package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func noSearch(t *testing.T) {
	t.Helper()
	old := SearchPaths
	SearchPaths = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	t.Cleanup(func() { SearchPaths = old })
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kustodio.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	d := Default()
	if d.Storage.Memory.BitmapSize != 6000 || d.Storage.Memory.ItemsCount != 6000 {
		t.Fatalf("unexpected storage defaults %+v", d.Storage.Memory)
	}
	if d.Cluster.Dedup.Size != 0 {
		t.Fatal("dedup must be off by default")
	}
}

func TestLoadDefaults(t *testing.T) {
	noSearch(t)
	cfg, file, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if file != "" {
		t.Fatalf("unexpected file %q", file)
	}
	d := Default()
	if cfg.API != d.API || cfg.Cluster.Heartbeat != d.Cluster.Heartbeat || cfg.Cluster.Transport != d.Cluster.Transport {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	noSearch(t)
	p := writeFile(t, `
cluster:
  transport: nats
  heartbeat: 2s
  peers: [10.0.0.2:7946, 10.0.0.3:7946]
  nats:
    url: nats://nats:4222
api:
  address: 0.0.0.0:9000
  watch-capacity: 8
  watch-max-backlog: 16
storage:
  memory:
    bitmap-size: 128
log:
  level: debug
  format: json
`)
	cfg, file, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if file != p {
		t.Fatalf("expected file %s got %s", p, file)
	}
	if cfg.Cluster.Transport != TransportNATS || cfg.Cluster.Heartbeat != 2*time.Second {
		t.Fatalf("unexpected cluster %+v", cfg.Cluster)
	}
	if len(cfg.Cluster.Peers) != 2 || cfg.Cluster.Peers[1] != "10.0.0.3:7946" {
		t.Fatalf("unexpected peers %v", cfg.Cluster.Peers)
	}
	if cfg.Cluster.NATS.URL != "nats://nats:4222" || cfg.Cluster.NATS.Subject != "kustodio.swarm" {
		t.Fatalf("unexpected nats %+v", cfg.Cluster.NATS)
	}
	if cfg.API.Address != "0.0.0.0:9000" || cfg.API.WatchCapacity != 8 || cfg.API.WatchMaxBacklog != 16 {
		t.Fatalf("unexpected api %+v", cfg.API)
	}
	if cfg.Storage.Memory.BitmapSize != 128 || cfg.Storage.Memory.ItemsCount != 6000 {
		t.Fatalf("unexpected storage %+v", cfg.Storage.Memory)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log %+v", cfg.Log)
	}
}

func TestLoadSearchPaths(t *testing.T) {
	p := writeFile(t, "api:\n  address: 127.0.0.1:9999\n")
	old := SearchPaths
	SearchPaths = []string{filepath.Join(t.TempDir(), "none.yaml"), p}
	t.Cleanup(func() { SearchPaths = old })

	cfg, file, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if file != p || cfg.API.Address != "127.0.0.1:9999" {
		t.Fatalf("search path not used: %s %+v", file, cfg.API)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	noSearch(t)
	p := writeFile(t, "api:\n  address: 127.0.0.1:9000\n")
	t.Setenv("KUSTODIO_API_ADDRESS", "127.0.0.1:9100")
	t.Setenv("KUSTODIO_API_WATCH_CAPACITY", "3")
	t.Setenv("KUSTODIO_CLUSTER_DEDUP_SIZE", "1000")
	t.Setenv("KUSTODIO_CLUSTER_MULTICAST", "false")

	cfg, _, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Address != "127.0.0.1:9100" || cfg.API.WatchCapacity != 3 {
		t.Fatalf("env not applied: %+v", cfg.API)
	}
	if cfg.Cluster.Dedup.Size != 1000 || cfg.Cluster.Multicast {
		t.Fatalf("env not applied: %+v", cfg.Cluster)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	noSearch(t)
	t.Setenv("KUSTODIO_CLUSTER_TRANSPORT", "redis")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("transport", "mesh", "")
	fs.String("listen", "127.0.0.1:8080", "")
	if err := fs.Parse([]string{"--transport", "memory"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, _, err := Load("",
		FlagBinding{Key: "cluster.transport", Flag: fs.Lookup("transport")},
		FlagBinding{Key: "api.address", Flag: fs.Lookup("listen")},
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cluster.Transport != TransportMemory {
		t.Fatalf("expected flag to win, got %q", cfg.Cluster.Transport)
	}
	if cfg.API.Address != Default().API.Address {
		t.Fatalf("unchanged flag must not override, got %q", cfg.API.Address)
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"transport":    func(c *Config) { c.Cluster.Transport = "carrier-pigeon" },
		"heartbeat":    func(c *Config) { c.Cluster.Heartbeat = 0 },
		"mesh address": func(c *Config) { c.Cluster.Address = "nope" },
		"nats url":     func(c *Config) { c.Cluster.Transport = TransportNATS; c.Cluster.NATS.URL = "" },
		"redis addr":   func(c *Config) { c.Cluster.Transport = TransportRedis; c.Cluster.Redis.Addr = "" },
		"kafka":        func(c *Config) { c.Cluster.Transport = TransportKafka; c.Cluster.Kafka.Brokers = nil },
		"breaker":      func(c *Config) { c.Cluster.Breaker.Timeout = 0 },
		"dedup":        func(c *Config) { c.Cluster.Dedup.Size = -1 },
		"api address":  func(c *Config) { c.API.Address = "" },
		"capacity":     func(c *Config) { c.API.WatchCapacity = -1 },
		"backlog":      func(c *Config) { c.API.WatchMaxBacklog = -1 },
		"bitmap":       func(c *Config) { c.Storage.Memory.BitmapSize = 0 },
		"log level":    func(c *Config) { c.Log.Level = "loud" },
		"log format":   func(c *Config) { c.Log.Format = "xml" },
	} {
		c := Default()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid got %v", name, err)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	noSearch(t)
	want := Default()
	want.Cluster.Transport = TransportRedis
	want.Cluster.Heartbeat = 750 * time.Millisecond
	want.Cluster.Kafka.Brokers = []string{"k1:9092", "k2:9092"}
	out, err := want.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	got, _, err := Load(writeFile(t, string(out)))
	if err != nil {
		t.Fatalf("load: %v\n%s", err, out)
	}
	if got.Cluster.Transport != want.Cluster.Transport || got.Cluster.Heartbeat != want.Cluster.Heartbeat {
		t.Fatalf("cluster mismatch: %+v", got.Cluster)
	}
	if len(got.Cluster.Kafka.Brokers) != 2 || got.Cluster.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers mismatch: %v", got.Cluster.Kafka.Brokers)
	}
	if got.API != want.API || got.Log != want.Log || got.Storage != want.Storage {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
