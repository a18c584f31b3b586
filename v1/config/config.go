// Package config holds the node configuration and loads it from a file,
// the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-kustodio/v1/storage"
)

// Transports understood by cluster.transport.
const (
	TransportMemory = "memory"
	TransportMesh   = "mesh"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
)

// Config is the full configuration of a node.
type Config struct {
	Cluster Cluster       `mapstructure:"cluster" yaml:"cluster"`
	API     API           `mapstructure:"api" yaml:"api"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     Log           `mapstructure:"log" yaml:"log"`
	Metrics Toggle        `mapstructure:"metrics" yaml:"metrics"`
	Trace   Toggle        `mapstructure:"trace" yaml:"trace"`
}

// Cluster configures membership and dissemination.
type Cluster struct {
	// Address is the UDP listen address of the mesh transport.
	Address string `mapstructure:"address" yaml:"address"`
	// Advertise is the address announced to peers. Empty means derived.
	Advertise string   `mapstructure:"advertise" yaml:"advertise"`
	Peers     []string `mapstructure:"peers" yaml:"peers"`
	Transport string   `mapstructure:"transport" yaml:"transport"`
	// Heartbeat is the interval of membership announcements.
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
	Multicast bool          `mapstructure:"multicast" yaml:"multicast"`
	Group     string        `mapstructure:"group" yaml:"group"`
	Interface string        `mapstructure:"interface" yaml:"interface"`
	NATS      NATS          `mapstructure:"nats" yaml:"nats"`
	Redis     Redis         `mapstructure:"redis" yaml:"redis"`
	Kafka     Kafka         `mapstructure:"kafka" yaml:"kafka"`
	Breaker   Breaker       `mapstructure:"breaker" yaml:"breaker"`
	Dedup     Dedup         `mapstructure:"dedup" yaml:"dedup"`
}

type NATS struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

type Redis struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Channel string `mapstructure:"channel" yaml:"channel"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Breaker configures the circuit breaker in front of the transport. A zero
// threshold disables it.
type Breaker struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Dedup configures suppression of repeated dissemination messages. A zero
// size disables it.
type Dedup struct {
	Size int           `mapstructure:"size" yaml:"size"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type API struct {
	Address       string `mapstructure:"address" yaml:"address"`
	WatchCapacity int    `mapstructure:"watch-capacity" yaml:"watch-capacity"`
	// WatchMaxBacklog drops a watcher once this many events queue up behind
	// it. Zero keeps every watcher regardless of backlog.
	WatchMaxBacklog int `mapstructure:"watch-max-backlog" yaml:"watch-max-backlog"`
}

type StorageConfig struct {
	Memory storage.Config `mapstructure:"memory" yaml:"memory"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Toggle struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Cluster: Cluster{
			Address:   "0.0.0.0:7946",
			Peers:     []string{},
			Transport: TransportMesh,
			Heartbeat: 5 * time.Second,
			Multicast: true,
			Group:     "239.0.0.1",
			NATS:      NATS{URL: "nats://127.0.0.1:4222", Subject: "kustodio.swarm"},
			Redis:     Redis{Addr: "127.0.0.1:6379", Channel: "kustodio:swarm"},
			Kafka:     Kafka{Brokers: []string{"127.0.0.1:9092"}, Topic: "kustodio-swarm"},
			Breaker:   Breaker{Threshold: 5, Timeout: 10 * time.Second},
			Dedup:     Dedup{Size: 0, TTL: 5 * time.Minute},
		},
		API:     API{Address: "127.0.0.1:8080", WatchCapacity: 64, WatchMaxBacklog: 1024},
		Storage: StorageConfig{Memory: storage.DefaultConfig()},
		Log:     Log{Level: "info", Format: "text"},
		Metrics: Toggle{Enabled: true},
	}
}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch c.Cluster.Transport {
	case TransportMemory:
	case TransportMesh:
		if _, _, err := net.SplitHostPort(c.Cluster.Address); err != nil {
			return invalid("cluster.address %q: %v", c.Cluster.Address, err)
		}
	case TransportNATS:
		if c.Cluster.NATS.URL == "" {
			return invalid("cluster.nats.url is required for the nats transport")
		}
	case TransportRedis:
		if c.Cluster.Redis.Addr == "" {
			return invalid("cluster.redis.addr is required for the redis transport")
		}
	case TransportKafka:
		if len(c.Cluster.Kafka.Brokers) == 0 {
			return invalid("cluster.kafka.brokers is required for the kafka transport")
		}
	default:
		return invalid("unknown cluster.transport %q", c.Cluster.Transport)
	}
	if c.Cluster.Heartbeat <= 0 {
		return invalid("cluster.heartbeat must be positive")
	}
	if c.Cluster.Breaker.Threshold < 0 {
		return invalid("cluster.breaker.threshold must not be negative")
	}
	if c.Cluster.Breaker.Threshold > 0 && c.Cluster.Breaker.Timeout <= 0 {
		return invalid("cluster.breaker.timeout must be positive")
	}
	if c.Cluster.Dedup.Size < 0 {
		return invalid("cluster.dedup.size must not be negative")
	}
	if _, _, err := net.SplitHostPort(c.API.Address); err != nil {
		return invalid("api.address %q: %v", c.API.Address, err)
	}
	if c.API.WatchCapacity < 0 {
		return invalid("api.watch-capacity must not be negative")
	}
	if c.API.WatchMaxBacklog < 0 {
		return invalid("api.watch-max-backlog must not be negative")
	}
	if c.Storage.Memory.BitmapSize <= 0 || c.Storage.Memory.ItemsCount <= 0 {
		return invalid("storage.memory sizes must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// YAML renders c in the file format Load accepts.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
