// Package config loads the YAML file shared by the cpid commands.
//
//	store:
//	  addr: 127.0.0.1:6379
//	  prefix: job
//	worker:
//	  heartbeat_interval: 10s
//	collective:
//	  rendezvous: store://127.0.0.1:6379/world
//
// Every section is optional; missing values keep the component defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/10yihang/cpid/internal/bufferedqueue"
	"github.com/10yihang/cpid/internal/collective"
	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/pubsub"
	"github.com/10yihang/cpid/internal/reqrep"
	"github.com/10yihang/cpid/internal/worker"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type StoreConfig struct {
	// Listen is the address `cpid store` serves on.
	Listen      string   `yaml:"listen"`
	Addr        string   `yaml:"addr"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
	ReadTimeout Duration `yaml:"read_timeout"`
	PoolSize    int      `yaml:"pool_size"`
	Shards      int      `yaml:"shards"`
}

type WorkerConfig struct {
	ID                string         `yaml:"id"`
	Host              string         `yaml:"host"`
	Services          map[string]int `yaml:"services,omitempty"`
	HeartbeatInterval Duration       `yaml:"heartbeat_interval"`
	PollInterval      Duration       `yaml:"poll_interval"`
}

type ReqRepConfig struct {
	Workers      int      `yaml:"workers"`
	ReplyTimeout Duration `yaml:"reply_timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	MaxBacklog   int      `yaml:"max_backlog"`
}

type QueueConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	Workers     int      `yaml:"workers"`
	QueueSize   int      `yaml:"queue_size"`
	MaxInFlight int      `yaml:"max_in_flight"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

type PubSubConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Republish Duration `yaml:"republish"`
}

type CollectiveConfig struct {
	Rank       int      `yaml:"rank"`
	Size       int      `yaml:"size"`
	Rendezvous string   `yaml:"rendezvous"`
	Timeout    Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CheckpointConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// Config is the whole file.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Worker     WorkerConfig     `yaml:"worker"`
	ReqRep     ReqRepConfig     `yaml:"reqrep"`
	Queue      QueueConfig      `yaml:"queue"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Collective CollectiveConfig `yaml:"collective"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// Default mirrors the defaults of every component.
func Default() *Config {
	store := kvstore.DefaultConfig()
	w := worker.DefaultConfig()
	client := reqrep.DefaultClientConfig()
	consumer := bufferedqueue.DefaultConsumerConfig()
	return &Config{
		Store: StoreConfig{
			Listen:      ":6379",
			Addr:        store.Addr,
			Prefix:      store.Prefix,
			DialTimeout: Duration(store.DialTimeout),
			ReadTimeout: Duration(store.ReadTimeout),
			PoolSize:    store.PoolSize,
		},
		Worker: WorkerConfig{HeartbeatInterval: Duration(w.HeartbeatInterval)},
		ReqRep: ReqRepConfig{
			Workers:      reqrep.DefaultServerConfig().Workers,
			ReplyTimeout: Duration(client.ReplyTimeout),
			MaxRetries:   client.MaxRetries,
			MaxBacklog:   client.MaxBacklog,
		},
		Queue: QueueConfig{
			Workers:     consumer.Workers,
			QueueSize:   consumer.QueueSize,
			MaxInFlight: consumer.MaxInFlight,
			Timeout:     Duration(consumer.ReplyTimeout),
			MaxRetries:  consumer.MaxRetries,
		},
		PubSub:     PubSubConfig{Republish: Duration(pubsub.DefaultPublisherConfig().Republish)},
		Collective: CollectiveConfig{Size: 1, Timeout: Duration(collective.DefaultTimeout)},
		Metrics:    MetricsConfig{Addr: ":9090"},
		Checkpoint: CheckpointConfig{Keep: 3},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Collective.Size < 1 {
		return fmt.Errorf("collective.size must be at least 1, got %d", c.Collective.Size)
	}
	if c.Collective.Rank < 0 || c.Collective.Rank >= c.Collective.Size {
		return fmt.Errorf("collective.rank %d out of range [0, %d)", c.Collective.Rank, c.Collective.Size)
	}
	if c.Queue.QueueSize < 0 || c.Queue.MaxInFlight < 0 {
		return fmt.Errorf("queue sizes must not be negative")
	}
	if c.Checkpoint.Keep < 0 {
		return fmt.Errorf("checkpoint.keep must not be negative")
	}
	return nil
}

func (c *Config) KVStore() *kvstore.Config {
	cfg := kvstore.DefaultConfig()
	cfg.Addr = c.Store.Addr
	cfg.Prefix = c.Store.Prefix
	if c.Store.DialTimeout > 0 {
		cfg.DialTimeout = c.Store.DialTimeout.Std()
	}
	if c.Store.ReadTimeout > 0 {
		cfg.ReadTimeout = c.Store.ReadTimeout.Std()
		cfg.WriteTimeout = c.Store.ReadTimeout.Std()
	}
	if c.Store.PoolSize > 0 {
		cfg.PoolSize = c.Store.PoolSize
	}
	return cfg
}

func (c *Config) WorkerConfig() *worker.Config {
	cfg := worker.DefaultConfig()
	cfg.ID = c.Worker.ID
	cfg.Host = c.Worker.Host
	cfg.Services = c.Worker.Services
	cfg.Store = c.KVStore()
	cfg.HeartbeatInterval = c.Worker.HeartbeatInterval.Std()
	cfg.PollInterval = c.Worker.PollInterval.Std()
	return cfg
}

func (c *Config) ServerConfig(endpoint string) *reqrep.ServerConfig {
	return &reqrep.ServerConfig{Endpoint: endpoint, Workers: c.ReqRep.Workers}
}

func (c *Config) ClientConfig() *reqrep.ClientConfig {
	return &reqrep.ClientConfig{
		ReplyTimeout: c.ReqRep.ReplyTimeout.Std(),
		MaxRetries:   c.ReqRep.MaxRetries,
		MaxBacklog:   c.ReqRep.MaxBacklog,
	}
}

func (c *Config) ProducerConfig() *bufferedqueue.ProducerConfig {
	return &bufferedqueue.ProducerConfig{
		Endpoint:  c.Queue.Endpoint,
		Workers:   c.Queue.Workers,
		QueueSize: c.Queue.QueueSize,
	}
}

func (c *Config) ConsumerConfig() *bufferedqueue.ConsumerConfig {
	return &bufferedqueue.ConsumerConfig{
		Workers:      c.Queue.Workers,
		QueueSize:    c.Queue.QueueSize,
		MaxInFlight:  c.Queue.MaxInFlight,
		ReplyTimeout: c.Queue.Timeout.Std(),
		MaxRetries:   c.Queue.MaxRetries,
	}
}

func (c *Config) PublisherConfig() *pubsub.PublisherConfig {
	return &pubsub.PublisherConfig{Endpoint: c.PubSub.Endpoint, Republish: c.PubSub.Republish.Std()}
}

func (c *Config) ClusterConfig() *collective.ClusterConfig {
	return &collective.ClusterConfig{
		Rank:       c.Collective.Rank,
		Size:       c.Collective.Size,
		Rendezvous: c.Collective.Rendezvous,
		Timeout:    c.Collective.Timeout.Std(),
		Host:       c.Worker.Host,
	}
}
