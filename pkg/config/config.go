// Package config defines Aegis's configuration schema and the load/override
// pipeline: a YAML file provides the base values (spec.md §6 "Configuration
// recognized"), and cobra persistent flags override whatever the file sets,
// exactly the precedence cmd/warren/main.go uses for its own flags.
//
// Grounded on bartekus-stagecraft/pkg/config/config.go's Load/Exists/
// validate shape (yaml.v3 unmarshal, os.Stat existence check, a small
// validate pass after unmarshal) generalized from Stagecraft's nested
// provider schema to Aegis's flat operational config.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/forgeorbit/aegis/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the config file does not exist at the given
// path.
var ErrNotFound = errors.New("aegis config not found")

// Config is Aegis's full operational configuration, covering every item
// spec.md §6 requires a deployment to be able to set.
type Config struct {
	HighlyAvailable       bool    `yaml:"highly_available"`
	LeaderElectionBackend string  `yaml:"leader_election_backend"` // "coordinator"
	ZKTimeoutMS           int     `yaml:"zk_timeout_ms"`
	CommandQueueCapacity  int     `yaml:"command_queue_capacity"`
	RefuseOfferSeconds    float64 `yaml:"refuse_offer_seconds"`
	MinBrokerVersion      string  `yaml:"min_broker_version"`
	DataDir               string  `yaml:"data_dir"`
	BindAddr              string  `yaml:"bind_addr"`
	LogLevel              string  `yaml:"log_level"`
	LogJSON               bool    `yaml:"log_json"`

	// Agent capacity this node advertises to the Offer Reconciler via
	// pkg/broker.OfferSource. Not one of spec.md §6's enumerated items —
	// it exists because this teacher's broker is containerd, which has no
	// offer API of its own to poll; the adapter has to know its own
	// footprint to originate offers (see DESIGN.md's pkg/broker entry).
	AgentCPUs      float64 `yaml:"agent_cpus"`
	AgentMemBytes  int64   `yaml:"agent_mem_bytes"`
	AgentDiskBytes int64   `yaml:"agent_disk_bytes"`
}

// AgentCapacity returns this node's total offerable footprint.
func (c *Config) AgentCapacity() types.ResourceRequirements {
	return types.ResourceRequirements{CPUs: c.AgentCPUs, Mem: c.AgentMemBytes, Disk: c.AgentDiskBytes}
}

// Default returns the configuration a single-node deployment starts from
// absent any file or flag override.
func Default() *Config {
	return &Config{
		LeaderElectionBackend: "coordinator",
		ZKTimeoutMS:           5000,
		CommandQueueCapacity:  1024,
		RefuseOfferSeconds:    5.0,
		DataDir:               "./aegis-data",
		BindAddr:              "127.0.0.1:7946",
		LogLevel:              "info",
		AgentCPUs:             float64(runtime.NumCPU()),
		AgentMemBytes:         4 << 30, // 4 GiB
		AgentDiskBytes:        20 << 30, // 20 GiB
	}
}

// Load reads and validates a config file at path, layered on top of
// Default(). It returns ErrNotFound if the file does not exist — callers
// that only want flag/default configuration should treat that as
// non-fatal.
func Load(path string) (*Config, error) {
	exists, err := exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func validate(cfg *Config) error {
	if cfg.CommandQueueCapacity <= 0 {
		return errors.New("config: command_queue_capacity must be positive")
	}
	if cfg.RefuseOfferSeconds < 0 {
		return errors.New("config: refuse_offer_seconds must not be negative")
	}
	if cfg.DataDir == "" {
		return errors.New("config: data_dir must be non-empty")
	}
	if cfg.AgentCPUs <= 0 {
		return errors.New("config: agent_cpus must be positive")
	}
	if cfg.AgentMemBytes <= 0 {
		return errors.New("config: agent_mem_bytes must be positive")
	}
	if cfg.AgentDiskBytes <= 0 {
		return errors.New("config: agent_disk_bytes must be positive")
	}
	if cfg.HighlyAvailable {
		if cfg.LeaderElectionBackend != "coordinator" {
			return fmt.Errorf("config: leader_election_backend must be %q, got %q", "coordinator", cfg.LeaderElectionBackend)
		}
		if cfg.ZKTimeoutMS <= 0 {
			return errors.New("config: zk_timeout_ms must be positive when highly_available is set")
		}
	}
	return nil
}
