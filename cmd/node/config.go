package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"gopkg.in/yaml.v3"
)

// Config is the yaml node file of a cluster server.
type Config struct {
	Self    cluster.Server        `yaml:"self"`
	HTTP    string                `yaml:"http"`
	Cluster cluster.Configuration `yaml:"cluster"`
	Store   StoreConfig           `yaml:"store"`
	Gossip  *GossipConfig         `yaml:"gossip"`
	Timing  TimingConfig          `yaml:"timing"`
	Log     LogConfig             `yaml:"log"`
}

type StoreConfig struct {
	// Driver is one of memory, bolt or badger.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// GossipConfig replaces the static server list with members discovered
// through gossip.
type GossipConfig struct {
	BindAddr string   `yaml:"bind_addr"`
	BindPort uint16   `yaml:"bind_port"`
	Join     []string `yaml:"join"`

	// Expect is the number of servers to discover before connecting.
	Expect int    `yaml:"expect"`
	Wait   string `yaml:"wait"`
}

type TimingConfig struct {
	ScanInterval string `yaml:"scan_interval"`
	PeerTimeout  string `yaml:"peer_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		HTTP:    ":8080",
		Cluster: cluster.Configuration{AvailableFactor: cluster.DefaultAvailableFactor},
		Store:   StoreConfig{Driver: "memory"},
		Log:     LogConfig{Level: "info"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Self.Addr == "" {
		return fmt.Errorf("self.addr is required")
	}
	if c.Self.Name == "" {
		c.Self.Name = c.Self.Addr
	}
	for i, s := range c.Cluster.Servers {
		if s.Name == "" {
			c.Cluster.Servers[i].Name = s.Addr
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "bolt", "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required by the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Gossip == nil {
		if err := c.Cluster.Validate(); err != nil {
			return err
		}
		if !c.Cluster.Contains(c.Self) {
			return fmt.Errorf("self %v is not part of cluster.servers", c.Self)
		}
	}

	for name, d := range map[string]string{
		"timing.scan_interval": c.Timing.ScanInterval,
		"timing.peer_timeout":  c.Timing.PeerTimeout,
		"timing.write_timeout": c.Timing.WriteTimeout,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Options converts the timing section to cluster options.
func (c *Config) Options() singlemaster.Options {
	scan, _ := parseDuration(c.Timing.ScanInterval)
	peer, _ := parseDuration(c.Timing.PeerTimeout)
	return singlemaster.Options{
		ScanInterval: scan,
		PeerTimeout:  peer,
	}
}

func (c *Config) WriteTimeout() time.Duration {
	d, _ := parseDuration(c.Timing.WriteTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
