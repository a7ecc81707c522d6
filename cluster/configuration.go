package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DefaultAvailableFactor is the share of non-local servers a master must
// reach before the cluster is considered available.
const DefaultAvailableFactor = 0.66

var ErrInvalidConfiguration = errors.New("invalid cluster configuration")

// Configuration is the static definition of the cluster. The order of
// Servers is the election priority: earlier servers are preferred as master.
//
// A Configuration must not be modified once it has been handed to a
// connected coordinator.
type Configuration struct {
	Servers []Server `json:"servers" yaml:"servers"`

	// AvailableFactor decides how many slaves must be reachable for the
	// master to consider the cluster available. The cluster is unavailable
	// while reachable <= (len(Servers)-1) * AvailableFactor.
	AvailableFactor float64 `json:"availableFactor" yaml:"availableFactor"`
}

// NewConfiguration creates a configuration with the default available factor.
func NewConfiguration(servers ...Server) *Configuration {
	return &Configuration{
		Servers:         append([]Server(nil), servers...),
		AvailableFactor: DefaultAvailableFactor,
	}
}

// NewConfigurationFromJSON decodes a configuration from a json document. An
// omitted availableFactor keeps the default value.
func NewConfigurationFromJSON(r io.Reader) (*Configuration, error) {
	conf := NewConfiguration()
	if err := json.NewDecoder(r).Decode(conf); err != nil {
		return nil, fmt.Errorf("decode json configuration: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// NewConfigurationFromYAML decodes a configuration from a yaml document.
func NewConfigurationFromYAML(r io.Reader) (*Configuration, error) {
	conf := NewConfiguration()
	if err := yaml.NewDecoder(r).Decode(conf); err != nil {
		return nil, fmt.Errorf("decode yaml configuration: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate makes sure the configuration can be used by a coordinator.
func (c *Configuration) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("%w: no servers defined", ErrInvalidConfiguration)
	}
	if c.AvailableFactor < 0 || c.AvailableFactor > 1 {
		return fmt.Errorf("%w: available factor %v is not within [0, 1]", ErrInvalidConfiguration, c.AvailableFactor)
	}
	seen := make(map[Server]struct{}, len(c.Servers))
	names := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.Addr == "" {
			return fmt.Errorf("%w: server %q has no address", ErrInvalidConfiguration, s.Name)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: server %v is defined twice", ErrInvalidConfiguration, s)
		}
		if _, ok := names[s.Name]; ok && s.Name != "" {
			return fmt.Errorf("%w: server name %q is used twice", ErrInvalidConfiguration, s.Name)
		}
		seen[s] = struct{}{}
		names[s.Name] = struct{}{}
	}
	return nil
}

// IndexOf returns the election priority of the server, or -1 when the
// server is not part of the configuration.
func (c *Configuration) IndexOf(s Server) int {
	for i, v := range c.Servers {
		if v == s {
			return i
		}
	}
	return -1
}

func (c *Configuration) Contains(s Server) bool {
	return c.IndexOf(s) >= 0
}

// Clone returns a deep copy that can be modified independently.
func (c *Configuration) Clone() *Configuration {
	return &Configuration{
		Servers:         append([]Server(nil), c.Servers...),
		AvailableFactor: c.AvailableFactor,
	}
}
