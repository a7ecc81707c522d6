package cluster

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server identifies a single participant of the cluster. Two servers are
// the same participant when both their name and address are equal.
type Server struct {
	// Name is a human readable identifier, unique within the cluster.
	Name string `json:"name" yaml:"name"`

	// Addr is the address other servers use to contact this server.
	Addr string `json:"addr" yaml:"addr"`
}

// ParseServer reads a server from either the "name@addr" or the plain
// "addr" form. When no name is given the address doubles as the name.
func ParseServer(s string) (Server, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Server{}, fmt.Errorf("empty server definition")
	}
	name, addr, found := strings.Cut(s, "@")
	if !found {
		return Server{Name: s, Addr: s}, nil
	}
	if name == "" || addr == "" {
		return Server{}, fmt.Errorf("invalid server definition %q", s)
	}
	return Server{Name: name, Addr: addr}, nil
}

// UnmarshalYAML accepts the form read by ParseServer as well as a mapping.
// A server without a name is named after its address either way.
func (s *Server) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseServer(value.Value)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	type plain Server
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Name == "" {
		p.Name = p.Addr
	}
	*s = Server(p)
	return nil
}

func (s Server) IsZero() bool {
	return s == Server{}
}

func (s Server) String() string {
	if s.Name == "" || s.Name == s.Addr {
		return s.Addr
	}
	return s.Name + "@" + s.Addr
}
