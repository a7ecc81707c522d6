package cluster

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/memlist"
	"github.com/rs/zerolog"
)

// DynamicConfiguration discovers the servers of a cluster through gossip
// instead of a static list. It internally uses the memlist library to find
// other members and detect the ones that left or died.
//
// The coordinator still works on a fixed server list, so the discovered
// members are turned into a Configuration with Configuration before connecting.
// Servers are ordered by name which gives every member the same election
// priority without any further agreement.
type DynamicConfiguration struct {
	mu      sync.Mutex
	self    Server
	servers map[Server]struct{}
	factor  float64
	member  *memlist.Member
	logger  zerolog.Logger
}

// NewDynamicConfiguration starts a gossip member bound to addr:port that
// advertises self as its cluster server.
func NewDynamicConfiguration(addr string, port uint16, self Server, logger *zerolog.Logger) (*DynamicConfiguration, error) {
	gob.Register(Server{})
	if logger == nil {
		l := zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger = &l
	}
	dc := &DynamicConfiguration{
		self:    self,
		servers: map[Server]struct{}{self: {}},
		factor:  DefaultAvailableFactor,
		logger: logger.With().
			Str("component", "discovery").
			Str("gossip", fmt.Sprintf("%s:%d", addr, port)).
			Logger(),
	}

	config := memlist.DefaultLocalConfig()
	config.Name = self.Name
	config.BindAddr = addr
	config.BindPort = port
	config.EventListener = dc
	config.MetaData = self

	member, err := memlist.Create(config)
	if err != nil {
		return nil, err
	}
	dc.member = member
	return dc, nil
}

// SetAvailableFactor changes the factor used by the produced configurations.
func (d *DynamicConfiguration) SetAvailableFactor(f float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factor = f
}

func (d *DynamicConfiguration) OnMembershipChange(peer memlist.Node) {
	s, ok := peer.Data.(Server)
	if !ok {
		d.logger.Warn().Msgf("Failed to read member server data: %v", peer.Data)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch peer.State {
	case memlist.Alive:
		if _, ok := d.servers[s]; !ok {
			d.logger.Info().Str("server", s.String()).Msg("Discovered a new server")
		}
		d.servers[s] = struct{}{}
	case memlist.Left, memlist.Dead:
		if s == d.self {
			return
		}
		delete(d.servers, s)
		d.logger.Info().Str("server", s.String()).Msg("Server left the cluster")
	}
}

// Join will initiate the joining process with the member found at otherAddr.
func (d *DynamicConfiguration) Join(otherAddr string) error {
	return d.member.Join(otherAddr)
}

func (d *DynamicConfiguration) Leave(timeout time.Duration) error {
	return d.member.Leave(timeout)
}

// Configuration returns a snapshot of the currently known servers.
func (d *DynamicConfiguration) Configuration() *Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	servers := make([]Server, 0, len(d.servers))
	for s := range d.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name == servers[j].Name {
			return servers[i].Addr < servers[j].Addr
		}
		return servers[i].Name < servers[j].Name
	})
	conf := NewConfiguration(servers...)
	conf.AvailableFactor = d.factor
	return conf
}
