package singlemaster

import (
	"os"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/rs/zerolog"
)

type Options struct {
	// ScanInterval is the period of the watch loop and the granularity of
	// every wait for the cluster to become available.
	ScanInterval time.Duration

	// PeerTimeout bounds every single ping or push sent to a peer. A negative
	// value leaves the bound to the transport.
	PeerTimeout time.Duration

	// InboxSize is the number of received messages that may be queued
	// before the transport blocks.
	InboxSize int

	// Logger used by the cluster. A stdout logger is used when nil.
	Logger *zerolog.Logger

	// OnFanout is called with the outcome of every mutation the master
	// replicated to its slaves.
	OnFanout func(FanoutReport)
}

var DefaultOpts = Options{
	ScanInterval: 500 * time.Millisecond,
	PeerTimeout:  2 * time.Second,
	InboxSize:    256,
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultOpts.ScanInterval
	}
	if o.PeerTimeout == 0 {
		o.PeerTimeout = DefaultOpts.PeerTimeout
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultOpts.InboxSize
	}
	return o
}

func (o Options) logger(self cluster.Server) zerolog.Logger {
	var l zerolog.Logger
	if o.Logger != nil {
		l = *o.Logger
	} else {
		l = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return l.With().Str("server", self.String()).Logger()
}

// PeerResult is the outcome of replicating one mutation to one peer.
type PeerResult struct {
	Server cluster.Server
	Err    error
}

// FanoutReport collects the per peer results of one replicated mutation.
type FanoutReport struct {
	Op      StoreOp
	Key     StoreKey
	Results []PeerResult
}

// Failed returns the results of the peers that did not receive the mutation.
func (r FanoutReport) Failed() []PeerResult {
	var failed []PeerResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}
