// Package cluster exposes the membership façade the rest of a node talks
// to: lifecycle (join, leave, shutdown), the event callback, and member
// enumeration. It owns nothing algorithmic; all of that lives in gossip.
package cluster

import (
	"errors"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/pkg/gossip"
)

// EventCallback receives membership events: the node's identity fields plus
// the event kind (member-join, member-leave, member-failed, member-update).
type EventCallback func(id gossip.NodeID, role gossip.Role, addr string, dataPort uint16, kind gossip.EventKind)

// Membership is the lifecycle wrapper around the gossip engine.
type Membership struct {
	self   gossip.Member
	table  *gossip.Table
	engine *gossip.Engine
	log    *zap.Logger
}

// New creates a membership handle for self over the shared table. The
// transport is injected so tests can run without sockets.
func New(self gossip.Member, table *gossip.Table, tr gossip.Transport, cfg gossip.Config) (*Membership, error) {
	if self.ID == 0 {
		return nil, errors.New("cluster: node id is required")
	}
	if table == nil {
		return nil, errors.New("cluster: member table is required")
	}
	if tr == nil {
		return nil, errors.New("cluster: transport is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Membership{
		self:   self,
		table:  table,
		engine: gossip.NewEngine(self, table, tr, cfg),
		log:    log.Named("cluster"),
	}, nil
}

// OnEvent registers the single membership event callback. Must be called
// before Join.
func (m *Membership) OnEvent(cb EventCallback) {
	if cb == nil {
		return
	}
	m.engine.SetEventFunc(func(ev gossip.Event) {
		cb(ev.Member.ID, ev.Member.Role, ev.Member.Addr, ev.Member.DataPort, ev.Kind)
	})
}

// Join starts the engine and announces this node to the given seed
// addresses. An empty seed list bootstraps a cluster of one.
func (m *Membership) Join(seeds ...string) error {
	for _, s := range seeds {
		m.engine.AddSeed(s)
	}
	if err := m.engine.Start(); err != nil {
		return err
	}
	return m.engine.Join()
}

// Leave announces a graceful departure. Call Shutdown afterwards.
func (m *Membership) Leave() error {
	return m.engine.Leave()
}

// Shutdown stops the background loops and the transport, blocking until
// both have fully exited.
func (m *Membership) Shutdown() error {
	return m.engine.Stop()
}

// Members copies current members into buf and returns how many were
// written. A larger cluster than buf is truncated.
func (m *Membership) Members(buf []gossip.Member) int {
	all := m.table.Snapshot()
	n := copy(buf, all)
	return n
}

// Stats returns the protocol's cumulative counters.
func (m *Membership) Stats() gossip.Stats {
	return m.engine.Protocol().Stats()
}
