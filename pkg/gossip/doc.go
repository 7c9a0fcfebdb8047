// Package gossip implements a SWIM-style membership and failure-detection
// engine for an eRoole compute fabric. Nodes discover each other, propagate
// liveness and metadata changes, and independently converge on who is alive,
// suspected, or dead, without a central coordinator.
//
// The pieces compose leaf-first: a fixed-capacity member Table holds the
// local view; an UpdateQueue buffers change records for piggybacking; a
// fixed-layout binary codec keeps datagrams under one MTU; the Protocol
// state machine turns incoming messages and timer ticks into table
// mutations and outgoing messages; the Engine binds the protocol to a
// Transport (UDP in production, an in-process channel network in tests) and
// runs the periodic probe round.
//
// Typical usage:
//
//	table := gossip.NewTable(128)
//	tr, _ := gossip.NewUDPTransport("0.0.0.0:7946", logger)
//	eng := gossip.NewEngine(self, table, tr, gossip.Config{Logger: logger})
//	eng.AddSeed("10.0.0.1:7946")
//	eng.Start()
//	eng.Join()
//	defer eng.Stop()
//
// The membership view is eventually consistent: conflicting updates are
// resolved by incarnation number, never by wall-clock comparisons across
// nodes.
package gossip
