package gossip

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastConfig keeps end-to-end tests quick.
func fastConfig() Config {
	return Config{
		RoundPeriod: 60 * time.Millisecond,
		AckTimeout:  30 * time.Millisecond,
		DeadTimeout: 200 * time.Millisecond,
	}
}

type testNode struct {
	engine *Engine
	table  *Table
	events *eventRecorder
	addr   string
}

func startNode(t *testing.T, network *ChannelNetwork, id NodeID, role Role, seeds ...string) *testNode {
	t.Helper()
	ip := fmt.Sprintf("10.0.0.%d", id)
	self := Member{ID: id, Role: role, Addr: ip, GossipPort: 7946, DataPort: 7950}
	addr := self.GossipAddr()

	table := NewTable(32)
	eng := NewEngine(self, table, network.Transport(addr), fastConfig())
	events := &eventRecorder{}
	eng.SetEventFunc(events.fn)
	for _, s := range seeds {
		eng.AddSeed(s)
	}

	require.NoError(t, eng.Start())
	require.NoError(t, eng.Join())
	t.Cleanup(func() { _ = eng.Stop() })
	return &testNode{engine: eng, table: table, events: events, addr: addr}
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestClusterConverges(t *testing.T) {
	network := NewChannelNetwork()
	router := startNode(t, network, 1, RoleRouter)
	w2 := startNode(t, network, 2, RoleWorker, router.addr)
	w3 := startNode(t, network, 3, RoleWorker, router.addr)

	nodes := []*testNode{router, w2, w3}
	waitFor(t, 5*time.Second, "all tables to hold 3 alive members", func() bool {
		for _, n := range nodes {
			if len(n.table.ListAlive(RoleUnknown)) != 3 {
				return false
			}
		}
		return true
	})

	// The workers learned the router from its join response.
	for _, n := range []*testNode{w2, w3} {
		got, ok := n.table.Get(1)
		require.True(t, ok)
		require.Equal(t, RoleRouter, got.Role)
	}
	require.GreaterOrEqual(t, router.events.count(EventJoin, 2), 1)
	require.GreaterOrEqual(t, router.events.count(EventJoin, 3), 1)
}

func TestCrashedNodeIsDetected(t *testing.T) {
	network := NewChannelNetwork()
	router := startNode(t, network, 1, RoleRouter)
	w2 := startNode(t, network, 2, RoleWorker, router.addr)
	w3 := startNode(t, network, 3, RoleWorker, router.addr)

	nodes := []*testNode{router, w2, w3}
	waitFor(t, 5*time.Second, "cluster to converge", func() bool {
		for _, n := range nodes {
			if len(n.table.ListAlive(RoleUnknown)) != 3 {
				return false
			}
		}
		return true
	})

	// Kill the third node without a leave announcement. Its transport
	// unregisters, so probes to it go unanswered.
	require.NoError(t, w3.engine.Stop())

	survivors := []*testNode{router, w2}
	waitFor(t, 10*time.Second, "survivors to declare node 3 dead", func() bool {
		for _, n := range survivors {
			got, ok := n.table.Get(3)
			if !ok || got.State != StateDead {
				return false
			}
		}
		return true
	})

	for _, n := range survivors {
		require.Equal(t, 1, n.events.count(EventFailed, 3), "node %s", n.addr)
		require.Zero(t, n.events.count(EventLeave, 3), "node %s", n.addr)
	}
}

func TestCrashedSolePeerIsDetected(t *testing.T) {
	network := NewChannelNetwork()
	router := startNode(t, network, 1, RoleRouter)
	worker := startNode(t, network, 2, RoleWorker, router.addr)

	waitFor(t, 5*time.Second, "both tables to hold 2 alive members", func() bool {
		return len(router.table.ListAlive(RoleUnknown)) == 2 &&
			len(worker.table.ListAlive(RoleUnknown)) == 2
	})

	// With the worker gone the router's only peer is silent; every round
	// re-probes it, and detection must still fire.
	require.NoError(t, worker.engine.Stop())

	waitFor(t, 10*time.Second, "router to declare the sole peer dead", func() bool {
		got, ok := router.table.Get(2)
		return ok && got.State == StateDead
	})
	require.Equal(t, 1, router.events.count(EventFailed, 2))
	require.Zero(t, router.events.count(EventLeave, 2))
}

func TestGracefulLeaveSkipsSuspicion(t *testing.T) {
	network := NewChannelNetwork()
	router := startNode(t, network, 1, RoleRouter)
	w2 := startNode(t, network, 2, RoleWorker, router.addr)
	w3 := startNode(t, network, 3, RoleWorker, router.addr)

	nodes := []*testNode{router, w2, w3}
	waitFor(t, 5*time.Second, "cluster to converge", func() bool {
		for _, n := range nodes {
			if len(n.table.ListAlive(RoleUnknown)) != 3 {
				return false
			}
		}
		return true
	})

	require.NoError(t, w3.engine.Leave())

	survivors := []*testNode{router, w2}
	waitFor(t, 5*time.Second, "survivors to record the departure", func() bool {
		for _, n := range survivors {
			got, ok := n.table.Get(3)
			if !ok || got.State != StateDead {
				return false
			}
		}
		return true
	})
	require.NoError(t, w3.engine.Stop())

	for _, n := range survivors {
		require.Equal(t, 1, n.events.count(EventLeave, 3), "node %s", n.addr)
		require.Zero(t, n.events.count(EventFailed, 3), "node %s", n.addr)
	}
}

func TestEngineDropsMalformedDatagrams(t *testing.T) {
	network := NewChannelNetwork()
	router := startNode(t, network, 1, RoleRouter)

	attacker := network.Transport("10.0.0.99:7946")
	require.NoError(t, attacker.Send(router.addr, []byte{0xde, 0xad, 0xbe, 0xef}))
	require.NoError(t, attacker.Send(router.addr, nil))

	// The engine must survive the garbage and keep serving real traffic.
	w2 := startNode(t, network, 2, RoleWorker, router.addr)
	waitFor(t, 5*time.Second, "join to succeed after garbage input", func() bool {
		_, ok := w2.table.Get(1)
		return ok
	})
	require.NoError(t, attacker.Stop())
}

func TestEngineStopWithoutStartReleasesTransport(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)

	self := Member{ID: 1, Role: RoleRouter, Addr: "127.0.0.1", GossipPort: 7946, DataPort: 7950}
	eng := NewEngine(self, NewTable(4), tr, fastConfig())

	// Shut down before Start: the bound socket must still be released.
	require.NoError(t, eng.Stop())
	require.ErrorIs(t, tr.Start(func([]byte, string, uint16) {}), ErrTransportClosed)
	require.Error(t, tr.Send("127.0.0.1:1", []byte("late")))
}

func TestEngineStopIsIdempotent(t *testing.T) {
	network := NewChannelNetwork()
	n := startNode(t, network, 1, RoleRouter)

	require.NoError(t, n.engine.Stop())
	require.NoError(t, n.engine.Stop())
	require.ErrorIs(t, n.engine.Join(), ErrEngineClosed)
	require.ErrorIs(t, n.engine.Leave(), ErrEngineClosed)
}
