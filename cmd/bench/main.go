package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/pkg/gossip"
)

// Convergence benchmark: spins up n in-process nodes over the channel
// transport, has them all seed off node 1, and measures how long every node
// takes to see every other node as alive.
func main() {
	n := flag.Int("n", 8, "nodes")
	round := flag.Duration("round", 50*time.Millisecond, "round period")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after")
	flag.Parse()

	network := gossip.NewChannelNetwork()
	cfg := gossip.Config{
		RoundPeriod: *round,
		AckTimeout:  *round * 4,
		DeadTimeout: *round * 20,
		Logger:      zap.NewNop(),
	}

	tables := make([]*gossip.Table, *n)
	engines := make([]*gossip.Engine, *n)
	seed := ""
	for i := 0; i < *n; i++ {
		addr := fmt.Sprintf("127.0.0.1:%d", 9000+i)
		self := gossip.Member{
			ID:         gossip.NodeID(i + 1),
			Role:       gossip.RoleRouter,
			Addr:       "127.0.0.1",
			GossipPort: uint16(9000 + i),
			DataPort:   uint16(9500 + i),
		}
		tables[i] = gossip.NewTable(*n * 2)
		engines[i] = gossip.NewEngine(self, tables[i], network.Transport(addr), cfg)
		if i == 0 {
			seed = addr
		} else {
			engines[i].AddSeed(seed)
		}
	}

	start := time.Now()
	for _, e := range engines {
		if err := e.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "start:", err)
			os.Exit(1)
		}
		if err := e.Join(); err != nil {
			fmt.Fprintln(os.Stderr, "join:", err)
			os.Exit(1)
		}
	}
	defer func() {
		for _, e := range engines {
			_ = e.Stop()
		}
	}()

	deadline := time.Now().Add(*timeout)
	for {
		converged := 0
		for _, t := range tables {
			if len(t.ListAlive(gossip.RoleUnknown)) == *n {
				converged++
			}
		}
		if converged == *n {
			fmt.Printf("%d nodes converged in %s\n", *n, time.Since(start))
			return
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "no convergence after %s (%d/%d)\n", *timeout, converged, *n)
			os.Exit(1)
		}
		time.Sleep(*round)
	}
}
