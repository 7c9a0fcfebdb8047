package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/discovery"
	"github.com/gitubo/eRoole-sub000/internal/telemetry"
	"github.com/gitubo/eRoole-sub000/pkg/cluster"
	"github.com/gitubo/eRoole-sub000/pkg/gossip"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	telemetry.SetBuildInfo("dev", os.Getenv("GIT_SHA"))

	// 1. Identity from the environment (the config loader is a separate
	// concern owned by the node supervisor).
	id := envUint32("NODE_ID", 0)
	if id == 0 {
		logger.Fatal("NODE_ID is required")
	}
	role := gossip.RoleWorker
	if os.Getenv("NODE_ROLE") == "router" {
		role = gossip.RoleRouter
	}
	advertiseIP := envStr("ADVERTISE_IP", "127.0.0.1")
	gossipPort := uint16(envUint32("GOSSIP_PORT", 7946))
	dataPort := uint16(envUint32("DATA_PORT", 7950))

	self := gossip.Member{
		ID:         gossip.NodeID(id),
		Role:       role,
		Addr:       advertiseIP,
		GossipPort: gossipPort,
		DataPort:   dataPort,
	}

	// 2. Transport and shared member table.
	table := gossip.NewTable(envInt("TABLE_CAPACITY", 128))
	bind := envStr("BIND_ADDR", "0.0.0.0:"+strconv.Itoa(int(gossipPort)))
	tr, err := gossip.NewUDPTransport(bind, logger)
	if err != nil {
		logger.Fatal("could not bind gossip socket", zap.String("bind", bind), zap.Error(err))
	}

	mem, err := cluster.New(self, table, tr, gossip.Config{
		RoundPeriod: envDuration("ROUND_PERIOD", time.Second),
		AckTimeout:  envDuration("ACK_TIMEOUT", 500*time.Millisecond),
		DeadTimeout: envDuration("DEAD_TIMEOUT", 5*time.Second),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("could not create membership", zap.Error(err))
	}
	mem.OnEvent(func(id gossip.NodeID, role gossip.Role, addr string, dataPort uint16, kind gossip.EventKind) {
		logger.Info("membership event",
			zap.String("kind", kind.String()),
			zap.Uint32("node", uint32(id)),
			zap.String("role", role.String()),
			zap.String("addr", addr),
			zap.Uint16("data_port", dataPort))
	})

	// 3. Seeds: static list plus anything registered in etcd.
	seeds := splitList(os.Getenv("SEEDS"))
	if endpoints := splitList(os.Getenv("ETCD_ENDPOINTS")); len(endpoints) > 0 {
		cli, err := discovery.NewClient(endpoints)
		if err != nil {
			logger.Fatal("could not reach etcd", zap.Error(err))
		}
		defer cli.Close()

		found, err := discovery.FetchSeeds(context.TODO(), cli)
		if err != nil {
			logger.Fatal("could not fetch seeds", zap.Error(err))
		}
		for seedID, addr := range found {
			if seedID == strconv.Itoa(int(id)) {
				continue
			}
			logger.Info("seed from etcd", zap.String("node", seedID), zap.String("addr", addr))
			seeds = append(seeds, addr)
		}

		_, cancel, err := discovery.RegisterNode(cli, id, self.GossipAddr(), 10)
		if err != nil {
			logger.Fatal("could not register node", zap.Error(err))
		}
		defer cancel()
	}

	if err := mem.Join(seeds...); err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}
	logger.Info("node joined", zap.Uint32("node", id), zap.Int("seeds", len(seeds)))

	// 4. Debug surface: metrics plus the current member view.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/members", func(w http.ResponseWriter, _ *http.Request) {
		buf := make([]gossip.Member, envInt("TABLE_CAPACITY", 128))
		n := mem.Members(buf)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buf[:n])
	})
	httpAddr := envStr("HTTP_ADDR", ":8080")
	go func() {
		if err := http.ListenAndServe(httpAddr, mux); err != nil {
			logger.Warn("debug http server stopped", zap.Error(err))
		}
	}()

	// 5. Run until signaled, then leave gracefully.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("leaving cluster")
	if err := mem.Leave(); err != nil {
		logger.Warn("leave failed", zap.Error(err))
	}
	// Give the leave datagrams a moment on the wire before teardown.
	time.Sleep(200 * time.Millisecond)
	if err := mem.Shutdown(); err != nil {
		logger.Warn("shutdown failed", zap.Error(err))
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
