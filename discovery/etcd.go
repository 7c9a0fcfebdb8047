// Package discovery provides etcd-backed seed discovery: nodes register
// their gossip address under a leased key, and a joining node reads the
// prefix to find seeds. Gossip itself never depends on etcd; it only
// bootstraps from it.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodesPrefix = "/eroole/nodes/"

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> gossipAddr under a lease of ttl seconds and
// keeps the lease alive until the returned cancel func is called.
func RegisterNode(cli *clientv3.Client, id uint32, gossipAddr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	key := fmt.Sprintf("%s%d", nodesPrefix, id)
	if _, err := cli.Put(context.TODO(), key, gossipAddr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// FetchSeeds reads every registered node, keyed by node id string.
func FetchSeeds(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	seeds := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodesPrefix)
		seeds[id] = string(kv.Value)
	}
	return seeds, nil
}
