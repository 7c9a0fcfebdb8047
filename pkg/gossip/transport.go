package gossip

import (
	"errors"
	"fmt"
	"sync"
)

// Handler consumes one received datagram. data is owned by the handler.
type Handler func(data []byte, srcIP string, srcPort uint16)

// Transport moves raw datagrams between nodes. Send is best-effort and
// non-blocking; a lost datagram is absorbed by the next gossip round.
// Start launches the receive loop, Stop signals it and blocks until it has
// fully exited, so shared state can be torn down safely afterwards.
type Transport interface {
	Send(addr string, data []byte) error
	Start(h Handler) error
	Stop() error
	LocalAddr() string
}

// ErrTransportClosed reports use of a transport after Stop.
var ErrTransportClosed = errors.New("gossip: transport closed")

// ChannelNetwork is an in-process switchboard connecting ChannelTransports
// by address. It stands in for UDP in tests: same interface, no sockets.
type ChannelNetwork struct {
	mu    sync.Mutex
	nodes map[string]*ChannelTransport
}

// NewChannelNetwork creates an empty in-process network.
func NewChannelNetwork() *ChannelNetwork {
	return &ChannelNetwork{nodes: make(map[string]*ChannelTransport)}
}

// Transport registers and returns an endpoint reachable at addr.
func (n *ChannelNetwork) Transport(addr string) *ChannelTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &ChannelTransport{
		net:   n,
		addr:  addr,
		inbox: make(chan packet, 128),
		stop:  make(chan struct{}),
	}
	n.nodes[addr] = t
	return t
}

// Drop unregisters addr; later sends to it fail like an unreachable host.
func (n *ChannelNetwork) Drop(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *ChannelNetwork) lookup(addr string) (*ChannelTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[addr]
	return t, ok
}

type packet struct {
	data    []byte
	srcIP   string
	srcPort uint16
}

// ChannelTransport is the in-process Transport implementation.
type ChannelTransport struct {
	net   *ChannelNetwork
	addr  string
	inbox chan packet

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (t *ChannelTransport) LocalAddr() string { return t.addr }

// Send delivers data to the endpoint registered at addr. An unknown
// destination or a full inbox drops the datagram, mirroring UDP loss.
func (t *ChannelTransport) Send(addr string, data []byte) error {
	peer, ok := t.net.lookup(addr)
	if !ok {
		return fmt.Errorf("gossip: no route to %s", addr)
	}
	srcIP, srcPort, err := splitHostPort(t.addr)
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case peer.inbox <- packet{data: cp, srcIP: srcIP, srcPort: srcPort}:
		return nil
	default:
		return fmt.Errorf("gossip: inbox full at %s", addr)
	}
}

// Start launches the receive loop invoking h once per datagram. Calling it
// again is a no-op; only ever one loop drains the inbox.
func (t *ChannelTransport) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}
	t.started = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.stop:
				return
			case pkt := <-t.inbox:
				h(pkt.data, pkt.srcIP, pkt.srcPort)
			}
		}
	}()
	return nil
}

// Stop signals the receive loop and waits for it to exit.
func (t *ChannelTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()
	t.net.Drop(t.addr)
	return nil
}
