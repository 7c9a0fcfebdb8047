package gossip

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/internal/telemetry"
)

// Config tunes the protocol. Zero values take the documented defaults.
type Config struct {
	// RoundPeriod is how often the engine runs a probe round and a
	// timeout sweep. Default 1s.
	RoundPeriod time.Duration
	// AckTimeout is how long a probed peer has to answer before it turns
	// SUSPECT. Default 500ms.
	AckTimeout time.Duration
	// DeadTimeout is how long a peer may stay SUSPECT, measured from the
	// suspicion transition, before it turns DEAD. Default 5s.
	DeadTimeout time.Duration
	// Fanout is reserved for multi-target probing; rounds currently probe
	// one random peer. Default 3.
	Fanout int
	// MaxPiggyback is the most pending updates attached to one message.
	// Default (and wire maximum) 10.
	MaxPiggyback int
	// QueueCapacity bounds the pending-update queue. Default 64.
	QueueCapacity int
	// AckSlots bounds the pending-ACK table. Default 32.
	AckSlots int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.RoundPeriod <= 0 {
		c.RoundPeriod = time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 500 * time.Millisecond
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = 5 * time.Second
	}
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.MaxPiggyback <= 0 || c.MaxPiggyback > MaxPiggyback {
		c.MaxPiggyback = MaxPiggyback
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.AckSlots <= 0 {
		c.AckSlots = 32
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ErrEngineClosed reports use of an engine after Stop.
var ErrEngineClosed = errors.New("gossip: engine closed")

// Engine binds a Protocol to a Transport: it decodes inbound datagrams into
// protocol dispatch, encodes protocol sends onto the transport, and drives
// the periodic round/timeout loop.
type Engine struct {
	proto *Protocol
	tr    Transport
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex
	seeds   []string
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wires a protocol instance for self onto tr. The table is shared:
// other parts of the node read it directly.
func NewEngine(self Member, table *Table, tr Transport, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		proto: NewProtocol(self, table, cfg),
		tr:    tr,
		cfg:   cfg,
		log:   cfg.Logger.Named("gossip"),
		stop:  make(chan struct{}),
	}
	e.proto.SetSend(e.sendMessage)
	return e
}

// Protocol exposes the state machine, mainly for stats.
func (e *Engine) Protocol() *Protocol { return e.proto }

// SetEventFunc registers the membership event callback. Call before Start.
func (e *Engine) SetEventFunc(fn EventFunc) { e.proto.SetEventFunc(fn) }

// AddSeed stores a bootstrap address that Join will contact directly.
func (e *Engine) AddSeed(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeds = append(e.seeds, addr)
}

// Start launches the transport receive loop and the periodic round loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	if err := e.tr.Start(e.handleDatagram); err != nil {
		return err
	}
	e.started = true

	e.wg.Add(1)
	go e.roundLoop()

	e.log.Info("engine started",
		zap.Uint32("node", uint32(e.proto.Self().ID)),
		zap.String("addr", e.tr.LocalAddr()),
		zap.Duration("round", e.cfg.RoundPeriod))
	return nil
}

// Join announces this node to the registered seeds.
func (e *Engine) Join() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	seeds := make([]string, len(e.seeds))
	copy(seeds, e.seeds)
	e.mu.Unlock()

	e.proto.AnnounceJoin(seeds)
	return nil
}

// Leave broadcasts a graceful departure. The engine keeps running until
// Stop so the announcement actually leaves the socket.
func (e *Engine) Leave() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	e.proto.AnnounceLeave()
	return nil
}

// Stop signals both background loops and blocks until they have exited,
// then shuts the transport down. The transport is stopped even when the
// engine never started, so an engine built over a bound socket releases it.
// Safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	return e.tr.Stop()
}

func (e *Engine) roundLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RoundPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			now := time.Now()
			e.proto.RunRound(now)
			e.proto.CheckTimeouts(now)
		}
	}
}

func (e *Engine) handleDatagram(data []byte, srcIP string, srcPort uint16) {
	msg, err := DecodeMessage(data)
	if err != nil {
		telemetry.MalformedMessages.Inc()
		e.log.Debug("dropping malformed datagram",
			zap.String("src", joinHostPort(srcIP, srcPort)),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}
	e.proto.HandleMessage(msg, srcIP, srcPort)
}

func (e *Engine) sendMessage(msg *Message, addr string) {
	data, err := EncodeMessage(msg)
	if err != nil {
		e.log.Warn("could not encode message",
			zap.String("type", msg.Type.String()), zap.Error(err))
		return
	}
	// Best effort: the transport counts failures, gossip redundancy
	// covers the loss.
	_ = e.tr.Send(addr, data)
}
