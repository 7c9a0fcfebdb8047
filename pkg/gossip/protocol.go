package gossip

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/internal/telemetry"
)

// EventKind classifies membership events surfaced to the node.
type EventKind uint8

const (
	EventJoin EventKind = iota
	EventLeave
	EventFailed
	EventUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "member-join"
	case EventLeave:
		return "member-leave"
	case EventFailed:
		return "member-failed"
	case EventUpdate:
		return "member-update"
	default:
		return "invalid"
	}
}

// Event is one membership change observed by the local node.
type Event struct {
	Kind   EventKind
	Member Member
}

// SendFunc delivers an outgoing message to addr ("ip:port"). The protocol
// never blocks in it; implementations must be best-effort.
type SendFunc func(msg *Message, addr string)

// EventFunc receives membership events. It is invoked with no protocol or
// table lock held, so it may query the table freely.
type EventFunc func(Event)

// Stats are the protocol's cumulative counters.
type Stats struct {
	PingsSent      uint64
	AcksReceived   uint64
	AckTimeouts    uint64
	Suspects       uint64
	Deaths         uint64
	StaleUpdates   uint64
	DroppedUpdates uint64
}

// Protocol is the SWIM state machine. It is pure logic: it never sleeps,
// never touches a socket, and never starts a timer. The engine feeds it
// incoming messages plus periodic RunRound/CheckTimeouts ticks; it mutates
// the table, queues updates for piggybacking, and emits send callbacks.
type Protocol struct {
	cfg   Config
	table *Table
	queue *UpdateQueue
	acks  *ackTable
	log   *zap.Logger

	mu    sync.Mutex // guards self, seq, stats
	self  Member
	seq   uint64
	stats Stats

	send    SendFunc
	onEvent EventFunc
}

// NewProtocol creates a protocol instance for self, operating on table.
func NewProtocol(self Member, table *Table, cfg Config) *Protocol {
	cfg = cfg.withDefaults()
	self.State = StateAlive
	return &Protocol{
		cfg:   cfg,
		table: table,
		queue: NewUpdateQueue(cfg.QueueCapacity),
		acks:  newAckTable(cfg.AckSlots),
		log:   cfg.Logger.Named("protocol"),
		self:  self,
	}
}

// SetSend installs the outgoing-message callback. Must be set before the
// engine starts feeding the protocol.
func (p *Protocol) SetSend(fn SendFunc) { p.send = fn }

// SetEventFunc installs the membership event callback.
func (p *Protocol) SetEventFunc(fn EventFunc) { p.onEvent = fn }

// Stats returns a copy of the cumulative counters.
func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Incarnation returns this node's current incarnation number.
func (p *Protocol) Incarnation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self.Incarnation
}

// Self returns this node's own membership record.
func (p *Protocol) Self() Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// HandleMessage consumes one decoded datagram. Piggybacked updates are
// applied first (anti-entropy), then the type-specific effect. For
// Suspect/Alive/Dead/Leave the first update record is the message subject
// and is handled by the type-specific path only.
func (p *Protocol) HandleMessage(msg *Message, srcIP string, srcPort uint16) {
	now := time.Now()

	updates := msg.Updates
	var subject *Update
	switch msg.Type {
	case MsgSuspect, MsgAlive, MsgDead, MsgLeave:
		if len(updates) > 0 {
			subject = &updates[0]
			updates = updates[1:]
		}
	}
	for i := range updates {
		p.applyUpdate(updates[i], now)
	}

	src := joinHostPort(srcIP, srcPort)
	switch msg.Type {
	case MsgPing:
		p.handlePing(src)
	case MsgAck:
		p.handleAck(msg)
	case MsgPingReq:
		// Reserved for indirect probing.
		p.log.Debug("ignoring ping-req", zap.Uint32("from", uint32(msg.SenderID)))
	case MsgJoin, MsgWorkerJoin:
		p.handleJoin(msg, srcIP, src, now)
	case MsgJoinResponse:
		p.handleJoinResponse(msg, now)
	case MsgLeave:
		p.handleLeave(msg, now)
	case MsgSuspect:
		p.handleSuspect(subject, src, now)
	case MsgAlive:
		p.handleAlive(subject, now)
	case MsgDead:
		p.handleDead(subject, src, now)
	}
}

// applyUpdate merges one piggybacked record into the table under the
// supersession rule and, if it changed anything, re-queues it for further
// dissemination and surfaces the corresponding event.
func (p *Protocol) applyUpdate(u Update, now time.Time) {
	if u.Member.ID == p.Self().ID {
		// Rumors about this node: anything non-alive at our incarnation
		// (or later) is a false suspicion to refute. Stale rumors are
		// already superseded by our own record.
		if u.Member.State != StateAlive && u.Member.Incarnation >= p.Incarnation() {
			p.refute(now)
		}
		return
	}

	outcome, _, err := p.table.Merge(u.Member, now)
	if err != nil {
		p.log.Warn("table rejected update", zap.Uint32("node", uint32(u.Member.ID)), zap.Error(err))
		return
	}
	switch outcome {
	case MergeStale:
		p.mu.Lock()
		p.stats.StaleUpdates++
		p.mu.Unlock()
	case MergeAdded, MergeUpdated:
		rec, _ := p.table.Get(u.Member.ID)
		kind := EventUpdate
		if outcome == MergeAdded && rec.State == StateAlive {
			kind = EventJoin
		} else if rec.State == StateDead {
			kind = EventFailed
			p.mu.Lock()
			p.stats.Deaths++
			p.mu.Unlock()
		}
		p.recordChange(rec, kind, now)
	}
}

func (p *Protocol) handlePing(src string) {
	ack := p.buildMessage(MsgAck, p.queue.PopBatch(p.cfg.MaxPiggyback))
	p.sendTo(ack, src)
}

func (p *Protocol) handleAck(msg *Message) {
	if p.acks.clear(msg.SenderID) {
		p.mu.Lock()
		p.stats.AcksReceived++
		p.mu.Unlock()
		telemetry.AcksReceived.Inc()
	}
}

func (p *Protocol) handleJoin(msg *Message, srcIP, src string, now time.Time) {
	rec := Member{
		ID:         msg.SenderID,
		Role:       msg.SenderRole,
		Addr:       srcIP,
		GossipPort: msg.GossipPort,
		DataPort:   msg.DataPort,
		State:      StateAlive,
	}
	if msg.Type == MsgWorkerJoin {
		rec.Role = RoleWorker
	}
	// The joiner declares its incarnation in its own piggybacked record.
	for _, u := range msg.Updates {
		if u.Member.ID == msg.SenderID {
			rec.Incarnation = u.Member.Incarnation
			break
		}
	}

	outcome, _, err := p.table.Merge(rec, now)
	if err != nil {
		p.log.Warn("join rejected", zap.Uint32("node", uint32(rec.ID)), zap.Error(err))
		return
	}
	if outcome != MergeStale {
		got, _ := p.table.Get(rec.ID)
		p.log.Info("member joined",
			zap.Uint32("node", uint32(got.ID)),
			zap.String("role", got.Role.String()),
			zap.String("addr", got.GossipAddr()))
		p.recordChange(got, EventJoin, now)
	}

	p.sendTo(p.buildJoinResponse(), src)
}

// buildJoinResponse lists the alive routers (including this node, if it is
// one) for the joiner to bootstrap from.
func (p *Protocol) buildJoinResponse() *Message {
	self := p.Self()
	routers := make([]RouterDescriptor, 0, MaxRouters)
	if self.Role == RoleRouter {
		routers = append(routers, RouterDescriptor{
			ID:         self.ID,
			GossipAddr: self.GossipAddr(),
			DataAddr:   joinHostPort(self.Addr, self.DataPort),
		})
	}
	for _, m := range p.table.ListAlive(RoleRouter) {
		if m.ID == self.ID || len(routers) == MaxRouters {
			continue
		}
		routers = append(routers, RouterDescriptor{
			ID:         m.ID,
			GossipAddr: m.GossipAddr(),
			DataAddr:   joinHostPort(m.Addr, m.DataPort),
		})
	}
	msg := p.buildMessage(MsgJoinResponse, nil)
	msg.Routers = routers
	return msg
}

func (p *Protocol) handleJoinResponse(msg *Message, now time.Time) {
	selfID := p.Self().ID
	for _, r := range msg.Routers {
		if r.ID == selfID {
			continue
		}
		ip, gossipPort, err := splitHostPort(r.GossipAddr)
		if err != nil {
			continue
		}
		_, dataPort, _ := splitHostPort(r.DataAddr)
		rec := Member{
			ID:         r.ID,
			Role:       RoleRouter,
			Addr:       ip,
			GossipPort: gossipPort,
			DataPort:   dataPort,
			State:      StateAlive,
		}
		outcome, _, err := p.table.Merge(rec, now)
		if err != nil || outcome == MergeStale {
			continue
		}
		got, _ := p.table.Get(r.ID)
		p.recordChange(got, EventJoin, now)
	}
}

// handleLeave marks the sender dead immediately: an explicit leave skips
// the suspicion window.
func (p *Protocol) handleLeave(msg *Message, now time.Time) {
	m, ok := p.markDead(msg.SenderID, now)
	if !ok {
		return
	}
	p.log.Info("member left", zap.Uint32("node", uint32(m.ID)))
	p.recordChange(m, EventLeave, now)
}

func (p *Protocol) handleSuspect(subject *Update, src string, now time.Time) {
	if subject == nil {
		return
	}
	if subject.Member.ID == p.Self().ID {
		if subject.Member.Incarnation <= p.Incarnation() {
			self := p.refute(now)
			reply := p.buildMessage(MsgAlive, []Update{{Member: self, Timestamp: now}})
			p.sendTo(reply, src)
		}
		return
	}
	// For other nodes the suspicion follows the ordinary supersession
	// rule: suspect beats alive at the same incarnation.
	p.applyUpdate(*subject, now)
}

func (p *Protocol) handleAlive(subject *Update, now time.Time) {
	if subject == nil || subject.Member.ID == p.Self().ID {
		return
	}
	cur, ok := p.table.Get(subject.Member.ID)
	if !ok {
		p.applyUpdate(*subject, now)
		return
	}
	if subject.Member.Incarnation < cur.Incarnation {
		return
	}
	// An explicit ALIVE clears suspicion even at equal incarnation: it is
	// the refutation path, so it outranks the suspect-beats-alive tie-break
	// used for ordinary piggybacked records.
	if subject.Member.Incarnation > cur.Incarnation || cur.State != StateAlive {
		rec := subject.Member
		rec.State = StateAlive
		rec.LastUpdate = now
		if err := p.table.Upsert(rec); err != nil {
			return
		}
		got, _ := p.table.Get(rec.ID)
		p.recordChange(got, EventUpdate, now)
	}
}

func (p *Protocol) handleDead(subject *Update, src string, now time.Time) {
	if subject == nil {
		return
	}
	if subject.Member.ID == p.Self().ID {
		// Someone declared us dead; refute as with suspicion.
		if subject.Member.Incarnation >= p.Incarnation() {
			self := p.refute(now)
			reply := p.buildMessage(MsgAlive, []Update{{Member: self, Timestamp: now}})
			p.sendTo(reply, src)
		}
		return
	}
	m, ok := p.markDead(subject.Member.ID, now)
	if !ok {
		// Unknown node: record the death so we do not resurrect it from
		// older rumors.
		p.applyUpdate(*subject, now)
		return
	}
	p.recordChange(m, EventFailed, now)
}

// RunRound performs one protocol round: probe one random alive peer with a
// PING carrying the current piggyback batch. Leftover piggyback slots are
// filled with random table records, so a rumor that drained from the queue
// before reaching every node is still re-offered on later rounds.
func (p *Protocol) RunRound(now time.Time) {
	self := p.Self()
	var peers []Member
	for _, m := range p.table.ListAlive(RoleUnknown) {
		if m.ID != self.ID {
			peers = append(peers, m)
		}
	}
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]

	updates := p.fillAntiEntropy(p.queue.PopBatch(p.cfg.MaxPiggyback), now)
	ping := p.buildMessage(MsgPing, updates)
	if !p.acks.record(target.ID, now) {
		p.log.Warn("pending-ack table full", zap.Uint32("target", uint32(target.ID)))
	}
	p.mu.Lock()
	p.stats.PingsSent++
	p.mu.Unlock()
	telemetry.PingsSent.Inc()
	p.sendTo(ping, target.GossipAddr())
}

// fillAntiEntropy pads a piggyback batch with random table records up to the
// configured maximum, skipping nodes the batch already covers. Receivers
// discard anything stale under the supersession rule, so re-offering known
// state costs bytes, never correctness.
func (p *Protocol) fillAntiEntropy(updates []Update, now time.Time) []Update {
	if len(updates) >= p.cfg.MaxPiggyback {
		return updates
	}
	seen := make(map[NodeID]bool, len(updates))
	for _, u := range updates {
		seen[u.Member.ID] = true
	}
	snap := p.table.Snapshot()
	rand.Shuffle(len(snap), func(i, j int) { snap[i], snap[j] = snap[j], snap[i] })
	for _, m := range snap {
		if len(updates) >= p.cfg.MaxPiggyback {
			break
		}
		if seen[m.ID] {
			continue
		}
		updates = append(updates, Update{Member: m, Timestamp: now})
	}
	return updates
}

// CheckTimeouts sweeps the pending-ACK table and the suspect set: probes
// older than the ack timeout turn their target SUSPECT; members SUSPECT for
// longer than the dead timeout turn DEAD. Each transition fires exactly once
// because Transition is conditional on the prior state.
func (p *Protocol) CheckTimeouts(now time.Time) {
	selfID := p.Self().ID

	for _, id := range p.acks.expire(now, p.cfg.AckTimeout) {
		m, ok := p.table.Transition(id, StateAlive, StateSuspect, now)
		if !ok {
			continue
		}
		p.mu.Lock()
		p.stats.AckTimeouts++
		p.stats.Suspects++
		p.mu.Unlock()
		telemetry.AckTimeouts.Inc()
		p.log.Info("member suspected", zap.Uint32("node", uint32(m.ID)))
		p.recordChange(m, EventUpdate, now)
	}

	for _, m := range p.table.Snapshot() {
		if m.ID == selfID || m.State != StateSuspect {
			continue
		}
		if now.Sub(m.LastUpdate) <= p.cfg.DeadTimeout {
			continue
		}
		dead, ok := p.table.Transition(m.ID, StateSuspect, StateDead, now)
		if !ok {
			continue
		}
		p.mu.Lock()
		p.stats.Deaths++
		p.mu.Unlock()
		p.log.Info("member declared dead", zap.Uint32("node", uint32(dead.ID)))
		p.recordChange(dead, EventFailed, now)
	}
}

// AnnounceJoin inserts this node into its own table and sends a direct JOIN
// to every seed address.
func (p *Protocol) AnnounceJoin(seeds []string) {
	now := time.Now()
	self := p.Self()

	if err := p.table.Upsert(self); err != nil {
		p.log.Warn("could not record self in table", zap.Error(err))
	}
	p.enqueue(Update{Member: self, Timestamp: now})

	joinType := MsgJoin
	if self.Role == RoleWorker {
		joinType = MsgWorkerJoin
	}
	for _, seed := range seeds {
		msg := p.buildMessage(joinType, []Update{{Member: self, Timestamp: now}})
		p.sendTo(msg, seed)
	}
}

// AnnounceLeave marks this node dead locally and tells every alive peer
// directly, so the cluster converges without a suspicion window.
func (p *Protocol) AnnounceLeave() {
	now := time.Now()

	p.mu.Lock()
	p.self.State = StateDead
	self := p.self
	p.mu.Unlock()

	if err := p.table.UpdateStatus(self.ID, StateDead, self.Incarnation, now); err != nil {
		p.log.Debug("self not in table at leave", zap.Error(err))
	}
	p.enqueue(Update{Member: self, Timestamp: now})

	for _, m := range p.table.ListAlive(RoleUnknown) {
		if m.ID == self.ID {
			continue
		}
		msg := p.buildMessage(MsgLeave, []Update{{Member: self, Timestamp: now}})
		p.sendTo(msg, m.GossipAddr())
	}
}

// refute raises this node's incarnation past the offending rumor and
// disseminates the fresh alive record.
func (p *Protocol) refute(now time.Time) Member {
	p.mu.Lock()
	p.self.Incarnation++
	p.self.State = StateAlive
	self := p.self
	p.mu.Unlock()

	p.log.Info("refuting suspicion", zap.Uint64("incarnation", self.Incarnation))
	if err := p.table.Upsert(self); err != nil {
		p.log.Warn("could not record refutation in table", zap.Error(err))
	}
	p.enqueue(Update{Member: self, Timestamp: now})
	return self
}

// markDead moves a node to DEAD from whichever live state it is in.
func (p *Protocol) markDead(id NodeID, now time.Time) (Member, bool) {
	m, ok := p.table.Transition(id, StateAlive, StateDead, now)
	if !ok {
		m, ok = p.table.Transition(id, StateSuspect, StateDead, now)
	}
	if ok {
		p.mu.Lock()
		p.stats.Deaths++
		p.mu.Unlock()
	}
	return m, ok
}

// recordChange queues a changed record for dissemination, bumps the
// transition counters, and surfaces the event. Callers must not hold p.mu.
func (p *Protocol) recordChange(m Member, kind EventKind, now time.Time) {
	p.enqueue(Update{Member: m, Timestamp: now})
	telemetry.MemberTransitions.WithLabelValues(m.State.String()).Inc()
	if p.onEvent != nil {
		p.onEvent(Event{Kind: kind, Member: m})
	}
}

func (p *Protocol) enqueue(u Update) {
	if err := p.queue.Push(u); err != nil {
		p.mu.Lock()
		p.stats.DroppedUpdates++
		p.mu.Unlock()
		telemetry.DroppedUpdates.Inc()
		p.log.Debug("update dropped", zap.Uint32("node", uint32(u.Member.ID)))
	}
}

func (p *Protocol) buildMessage(t MsgType, updates []Update) *Message {
	p.mu.Lock()
	self := p.self
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	return &Message{
		Version:    ProtocolVersion,
		Type:       t,
		SenderID:   self.ID,
		SenderRole: self.Role,
		GossipPort: self.GossipPort,
		DataPort:   self.DataPort,
		Seq:        seq,
		Updates:    updates,
	}
}

func (p *Protocol) sendTo(msg *Message, addr string) {
	if p.send != nil {
		p.send(msg, addr)
	}
}
