package gossip

import "time"

// NodeID identifies a node within the cluster. IDs are assigned by the
// operator (or the scheduler) and are never reused while a process lives.
type NodeID uint32

// Role classifies a node within the fabric.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleRouter
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleRouter:
		return "router"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// State is a member's liveness state. The numeric order matters: when two
// updates carry the same incarnation, the higher state wins the merge
// (alive < suspect < dead).
type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// MsgType discriminates gossip datagrams.
type MsgType uint8

const (
	MsgPing MsgType = iota
	MsgAck
	MsgPingReq // reserved for indirect probing
	MsgSuspect
	MsgAlive
	MsgDead
	MsgJoin
	MsgLeave
	MsgWorkerJoin
	MsgJoinResponse
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgAck:
		return "ack"
	case MsgPingReq:
		return "ping-req"
	case MsgSuspect:
		return "suspect"
	case MsgAlive:
		return "alive"
	case MsgDead:
		return "dead"
	case MsgJoin:
		return "join"
	case MsgLeave:
		return "leave"
	case MsgWorkerJoin:
		return "worker-join"
	case MsgJoinResponse:
		return "join-response"
	default:
		return "invalid"
	}
}

// Member is one cluster member as seen by the local node.
type Member struct {
	ID          NodeID
	Role        Role
	Addr        string // IP in text form, at most 15 bytes
	GossipPort  uint16
	DataPort    uint16
	State       State
	Incarnation uint64
	LastUpdate  time.Time
}

// GossipAddr returns the host:port the member's gossip transport listens on.
func (m Member) GossipAddr() string {
	return joinHostPort(m.Addr, m.GossipPort)
}

// Update is a membership change record pending dissemination: a copy of the
// member record plus the time it was produced.
type Update struct {
	Member    Member
	Timestamp time.Time
}

// Message is a decoded gossip datagram. Updates carries the piggybacked
// membership records; for Suspect/Alive/Dead the first record names the
// subject of the message. Routers is populated only for MsgJoinResponse.
type Message struct {
	Version    uint8
	Type       MsgType
	Flags      uint16
	SenderID   NodeID
	SenderRole Role
	GossipPort uint16
	DataPort   uint16
	Seq        uint64
	Updates    []Update
	Routers    []RouterDescriptor
}

// RouterDescriptor is one entry of a bootstrap (join) response: a router's
// identity and its two reachable addresses.
type RouterDescriptor struct {
	ID         NodeID
	GossipAddr string
	DataAddr   string
}
