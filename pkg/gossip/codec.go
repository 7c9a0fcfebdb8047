package gossip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Wire layout (all multi-byte integers big-endian):
//
//	header:  version(1) type(1) flags(2) sender(4) role(1)
//	         gossipPort(2) dataPort(2) seq(8) count(1)        = 22 bytes
//	update:  id(4) role(1) ip-text(16) gossipPort(2)
//	         dataPort(2) state(1) incarnation(8) timestamp(8) = 42 bytes
//	router:  id(4) gossipAddr(24) dataAddr(24)                = 52 bytes
//
// A datagram is a header followed by count records; the record layout is
// update for every message type except MsgJoinResponse, which carries
// router descriptors instead. Everything fits well under MaxPayload so a
// full message never fragments on a standard-MTU path.
const (
	ProtocolVersion = 1

	// MaxPiggyback is the most update records one message may carry.
	MaxPiggyback = 10
	// MaxRouters is the most router descriptors a join response may carry.
	MaxRouters = 16
	// MaxPayload caps the encoded datagram size, staying under typical
	// UDP MTU without fragmentation.
	MaxPayload = 1400

	headerSize     = 22
	updateSize     = 42
	routerSize     = 52
	addrFieldSize  = 24
	ipTextSize     = 16
	maxIPTextLen   = ipTextSize
	maxAddrTextLen = addrFieldSize
)

var (
	// ErrMalformedMessage reports a datagram that fails wire validation.
	// The caller drops the datagram; no reply is sent.
	ErrMalformedMessage = errors.New("gossip: malformed message")
	// ErrTooManyUpdates reports an encode attempt with more piggybacked
	// records than the wire format allows.
	ErrTooManyUpdates = errors.New("gossip: too many piggybacked records")
)

// EncodeMessage serializes m into the fixed wire layout.
func EncodeMessage(m *Message) ([]byte, error) {
	var (
		count   int
		recSize int
	)
	if m.Type == MsgJoinResponse {
		count, recSize = len(m.Routers), routerSize
		if count > MaxRouters {
			return nil, ErrTooManyUpdates
		}
	} else {
		count, recSize = len(m.Updates), updateSize
		if count > MaxPiggyback {
			return nil, ErrTooManyUpdates
		}
	}

	buf := make([]byte, headerSize+count*recSize)
	buf[0] = ProtocolVersion
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[2:], m.Flags)
	binary.BigEndian.PutUint32(buf[4:], uint32(m.SenderID))
	buf[8] = byte(m.SenderRole)
	binary.BigEndian.PutUint16(buf[9:], m.GossipPort)
	binary.BigEndian.PutUint16(buf[11:], m.DataPort)
	binary.BigEndian.PutUint64(buf[13:], m.Seq)
	buf[21] = byte(count)

	off := headerSize
	if m.Type == MsgJoinResponse {
		for _, r := range m.Routers {
			if err := encodeRouter(buf[off:], r); err != nil {
				return nil, err
			}
			off += routerSize
		}
	} else {
		for _, u := range m.Updates {
			if err := encodeUpdate(buf[off:], u); err != nil {
				return nil, err
			}
			off += updateSize
		}
	}

	if len(buf) > MaxPayload {
		return nil, fmt.Errorf("gossip: encoded message %d bytes exceeds payload cap %d", len(buf), MaxPayload)
	}
	return buf, nil
}

// DecodeMessage parses a datagram, validating the header, declared record
// count, and total length before touching any record.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedMessage, len(b), headerSize)
	}
	if b[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedMessage, b[0])
	}

	m := &Message{
		Version:    b[0],
		Type:       MsgType(b[1]),
		Flags:      binary.BigEndian.Uint16(b[2:]),
		SenderID:   NodeID(binary.BigEndian.Uint32(b[4:])),
		SenderRole: Role(b[8]),
		GossipPort: binary.BigEndian.Uint16(b[9:]),
		DataPort:   binary.BigEndian.Uint16(b[11:]),
		Seq:        binary.BigEndian.Uint64(b[13:]),
	}

	count := int(b[21])
	rest := b[headerSize:]

	if m.Type == MsgJoinResponse {
		if count > MaxRouters || len(rest) != count*routerSize {
			return nil, fmt.Errorf("%w: %d routers, %d trailing bytes", ErrMalformedMessage, count, len(rest))
		}
		if count > 0 {
			m.Routers = make([]RouterDescriptor, count)
			for i := range m.Routers {
				m.Routers[i] = decodeRouter(rest[i*routerSize:])
			}
		}
		return m, nil
	}

	if count > MaxPiggyback || len(rest) != count*updateSize {
		return nil, fmt.Errorf("%w: %d updates, %d trailing bytes", ErrMalformedMessage, count, len(rest))
	}
	if count > 0 {
		m.Updates = make([]Update, count)
		for i := range m.Updates {
			m.Updates[i] = decodeUpdate(rest[i*updateSize:])
		}
	}
	return m, nil
}

func encodeUpdate(b []byte, u Update) error {
	if len(u.Member.Addr) > maxIPTextLen {
		return fmt.Errorf("gossip: IP text %q exceeds %d bytes", u.Member.Addr, maxIPTextLen)
	}
	binary.BigEndian.PutUint32(b[0:], uint32(u.Member.ID))
	b[4] = byte(u.Member.Role)
	copy(b[5:5+ipTextSize], zeroPad(u.Member.Addr, ipTextSize))
	binary.BigEndian.PutUint16(b[21:], u.Member.GossipPort)
	binary.BigEndian.PutUint16(b[23:], u.Member.DataPort)
	b[25] = byte(u.Member.State)
	binary.BigEndian.PutUint64(b[26:], u.Member.Incarnation)
	binary.BigEndian.PutUint64(b[34:], encodeTime(u.Timestamp))
	return nil
}

func decodeUpdate(b []byte) Update {
	return Update{
		Member: Member{
			ID:          NodeID(binary.BigEndian.Uint32(b[0:])),
			Role:        Role(b[4]),
			Addr:        trimZeros(b[5 : 5+ipTextSize]),
			GossipPort:  binary.BigEndian.Uint16(b[21:]),
			DataPort:    binary.BigEndian.Uint16(b[23:]),
			State:       State(b[25]),
			Incarnation: binary.BigEndian.Uint64(b[26:]),
		},
		Timestamp: decodeTime(binary.BigEndian.Uint64(b[34:])),
	}
}

func encodeRouter(b []byte, r RouterDescriptor) error {
	if len(r.GossipAddr) > maxAddrTextLen || len(r.DataAddr) > maxAddrTextLen {
		return fmt.Errorf("gossip: router address exceeds %d bytes", maxAddrTextLen)
	}
	binary.BigEndian.PutUint32(b[0:], uint32(r.ID))
	copy(b[4:4+addrFieldSize], zeroPad(r.GossipAddr, addrFieldSize))
	copy(b[4+addrFieldSize:4+2*addrFieldSize], zeroPad(r.DataAddr, addrFieldSize))
	return nil
}

func decodeRouter(b []byte) RouterDescriptor {
	return RouterDescriptor{
		ID:         NodeID(binary.BigEndian.Uint32(b[0:])),
		GossipAddr: trimZeros(b[4 : 4+addrFieldSize]),
		DataAddr:   trimZeros(b[4+addrFieldSize : 4+2*addrFieldSize]),
	}
}

// encodeTime maps the zero time to 0 so it survives a round trip.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func zeroPad(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func trimZeros(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func joinHostPort(host string, port uint16) string {
	return host + ":" + strconv.Itoa(int(port))
}

func splitHostPort(addr string) (host string, port uint16, err error) {
	h, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(ps, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return h, uint16(p), nil
}
