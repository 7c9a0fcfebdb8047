package gossip

import (
	"errors"
	"testing"
	"time"
)

func sampleMessage(n int) *Message {
	msg := &Message{
		Version:    ProtocolVersion,
		Type:       MsgPing,
		Flags:      0xBEEF,
		SenderID:   42,
		SenderRole: RoleRouter,
		GossipPort: 7946,
		DataPort:   7950,
		Seq:        1<<40 + 7,
	}
	base := time.Unix(1700000000, 123456789)
	for i := 0; i < n; i++ {
		msg.Updates = append(msg.Updates, Update{
			Member: Member{
				ID:          NodeID(100 + i),
				Role:        RoleWorker,
				Addr:        "192.168.100.25",
				GossipPort:  uint16(8000 + i),
				DataPort:    uint16(9000 + i),
				State:       State(i % 3),
				Incarnation: uint64(i) * 7,
			},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	for n := 0; n <= MaxPiggyback; n++ {
		msg := sampleMessage(n)
		data, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("n=%d encode: %v", n, err)
		}
		if len(data) != headerSize+n*updateSize {
			t.Fatalf("n=%d encoded %d bytes, want %d", n, len(data), headerSize+n*updateSize)
		}
		if len(data) > MaxPayload {
			t.Fatalf("n=%d exceeds payload cap", n)
		}

		got, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("n=%d decode: %v", n, err)
		}
		if got.Type != msg.Type || got.Flags != msg.Flags || got.SenderID != msg.SenderID ||
			got.SenderRole != msg.SenderRole || got.GossipPort != msg.GossipPort ||
			got.DataPort != msg.DataPort || got.Seq != msg.Seq {
			t.Fatalf("n=%d header mismatch: %+v", n, got)
		}
		if len(got.Updates) != n {
			t.Fatalf("n=%d decoded %d updates", n, len(got.Updates))
		}
		for i, u := range got.Updates {
			want := msg.Updates[i]
			if u.Member.ID != want.Member.ID || u.Member.Role != want.Member.Role ||
				u.Member.Addr != want.Member.Addr || u.Member.GossipPort != want.Member.GossipPort ||
				u.Member.DataPort != want.Member.DataPort || u.Member.State != want.Member.State ||
				u.Member.Incarnation != want.Member.Incarnation {
				t.Fatalf("n=%d update %d mismatch:\n got %+v\nwant %+v", n, i, u.Member, want.Member)
			}
			if !u.Timestamp.Equal(want.Timestamp) {
				t.Fatalf("n=%d update %d timestamp %v != %v", n, i, u.Timestamp, want.Timestamp)
			}
		}
	}
}

func TestEncodeRejectsTooManyUpdates(t *testing.T) {
	msg := sampleMessage(MaxPiggyback)
	msg.Updates = append(msg.Updates, msg.Updates[0])
	if _, err := EncodeMessage(msg); !errors.Is(err, ErrTooManyUpdates) {
		t.Fatalf("err = %v, want ErrTooManyUpdates", err)
	}
}

func TestEncodeRejectsOversizeAddr(t *testing.T) {
	msg := sampleMessage(1)
	msg.Updates[0].Member.Addr = "0123456789abcdef0" // 17 bytes
	if _, err := EncodeMessage(msg); err == nil {
		t.Fatal("encode accepted an IP text wider than the field")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeMessage(sampleMessage(2))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:headerSize-1]},
		{"truncated update", valid[:len(valid)-1]},
		{"trailing garbage", append(append([]byte{}, valid...), 0x00)},
		{"count exceeds max", func() []byte {
			b := append([]byte{}, valid...)
			b[21] = MaxPiggyback + 1
			return b
		}()},
		{"count/length mismatch", func() []byte {
			b := append([]byte{}, valid...)
			b[21] = 3
			return b
		}()},
		{"bad version", func() []byte {
			b := append([]byte{}, valid...)
			b[0] = 99
			return b
		}()},
	}
	for _, tc := range cases {
		if _, err := DecodeMessage(tc.data); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s: err = %v, want ErrMalformedMessage", tc.name, err)
		}
	}

	if _, err := DecodeMessage(valid); err != nil {
		t.Fatalf("valid buffer rejected: %v", err)
	}
}

func TestJoinResponseRoundTrip(t *testing.T) {
	msg := &Message{
		Version:    ProtocolVersion,
		Type:       MsgJoinResponse,
		SenderID:   7,
		SenderRole: RoleRouter,
		GossipPort: 7946,
		DataPort:   7950,
		Seq:        99,
	}
	for i := 0; i < MaxRouters; i++ {
		msg.Routers = append(msg.Routers, RouterDescriptor{
			ID:         NodeID(i + 1),
			GossipAddr: "10.20.30.40:7946",
			DataAddr:   "10.20.30.40:7950",
		})
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) > MaxPayload {
		t.Fatalf("join response %d bytes exceeds payload cap", len(data))
	}

	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Routers) != MaxRouters {
		t.Fatalf("decoded %d routers", len(got.Routers))
	}
	for i, r := range got.Routers {
		if r != msg.Routers[i] {
			t.Fatalf("router %d = %+v, want %+v", i, r, msg.Routers[i])
		}
	}

	// One router too many must be rejected on encode.
	msg.Routers = append(msg.Routers, RouterDescriptor{ID: 99})
	if _, err := EncodeMessage(msg); !errors.Is(err, ErrTooManyUpdates) {
		t.Fatalf("err = %v, want ErrTooManyUpdates", err)
	}
}
