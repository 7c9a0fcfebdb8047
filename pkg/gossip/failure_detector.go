package gossip

import (
	"sync"
	"time"
)

// ackTable tracks outstanding probes awaiting acknowledgement. It has a
// fixed number of slots with at most one entry per target; an entry lives
// until the ACK arrives or the timeout sweep expires it.
type ackTable struct {
	mu    sync.Mutex
	slots []ackSlot
}

type ackSlot struct {
	target NodeID
	sentAt time.Time
	active bool
}

func newAckTable(slots int) *ackTable {
	if slots <= 0 {
		slots = 32
	}
	return &ackTable{slots: make([]ackSlot, slots)}
}

// record registers a probe sent to target at now. A target with a probe
// still outstanding keeps its original timestamp: re-probing must not extend
// the suspicion deadline, or a silent sole peer would be re-probed every
// round and never expire. Returns false when every slot is occupied by a
// different target; the caller counts the drop and moves on (a lost probe
// just means no suspicion timer for this round).
func (a *ackTable) record(target NodeID, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := -1
	for i := range a.slots {
		s := &a.slots[i]
		if s.active && s.target == target {
			return true
		}
		if !s.active && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return false
	}
	a.slots[free] = ackSlot{target: target, sentAt: now, active: true}
	return true
}

// clear drops the entry for target, returning whether one was active.
func (a *ackTable) clear(target NodeID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.slots {
		if a.slots[i].active && a.slots[i].target == target {
			a.slots[i] = ackSlot{}
			return true
		}
	}
	return false
}

// expire clears and returns every target whose probe is older than timeout.
func (a *ackTable) expire(now time.Time, timeout time.Duration) []NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []NodeID
	for i := range a.slots {
		s := &a.slots[i]
		if s.active && now.Sub(s.sentAt) > timeout {
			out = append(out, s.target)
			a.slots[i] = ackSlot{}
		}
	}
	return out
}
