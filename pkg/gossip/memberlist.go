package gossip

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrTableFull reports an insert into a table already at capacity.
	ErrTableFull = errors.New("gossip: member table full")
	// ErrNotFound reports an operation on a node the table does not know.
	ErrNotFound = errors.New("gossip: member not found")
)

// MergeOutcome tells the caller what applying an incoming record did.
type MergeOutcome int

const (
	// MergeStale: the record was older than what the table holds; no change.
	MergeStale MergeOutcome = iota
	// MergeAdded: the node was unknown and has been inserted.
	MergeAdded
	// MergeUpdated: an existing record was superseded.
	MergeUpdated
)

// Table is the local node's view of the cluster: one record per node,
// bounded capacity, shared-read/exclusive-write locking. Readers get copies;
// no lock handle ever escapes.
type Table struct {
	mu       sync.RWMutex
	capacity int
	members  map[NodeID]*Member
}

// NewTable creates a table that holds at most capacity members. The bound is
// fixed for the table's lifetime; inserting beyond it fails rather than
// evicting.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = 128
	}
	return &Table{
		capacity: capacity,
		members:  make(map[NodeID]*Member, capacity),
	}
}

// Upsert inserts rec, or replaces the stored record in full if the node is
// already known. Returns ErrTableFull when the node is new and the table is
// at capacity.
func (t *Table) Upsert(rec Member) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.members[rec.ID]; !ok && len(t.members) >= t.capacity {
		return ErrTableFull
	}
	cp := rec
	t.members[rec.ID] = &cp
	return nil
}

// Merge applies an incoming record under the supersession rule: a higher
// incarnation always wins; at equal incarnation the higher state wins
// (alive < suspect < dead). Stale records leave the table untouched.
// prev is the state the node had before the merge (meaningful for
// MergeUpdated only).
func (t *Table) Merge(rec Member, now time.Time) (outcome MergeOutcome, prev State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.members[rec.ID]
	if !ok {
		if len(t.members) >= t.capacity {
			return MergeStale, 0, ErrTableFull
		}
		cp := rec
		cp.LastUpdate = now
		t.members[rec.ID] = &cp
		return MergeAdded, 0, nil
	}

	if rec.Incarnation < cur.Incarnation {
		return MergeStale, cur.State, nil
	}
	if rec.Incarnation == cur.Incarnation && rec.State <= cur.State {
		return MergeStale, cur.State, nil
	}

	prev = cur.State
	cp := rec
	cp.LastUpdate = now
	t.members[rec.ID] = &cp
	return MergeUpdated, prev, nil
}

// UpdateStatus sets the state and incarnation of a known node. Returns
// ErrNotFound if the node is absent.
func (t *Table) UpdateStatus(id NodeID, s State, incarnation uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return ErrNotFound
	}
	m.State = s
	m.Incarnation = incarnation
	m.LastUpdate = now
	return nil
}

// Transition moves a node from one state to the next only if it is currently
// in the expected state, and returns the updated record. The check and the
// write happen under one lock acquisition, so concurrent sweeps cannot
// double-fire the same transition.
func (t *Table) Transition(id NodeID, from, to State, now time.Time) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok || m.State != from {
		return Member{}, false
	}
	m.State = to
	m.LastUpdate = now
	return *m, true
}

// Remove deletes the record for id, if any.
func (t *Table) Remove(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, id)
}

// Get returns a copy of the record for id.
func (t *Table) Get(id NodeID) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Len returns the number of records currently held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Snapshot returns a copy of every record.
func (t *Table) Snapshot() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	return out
}

// ListByRole returns copies of all records with the given role;
// RoleUnknown matches every role.
func (t *Table) ListByRole(role Role) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		if role == RoleUnknown || m.Role == role {
			out = append(out, *m)
		}
	}
	return out
}

// ListAlive returns copies of all alive records with the given role;
// RoleUnknown matches every role.
func (t *Table) ListAlive(role Role) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		if m.State != StateAlive {
			continue
		}
		if role == RoleUnknown || m.Role == role {
			out = append(out, *m)
		}
	}
	return out
}
