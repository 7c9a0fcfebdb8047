package gossip

import (
	"errors"
	"testing"
	"time"
)

func member(id NodeID, state State, inc uint64) Member {
	return Member{
		ID:          id,
		Role:        RoleWorker,
		Addr:        "127.0.0.1",
		GossipPort:  7946,
		DataPort:    7950,
		State:       state,
		Incarnation: inc,
	}
}

func TestTableUpsertGetRemove(t *testing.T) {
	tbl := NewTable(4)

	if err := tbl.Upsert(member(1, StateAlive, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, ok := tbl.Get(1)
	if !ok || got.ID != 1 || got.State != StateAlive {
		t.Fatalf("Get(1) = %+v, %v", got, ok)
	}

	// Upsert for a known node replaces, never duplicates.
	if err := tbl.Upsert(member(1, StateSuspect, 3)); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
	got, _ = tbl.Get(1)
	if got.State != StateSuspect || got.Incarnation != 3 {
		t.Fatalf("record not replaced: %+v", got)
	}

	tbl.Remove(1)
	if _, ok := tbl.Get(1); ok {
		t.Fatal("Get(1) ok after Remove")
	}
}

func TestTableCapacity(t *testing.T) {
	tbl := NewTable(2)
	if err := tbl.Upsert(member(1, StateAlive, 0)); err != nil {
		t.Fatalf("Upsert(1): %v", err)
	}
	if err := tbl.Upsert(member(2, StateAlive, 0)); err != nil {
		t.Fatalf("Upsert(2): %v", err)
	}
	if err := tbl.Upsert(member(3, StateAlive, 0)); !errors.Is(err, ErrTableFull) {
		t.Fatalf("Upsert(3) err = %v, want ErrTableFull", err)
	}
	// Replacing an existing record still works at capacity.
	if err := tbl.Upsert(member(2, StateDead, 1)); err != nil {
		t.Fatalf("Upsert replace at capacity: %v", err)
	}
}

func TestTableMergeSupersession(t *testing.T) {
	now := time.Now()
	tbl := NewTable(8)

	outcome, _, err := tbl.Merge(member(1, StateAlive, 5), now)
	if err != nil || outcome != MergeAdded {
		t.Fatalf("first merge = %v, %v", outcome, err)
	}

	// Lower incarnation never changes the table.
	outcome, _, _ = tbl.Merge(member(1, StateDead, 4), now)
	if outcome != MergeStale {
		t.Fatalf("stale merge outcome = %v", outcome)
	}
	got, _ := tbl.Get(1)
	if got.State != StateAlive || got.Incarnation != 5 {
		t.Fatalf("stale merge changed record: %+v", got)
	}

	// Equal incarnation: higher state wins.
	outcome, prev, _ := tbl.Merge(member(1, StateSuspect, 5), now)
	if outcome != MergeUpdated || prev != StateAlive {
		t.Fatalf("suspect merge = %v prev=%v", outcome, prev)
	}
	// ...but not the other way around.
	outcome, _, _ = tbl.Merge(member(1, StateAlive, 5), now)
	if outcome != MergeStale {
		t.Fatalf("alive-at-equal-incarnation merge = %v, want stale", outcome)
	}

	// Higher incarnation always wins.
	outcome, prev, _ = tbl.Merge(member(1, StateAlive, 6), now)
	if outcome != MergeUpdated || prev != StateSuspect {
		t.Fatalf("refutation merge = %v prev=%v", outcome, prev)
	}
}

func TestTableTransitionConditional(t *testing.T) {
	now := time.Now()
	tbl := NewTable(8)
	if err := tbl.Upsert(member(1, StateAlive, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, ok := tbl.Transition(1, StateAlive, StateSuspect, now); !ok {
		t.Fatal("alive->suspect did not apply")
	}
	// Second attempt must not fire: the node is no longer alive.
	if _, ok := tbl.Transition(1, StateAlive, StateSuspect, now); ok {
		t.Fatal("alive->suspect applied twice")
	}
	if _, ok := tbl.Transition(1, StateSuspect, StateDead, now); !ok {
		t.Fatal("suspect->dead did not apply")
	}
	if _, ok := tbl.Transition(1, StateSuspect, StateDead, now); ok {
		t.Fatal("suspect->dead applied twice")
	}
	if _, ok := tbl.Transition(99, StateAlive, StateSuspect, now); ok {
		t.Fatal("transition on unknown node applied")
	}
}

func TestTableListFilters(t *testing.T) {
	tbl := NewTable(8)
	records := []Member{
		{ID: 1, Role: RoleRouter, State: StateAlive},
		{ID: 2, Role: RoleRouter, State: StateSuspect},
		{ID: 3, Role: RoleWorker, State: StateAlive},
		{ID: 4, Role: RoleWorker, State: StateDead},
	}
	for _, m := range records {
		if err := tbl.Upsert(m); err != nil {
			t.Fatalf("Upsert(%d): %v", m.ID, err)
		}
	}

	if got := len(tbl.ListByRole(RoleRouter)); got != 2 {
		t.Fatalf("ListByRole(router) = %d, want 2", got)
	}
	if got := len(tbl.ListByRole(RoleUnknown)); got != 4 {
		t.Fatalf("ListByRole(unknown) = %d, want 4", got)
	}
	if got := len(tbl.ListAlive(RoleUnknown)); got != 2 {
		t.Fatalf("ListAlive(any) = %d, want 2", got)
	}
	if got := tbl.ListAlive(RoleWorker); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("ListAlive(worker) = %+v", got)
	}
}

func TestTableSnapshotIsCopy(t *testing.T) {
	tbl := NewTable(4)
	if err := tbl.Upsert(member(1, StateAlive, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	snap := tbl.Snapshot()
	snap[0].State = StateDead

	got, _ := tbl.Get(1)
	if got.State != StateAlive {
		t.Fatal("mutating a snapshot changed the table")
	}
}
