package dtx

import (
	"errors"
	"testing"
	"time"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
)

func TestLifecycleCommit(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(42, []uint32{0, 3})

	if state, _ := tbl.ResolveDTX(id); state != vformat.DTXActive {
		t.Fatalf("state after Begin = %v", state)
	}
	if err := tbl.MarkCommittable(id); err != nil {
		t.Fatalf("MarkCommittable: %v", err)
	}
	if err := tbl.Commit(id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	state, epoch := tbl.ResolveDTX(id)
	if state != vformat.DTXCommitted || epoch != 42 {
		t.Errorf("ResolveDTX = (%v, %d), want (Committed, 42)", state, epoch)
	}
}

func TestCommitRequiresCommittable(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(1, nil)
	if err := tbl.Commit(id); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Commit from Active = %v, want ErrBadTransition", err)
	}
}

func TestAbortFromActiveAndCommittable(t *testing.T) {
	tbl := NewTable()

	a := tbl.Begin(1, nil)
	if err := tbl.Abort(a); err != nil {
		t.Fatalf("Abort from Active: %v", err)
	}

	b := tbl.Begin(2, nil)
	_ = tbl.MarkCommittable(b)
	if err := tbl.Abort(b); err != nil {
		t.Fatalf("Abort from Committable: %v", err)
	}

	// Aborted transactions cannot come back.
	if err := tbl.MarkCommittable(a); !errors.Is(err, ErrBadTransition) {
		t.Errorf("MarkCommittable after Abort = %v", err)
	}
}

func TestTransitionsAreIdempotent(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(1, nil)
	_ = tbl.MarkCommittable(id)
	if err := tbl.MarkCommittable(id); err != nil {
		t.Errorf("repeat MarkCommittable: %v", err)
	}
	_ = tbl.Commit(id)
	if err := tbl.Commit(id); err != nil {
		t.Errorf("repeat Commit: %v", err)
	}

	id2 := tbl.Begin(2, nil)
	_ = tbl.Abort(id2)
	if err := tbl.Abort(id2); err != nil {
		t.Errorf("repeat Abort: %v", err)
	}
}

func TestUnknownIDResolvesAborted(t *testing.T) {
	tbl := NewTable()
	state, _ := tbl.ResolveDTX(uuid.New())
	if state != vformat.DTXAborted {
		t.Errorf("unknown id resolved as %v, want Aborted", state)
	}
	if _, err := tbl.Lookup(uuid.New()); !errors.Is(err, ErrUnknownDTX) {
		t.Errorf("Lookup unknown = %v, want ErrUnknownDTX", err)
	}
}

func TestRefsTrackProvisionalRecords(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(7, nil)
	obj := vformat.ObjectID{Hi: 1}

	ref := Ref{Entity: vformat.AkeyPath(obj, "d", "a"), Epoch: 7}
	if err := tbl.AddRef(id, ref); err != nil {
		t.Fatalf("AddRef: %v", err)
	}

	_ = tbl.MarkCommittable(id)
	if err := tbl.AddRef(id, ref); !errors.Is(err, ErrBadTransition) {
		t.Errorf("AddRef after MarkCommittable = %v", err)
	}

	rec, _ := tbl.Lookup(id)
	if refs := rec.Refs(); len(refs) != 1 || refs[0] != ref {
		t.Errorf("Refs = %+v", refs)
	}
}

func TestAbortedListing(t *testing.T) {
	tbl := NewTable()
	a := tbl.Begin(1, nil)
	tbl.Begin(2, nil) // stays active
	_ = tbl.Abort(a)

	aborted := tbl.Aborted()
	if len(aborted) != 1 || aborted[0].ID != a {
		t.Errorf("Aborted = %+v", aborted)
	}
}

func TestStaleActive(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(1, nil)

	if got := tbl.StaleActive(time.Hour); len(got) != 0 {
		t.Errorf("fresh transaction listed as stale: %v", got)
	}
	if got := tbl.StaleActive(0); len(got) != 1 || got[0] != id {
		t.Errorf("StaleActive(0) = %v, want [%s]", got, id)
	}

	_ = tbl.MarkCommittable(id)
	_ = tbl.Commit(id)
	if got := tbl.StaleActive(0); len(got) != 0 {
		t.Errorf("committed transaction listed as stale: %v", got)
	}
}

func TestRemove(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(1, nil)

	if err := tbl.Remove(id); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Remove active = %v, want ErrBadTransition", err)
	}
	_ = tbl.Abort(id)
	if err := tbl.Remove(id); err != nil {
		t.Fatalf("Remove aborted: %v", err)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after Remove", tbl.Len())
	}
}

func TestRecordEncodeDecode(t *testing.T) {
	tbl := NewTable()
	id := tbl.Begin(99, []uint32{4, 9, 16})
	rec, _ := tbl.Lookup(id)
	_ = tbl.MarkCommittable(id)
	_ = tbl.Commit(id)

	decoded, err := DecodeRecord(rec.Encode())
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if decoded.ID != id {
		t.Errorf("ID = %s, want %s", decoded.ID, id)
	}
	if decoded.State != vformat.DTXCommitted {
		t.Errorf("State = %v", decoded.State)
	}
	if decoded.Epoch != 99 {
		t.Errorf("Epoch = %d", decoded.Epoch)
	}
	if len(decoded.Participants) != 3 || decoded.Participants[2] != 16 {
		t.Errorf("Participants = %v", decoded.Participants)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeRecord accepted truncated input")
	}
	tbl := NewTable()
	rec, _ := tbl.Lookup(tbl.Begin(1, nil))
	enc := rec.Encode()
	enc[0] = 200 // bad version
	if _, err := DecodeRecord(enc); err == nil {
		t.Error("DecodeRecord accepted bad version")
	}
}

func TestCommittedBefore(t *testing.T) {
	tbl := NewTable()
	early := tbl.Begin(10, nil)
	_ = tbl.MarkCommittable(early)
	_ = tbl.Commit(early)
	late := tbl.Begin(50, nil)
	_ = tbl.MarkCommittable(late)
	_ = tbl.Commit(late)
	open := tbl.Begin(5, nil)

	got := tbl.CommittedBefore(30)
	if len(got) != 1 || got[0] != early {
		t.Errorf("CommittedBefore(30) = %v, want [%s]", got, early)
	}
	// The boundary is exclusive and state matters: neither the later
	// commit nor the active transaction qualifies.
	if got := tbl.CommittedBefore(50); len(got) != 1 {
		t.Errorf("CommittedBefore(50) = %v", got)
	}
	_ = open
}

func TestSnapshotListsEveryRecord(t *testing.T) {
	tbl := NewTable()
	a := tbl.Begin(1, nil)
	b := tbl.Begin(2, nil)
	_ = tbl.Abort(b)

	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	seen := map[vformat.DTXID]bool{}
	for _, rec := range snap {
		seen[rec.ID] = true
	}
	if !seen[a] || !seen[b] {
		t.Errorf("Snapshot missing records: %v", seen)
	}
}
