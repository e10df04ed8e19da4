package extent

import (
	"errors"
	"testing"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
)

type tableResolver map[vformat.DTXID]vformat.DTXState

func (r tableResolver) ResolveDTX(id vformat.DTXID) (vformat.DTXState, vformat.Epoch) {
	return r[id], 0
}

func data(start, end uint64, epoch vformat.Epoch) *Extent {
	return &Extent{Start: start, End: end, Epoch: epoch}
}

func punch(start, end uint64, epoch vformat.Epoch) *Extent {
	return &Extent{Start: start, End: end, Epoch: epoch, Punch: true}
}

// wantSlices compares a read result against (start, end, epoch) triples;
// epoch 0 denotes a hole.
func wantSlices(t *testing.T, got []Slice, want [][3]uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d slices, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		s := got[i]
		if s.Start != w[0] || s.End != w[1] {
			t.Errorf("slice %d = [%d,%d), want [%d,%d)", i, s.Start, s.End, w[0], w[1])
		}
		if w[2] == 0 {
			if !s.IsHole() {
				t.Errorf("slice %d: want hole, got extent at epoch %d", i, s.Ext.Epoch)
			}
		} else if s.IsHole() || uint64(s.Ext.Epoch) != w[2] {
			t.Errorf("slice %d: want epoch %d, got %+v", i, w[2], s.Ext)
		}
	}
}

func TestReadEmptyTreeIsOneHole(t *testing.T) {
	tr := New()
	got, err := tr.Read(10, 0, 100, vformat.NilDTX, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSlices(t, got, [][3]uint64{{0, 100, 0}})
}

func TestInvalidRange(t *testing.T) {
	tr := New()
	if err := tr.Insert(data(10, 10, 1)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Insert empty range = %v", err)
	}
	if _, err := tr.Read(1, 20, 10, vformat.NilDTX, nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Read inverted range = %v", err)
	}
}

// The overlap scenario: write [0,100) at epoch 5, write [50,150) at epoch
// 10. A read at 10 sees the newer write win over [50,100); a read at 5
// sees only the first write and a trailing hole.
func TestEpochOverlapResolution(t *testing.T) {
	tr := New()
	if err := tr.Insert(data(0, 100, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(data(50, 150, 10)); err != nil {
		t.Fatal(err)
	}

	at10, err := tr.Read(10, 0, 150, vformat.NilDTX, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSlices(t, at10, [][3]uint64{{0, 50, 5}, {50, 150, 10}})

	at5, err := tr.Read(5, 0, 150, vformat.NilDTX, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSlices(t, at5, [][3]uint64{{0, 100, 5}, {100, 150, 0}})
}

func TestPayloadOffsetAfterSplit(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(data(50, 150, 10))

	got, _ := tr.Read(10, 60, 80, vformat.NilDTX, nil)
	wantSlices(t, got, [][3]uint64{{60, 80, 10}})
	if off := got[0].PayloadOffset(); off != 10 {
		t.Errorf("PayloadOffset = %d, want 10", off)
	}
}

func TestNonOverlappingWritesUnion(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 10, 1))
	_ = tr.Insert(data(10, 20, 2))
	_ = tr.Insert(data(30, 40, 3))

	got, _ := tr.Read(vformat.MaxEpoch, 0, 40, vformat.NilDTX, nil)
	wantSlices(t, got, [][3]uint64{{0, 10, 1}, {10, 20, 2}, {20, 30, 0}, {30, 40, 3}})
}

func TestPunchSuppressesAndIsSuperseded(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(punch(20, 60, 10))
	_ = tr.Insert(data(40, 50, 15))

	// At 10 the punch hides [20,60).
	at10, _ := tr.Read(10, 0, 100, vformat.NilDTX, nil)
	wantSlices(t, at10, [][3]uint64{{0, 20, 5}, {20, 60, 0}, {60, 100, 5}})

	// At 15 the later write restores [40,50) inside the punched range.
	at15, _ := tr.Read(15, 0, 100, vformat.NilDTX, nil)
	wantSlices(t, at15, [][3]uint64{{0, 20, 5}, {20, 40, 0}, {40, 50, 15}, {50, 60, 0}, {60, 100, 5}})

	// Before the punch nothing is hidden.
	at5, _ := tr.Read(5, 0, 100, vformat.NilDTX, nil)
	wantSlices(t, at5, [][3]uint64{{0, 100, 5}})
}

func TestProvisionalExtentVisibility(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXActive}

	tr := New()
	_ = tr.Insert(data(0, 50, 5))
	_ = tr.Insert(&Extent{Start: 0, End: 50, Epoch: 10, DTX: id})

	// Foreign readers see the committed write only.
	got, _ := tr.Read(20, 0, 50, vformat.NilDTX, res)
	wantSlices(t, got, [][3]uint64{{0, 50, 5}})

	// The owner sees its own provisional write.
	got, _ = tr.Read(20, 0, 50, id, res)
	wantSlices(t, got, [][3]uint64{{0, 50, 10}})

	// Commit flips visibility for everyone.
	res[id] = vformat.DTXCommitted
	got, _ = tr.Read(20, 0, 50, vformat.NilDTX, res)
	wantSlices(t, got, [][3]uint64{{0, 50, 10}})
}

func TestRemoveDTX(t *testing.T) {
	id := uuid.New()
	tr := New()
	_ = tr.Insert(data(0, 50, 5))
	_ = tr.Insert(&Extent{Start: 0, End: 30, Epoch: 10, DTX: id})
	_ = tr.Insert(&Extent{Start: 60, End: 90, Epoch: 11, DTX: id})

	removed := tr.RemoveDTX(id)
	if len(removed) != 2 {
		t.Fatalf("RemoveDTX removed %d, want 2", len(removed))
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}

func TestCompactReclaimsSuperseded(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(data(0, 100, 10)) // fully supersedes epoch 5

	removed := tr.Compact(20, nil)
	if len(removed) != 1 || removed[0].Epoch != 5 {
		t.Fatalf("Compact removed %+v, want the epoch-5 extent", removed)
	}

	// The surviving extent still answers reads at the boundary.
	got, _ := tr.Read(20, 0, 100, vformat.NilDTX, nil)
	wantSlices(t, got, [][3]uint64{{0, 100, 10}})
}

func TestCompactKeepsPartiallyVisibleExtent(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(data(50, 150, 10)) // covers only [50,100) of the older write

	removed := tr.Compact(20, nil)
	if len(removed) != 0 {
		t.Fatalf("Compact removed %+v, want nothing", removed)
	}
}

func TestCompactRespectsBoundary(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(data(0, 100, 30)) // above the boundary

	// The newer write is beyond the boundary; a reader at the boundary
	// still needs epoch 5.
	removed := tr.Compact(20, nil)
	if len(removed) != 0 {
		t.Fatalf("Compact removed %+v, want nothing", removed)
	}
}

func TestCompactPunchAndCoveredData(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(punch(0, 100, 10))

	removed := tr.Compact(20, nil)
	if len(removed) != 2 {
		t.Fatalf("Compact removed %d extents, want 2 (data and punch)", len(removed))
	}
	got, _ := tr.Read(20, 0, 100, vformat.NilDTX, nil)
	wantSlices(t, got, [][3]uint64{{0, 100, 0}})
}

func TestCompactIdempotent(t *testing.T) {
	tr := New()
	_ = tr.Insert(data(0, 100, 5))
	_ = tr.Insert(data(0, 100, 10))
	_ = tr.Insert(data(20, 40, 15))

	first := tr.Compact(20, nil)
	second := tr.Compact(20, nil)
	if len(first) == 0 {
		t.Error("first Compact reclaimed nothing")
	}
	if len(second) != 0 {
		t.Errorf("second Compact reclaimed %d extents", len(second))
	}
}

func TestCompactReclaimsAbortedResidue(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXAborted}

	tr := New()
	_ = tr.Insert(data(0, 50, 5))
	_ = tr.Insert(&Extent{Start: 0, End: 50, Epoch: 100, DTX: id})

	// Aborted residue is reclaimed even above the boundary.
	removed := tr.Compact(10, res)
	if len(removed) != 1 || removed[0].DTX != id {
		t.Fatalf("Compact removed %+v, want the aborted extent", removed)
	}
}

func TestCompactLeavesUnresolvedAlone(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXActive}

	tr := New()
	_ = tr.Insert(&Extent{Start: 0, End: 50, Epoch: 5, DTX: id})
	_ = tr.Insert(data(0, 50, 10))

	if removed := tr.Compact(20, res); len(removed) != 0 {
		t.Fatalf("Compact removed %+v from under an active transaction", removed)
	}
}
