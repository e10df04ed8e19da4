package keyindex

import (
	"errors"
	"testing"

	"github.com/aalhour/vostore/internal/arena"
	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/ilog"
	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
)

type tableResolver map[vformat.DTXID]vformat.DTXState

func (r tableResolver) ResolveDTX(id vformat.DTXID) (vformat.DTXState, vformat.Epoch) {
	return r[id], 0
}

func newTree() *Tree {
	return New(arena.New())
}

func obj(n uint64) vformat.ObjectID {
	return vformat.ObjectID{Lo: n}
}

func write(t *testing.T, tr *Tree, id vformat.ObjectID, dkey, akey string, epoch vformat.Epoch, payload string) {
	t.Helper()
	ak, err := tr.PreparePath(id, vformat.ClassSingleValue, dkey, akey, epoch, vformat.NilDTX, false, nil)
	if err != nil {
		t.Fatalf("PreparePath: %v", err)
	}
	desc := vformat.ValueDesc{Epoch: epoch, Size: uint64(len(payload)), Inline: []byte(payload)}
	if err := ak.AddVersion(desc); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "hello")

	ak, err := tr.LookupPath(obj(1), "d", "a", 10, vformat.NilDTX, nil)
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	desc, ok := ak.ValueAt(10, vformat.NilDTX, nil)
	if !ok {
		t.Fatal("ValueAt found nothing")
	}
	if string(desc.Inline) != "hello" {
		t.Errorf("Inline = %q, want hello", desc.Inline)
	}
}

func TestLookupBeforeCreateIsNotFound(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "v")

	if _, err := tr.LookupPath(obj(1), "d", "a", 5, vformat.NilDTX, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupPath before create = %v, want ErrNotFound", err)
	}
	if _, err := tr.LookupPath(obj(2), "d", "a", 10, vformat.NilDTX, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupPath missing object = %v, want ErrNotFound", err)
	}
}

func TestVersionChainPicksNewestAtOrBelow(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "v10")
	write(t, tr, obj(1), "d", "a", 20, "v20")
	write(t, tr, obj(1), "d", "a", 30, "v30")

	ak, _ := tr.LookupPath(obj(1), "d", "a", 25, vformat.NilDTX, nil)
	desc, ok := ak.ValueAt(25, vformat.NilDTX, nil)
	if !ok || string(desc.Inline) != "v20" {
		t.Errorf("ValueAt(25) = %q, %v; want v20", desc.Inline, ok)
	}
	if _, ok := ak.ValueAt(5, vformat.NilDTX, nil); ok {
		t.Error("ValueAt(5) found a version before the first write")
	}
}

func TestDuplicateEpochRejected(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "v")

	ak, _ := tr.LookupPath(obj(1), "d", "a", 10, vformat.NilDTX, nil)
	err := ak.AddVersion(vformat.ValueDesc{Epoch: 10, Inline: []byte("again")})
	if !errors.Is(err, ErrVersionExists) {
		t.Errorf("AddVersion at occupied epoch = %v, want ErrVersionExists", err)
	}
}

func TestPunchLevels(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d1", "a1", 10, "v")
	write(t, tr, obj(1), "d2", "a1", 10, "v")

	// Punch one dkey: its akeys vanish, the sibling survives.
	if err := tr.Punch(vformat.DkeyPath(obj(1), "d1"), 20, vformat.NilDTX); err != nil {
		t.Fatalf("Punch dkey: %v", err)
	}
	if _, err := tr.LookupPath(obj(1), "d1", "a1", 25, vformat.NilDTX, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup under punched dkey = %v", err)
	}
	if _, err := tr.LookupPath(obj(1), "d2", "a1", 25, vformat.NilDTX, nil); err != nil {
		t.Errorf("lookup of sibling dkey = %v", err)
	}
	// The punched dkey is still there for readers below the punch.
	if _, err := tr.LookupPath(obj(1), "d1", "a1", 15, vformat.NilDTX, nil); err != nil {
		t.Errorf("lookup below punch = %v", err)
	}

	// Punch the whole object.
	if err := tr.Punch(vformat.ObjectPath(obj(1)), 30, vformat.NilDTX); err != nil {
		t.Fatalf("Punch object: %v", err)
	}
	if _, err := tr.LookupPath(obj(1), "d2", "a1", 35, vformat.NilDTX, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup under punched object = %v", err)
	}
}

func TestPunchNonexistentIsNotFound(t *testing.T) {
	tr := newTree()
	if err := tr.Punch(vformat.ObjectPath(obj(9)), 10, vformat.NilDTX); !errors.Is(err, ErrNotFound) {
		t.Errorf("Punch missing object = %v, want ErrNotFound", err)
	}
	write(t, tr, obj(1), "d", "a", 10, "v")
	if err := tr.Punch(vformat.AkeyPath(obj(1), "d", "zzz"), 20, vformat.NilDTX); !errors.Is(err, ErrNotFound) {
		t.Errorf("Punch missing akey = %v, want ErrNotFound", err)
	}
}

func TestRecreateAfterPunch(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "old")
	_ = tr.Punch(vformat.AkeyPath(obj(1), "d", "a"), 20, vformat.NilDTX)
	write(t, tr, obj(1), "d", "a", 30, "new")

	ak, err := tr.LookupPath(obj(1), "d", "a", 35, vformat.NilDTX, nil)
	if err != nil {
		t.Fatalf("LookupPath after recreate: %v", err)
	}
	desc, ok := ak.ValueAt(35, vformat.NilDTX, nil)
	if !ok || string(desc.Inline) != "new" {
		t.Errorf("ValueAt after recreate = %q, %v", desc.Inline, ok)
	}
	// The old value is reachable below the punch.
	desc, ok = ak.ValueAt(15, vformat.NilDTX, nil)
	if !ok || string(desc.Inline) != "old" {
		t.Errorf("ValueAt below punch = %q, %v", desc.Inline, ok)
	}
}

func TestClassAndShapeMismatch(t *testing.T) {
	tr := newTree()
	if _, err := tr.EnsureObject(obj(1), vformat.ClassSingleValue); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.EnsureObject(obj(1), vformat.ClassArray); !errors.Is(err, ErrClassMismatch) {
		t.Errorf("EnsureObject with other class = %v", err)
	}

	write(t, tr, obj(2), "d", "a", 10, "v")
	obj2, _ := tr.GetObject(obj(2))
	dk, _ := obj2.GetDkey("d")
	if _, err := dk.EnsureAkey("a", true); !errors.Is(err, ErrClassMismatch) {
		t.Errorf("EnsureAkey array over single-value = %v", err)
	}
}

func TestArrayAkeyHoldsExtents(t *testing.T) {
	tr := newTree()
	ak, err := tr.PreparePath(obj(1), vformat.ClassArray, "d", "a", 10, vformat.NilDTX, true, nil)
	if err != nil {
		t.Fatalf("PreparePath: %v", err)
	}
	if !ak.IsArray() {
		t.Fatal("akey is not an array")
	}
	if err := ak.Extents.Insert(&extent.Extent{Start: 0, End: 64, Epoch: 10}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := ak.AddVersion(vformat.ValueDesc{Epoch: 10}); !errors.Is(err, ErrClassMismatch) {
		t.Errorf("AddVersion on array akey = %v", err)
	}
}

func TestProvisionalVisibility(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXActive}

	tr := newTree()
	ak, err := tr.PreparePath(obj(1), vformat.ClassSingleValue, "d", "a", 10, id, false, res)
	if err != nil {
		t.Fatalf("PreparePath: %v", err)
	}
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 10, DTX: id, Inline: []byte("prov")})

	// Foreign readers see nothing, not even the path.
	if _, err := tr.LookupPath(obj(1), "d", "a", 20, vformat.NilDTX, res); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign lookup of provisional path = %v", err)
	}
	// The owner reads its own write.
	own, err := tr.LookupPath(obj(1), "d", "a", 20, id, res)
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if desc, ok := own.ValueAt(20, id, res); !ok || string(desc.Inline) != "prov" {
		t.Errorf("owner ValueAt = %q, %v", desc.Inline, ok)
	}

	// Commit flips visibility for everyone.
	res[id] = vformat.DTXCommitted
	if _, err := tr.LookupPath(obj(1), "d", "a", 20, vformat.NilDTX, res); err != nil {
		t.Errorf("lookup after commit = %v", err)
	}
}

func TestRemoveDTXStripsEverything(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXActive}

	tr := newTree()
	write(t, tr, obj(1), "d", "a", 5, "keep")
	ak, _ := tr.LookupPath(obj(1), "d", "a", 5, vformat.NilDTX, nil)
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 10, DTX: id, Size: 4, Inline: []byte("gone")})

	arr, _ := tr.PreparePath(obj(2), vformat.ClassArray, "d", "a", 10, id, true, res)
	_ = arr.Extents.Insert(&extent.Extent{Start: 0, End: 64, Epoch: 10, DTX: id})

	freed, refs, extents := tr.RemoveDTX(id)
	if freed != 4 {
		t.Errorf("freed = %d, want 4", freed)
	}
	if len(refs) != 0 {
		t.Errorf("removed %d payload refs, want 0 (all inline)", len(refs))
	}
	if len(extents) != 1 {
		t.Errorf("removed %d extents, want 1", len(extents))
	}

	// The committed value survives.
	if desc, ok := ak.ValueAt(20, vformat.NilDTX, nil); !ok || string(desc.Inline) != "keep" {
		t.Errorf("survivor = %q, %v", desc.Inline, ok)
	}
	// The provisional object's incarnations are gone.
	o2, _ := tr.GetObject(obj(2))
	if !o2.Ilog.IsEmpty() {
		t.Error("provisional object incarnation survived RemoveDTX")
	}
}

func TestCompactVersions(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "v10")
	write(t, tr, obj(1), "d", "a", 20, "v20")
	write(t, tr, obj(1), "d", "a", 30, "v30")

	ak, _ := tr.LookupPath(obj(1), "d", "a", 30, vformat.NilDTX, nil)
	removed, freed, _ := ak.CompactVersions(25, nil)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (the epoch-10 version)", removed)
	}
	if freed != 3 {
		t.Errorf("freed = %d, want 3", freed)
	}

	// The anchor still answers reads at the watermark.
	if desc, ok := ak.ValueAt(25, vformat.NilDTX, nil); !ok || string(desc.Inline) != "v20" {
		t.Errorf("ValueAt(25) after compact = %q, %v", desc.Inline, ok)
	}
	// Idempotent.
	if again, _, _ := ak.CompactVersions(25, nil); again != 0 {
		t.Errorf("second compact removed %d", again)
	}
}

func TestCompactVersionsDropsAbortedAnywhere(t *testing.T) {
	id := uuid.New()
	res := tableResolver{id: vformat.DTXAborted}

	tr := newTree()
	write(t, tr, obj(1), "d", "a", 10, "v10")
	ak, _ := tr.LookupPath(obj(1), "d", "a", 10, vformat.NilDTX, nil)
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 100, DTX: id, Size: 1, Inline: []byte("x")})

	removed, _, _ := ak.CompactVersions(50, res)
	if removed != 1 {
		t.Errorf("removed = %d, want 1 aborted version above the watermark", removed)
	}
	if ak.VersionCount() != 1 {
		t.Errorf("VersionCount = %d, want 1", ak.VersionCount())
	}
}

func TestIterationOrder(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(3), "d", "a", 10, "v")
	write(t, tr, obj(1), "d", "a", 10, "v")
	write(t, tr, obj(2), "db", "a", 10, "v")
	write(t, tr, obj(2), "da", "a", 10, "v")

	var ids []uint64
	tr.AscendObjects(func(o *ObjectNode) bool {
		ids = append(ids, o.ID.Lo)
		return true
	})
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("object order = %v", ids)
	}

	o2, _ := tr.GetObject(obj(2))
	var dkeys []string
	o2.AscendDkeys(func(d *DkeyNode) bool {
		dkeys = append(dkeys, d.Key)
		return true
	})
	if len(dkeys) != 2 || dkeys[0] != "da" || dkeys[1] != "db" {
		t.Errorf("dkey order = %v", dkeys)
	}

	var fromTwo []uint64
	tr.AscendObjectsFrom(obj(2), func(o *ObjectNode) bool {
		fromTwo = append(fromTwo, o.ID.Lo)
		return true
	})
	if len(fromTwo) != 2 || fromTwo[0] != 2 {
		t.Errorf("resumed order = %v", fromTwo)
	}
}

func TestInlinePayloadsLiveInArena(t *testing.T) {
	ar := arena.New()
	tr := New(ar)
	ak, _ := tr.PreparePath(obj(1), vformat.ClassSingleValue, "d", "a", 10, vformat.NilDTX, false, nil)
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 10, Size: 5, Inline: []byte("hello")})

	if ar.Live() != 1 || ar.Bytes() != 5 {
		t.Errorf("arena = %d live, %d bytes; want 1, 5", ar.Live(), ar.Bytes())
	}
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 20, Size: 5, Inline: []byte("world")})
	ak.CompactVersions(30, nil)
	if ar.Live() != 1 {
		t.Errorf("arena live = %d after compact, want 1", ar.Live())
	}
}

func TestSettleCommittedVersions(t *testing.T) {
	committed := uuid.New()
	active := uuid.New()
	res := tableResolver{committed: vformat.DTXCommitted, active: vformat.DTXActive}

	tr := newTree()
	ak, err := tr.PreparePath(obj(1), vformat.ClassSingleValue, "d", "a", 5, vformat.NilDTX, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 5, DTX: committed})
	_ = ak.AddVersion(vformat.ValueDesc{Epoch: 10, DTX: active})

	if got := ak.SettleCommitted(res); got != 1 {
		t.Errorf("SettleCommitted = %d, want 1", got)
	}
	// The settled version now reads without any resolver at all.
	if _, ok := ak.ValueAt(7, vformat.NilDTX, nil); !ok {
		t.Error("settled version not observable without a resolver")
	}
	var tags []vformat.DTXID
	ak.VisitVersions(func(d vformat.ValueDesc) bool {
		tags = append(tags, d.DTX)
		return true
	})
	if len(tags) != 2 || tags[0] != vformat.NilDTX || tags[1] != active {
		t.Errorf("tags after settle = %v", tags)
	}
}

func TestVisitVersionsMaterializesInline(t *testing.T) {
	tr := newTree()
	write(t, tr, obj(1), "d", "a", 5, "five")
	write(t, tr, obj(1), "d", "a", 10, "ten")

	ak, err := tr.LookupPath(obj(1), "d", "a", vformat.MaxEpoch, vformat.NilDTX, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	ak.VisitVersions(func(d vformat.ValueDesc) bool {
		got = append(got, string(d.Inline))
		return true
	})
	if len(got) != 2 || got[0] != "five" || got[1] != "ten" {
		t.Errorf("VisitVersions = %v", got)
	}
}

func TestRecordIncarnationRebuildsHistory(t *testing.T) {
	tr := newTree()
	path := vformat.ObjectPath(obj(1))
	if err := tr.RecordIncarnation(path, vformat.ClassSingleValue, false, ilog.Entry{Epoch: 5, Event: ilog.Create}); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordIncarnation(path, vformat.ClassSingleValue, false, ilog.Entry{Epoch: 20, Event: ilog.Punch}); err != nil {
		t.Fatal(err)
	}
	akp := vformat.AkeyPath(obj(1), "d", "a")
	if err := tr.RecordIncarnation(vformat.DkeyPath(obj(1), "d"), vformat.ClassSingleValue, false, ilog.Entry{Epoch: 5, Event: ilog.Create}); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordIncarnation(akp, vformat.ClassSingleValue, false, ilog.Entry{Epoch: 5, Event: ilog.Create}); err != nil {
		t.Fatal(err)
	}

	o, ok := tr.GetObject(obj(1))
	if !ok {
		t.Fatal("object not created")
	}
	if !o.Ilog.VisibleAt(10, vformat.NilDTX, nil) {
		t.Error("restored create not visible")
	}
	if o.Ilog.VisibleAt(20, vformat.NilDTX, nil) {
		t.Error("restored punch not honored")
	}
	if _, err := tr.LookupPath(obj(1), "d", "a", 10, vformat.NilDTX, nil); err != nil {
		t.Errorf("restored path not readable: %v", err)
	}
}
