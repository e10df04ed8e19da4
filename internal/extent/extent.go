// Package extent implements the per-akey interval tree holding array
// values.
//
// Every write records one extent: an epoch-tagged byte range plus a payload
// reference. Extents are never mutated or physically split; a newer write
// that overlaps an older one simply carries a higher epoch, and the read
// path resolves overlap at byte-range granularity by choosing, for every
// byte, the extent with the highest visible epoch at or below the read
// epoch. A punch is an extent with no payload that suppresses the bytes it
// covers for readers at or above its epoch.
//
// Ties cannot occur: the conflict cache admits at most one write per akey
// and epoch.
package extent

import (
	"errors"
	"sort"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/btree"
)

// ErrInvalidRange is returned for an empty or inverted byte range.
var ErrInvalidRange = errors.New("extent: invalid byte range")

// Extent is one epoch-tagged write (or punch) of a byte range.
// [Start, End) is the logical range within the akey's array.
type Extent struct {
	Start uint64
	End   uint64
	Epoch vformat.Epoch
	Punch bool

	// Payload location: Inline for small writes, Ref for payloads in
	// block storage. Checksum covers the logical payload bytes.
	Inline   []byte
	Ref      vformat.PayloadRef
	Checksum uint64

	// DTX is the owning transaction, or the zero id.
	DTX vformat.DTXID
}

// Len returns the byte length of the extent.
func (e *Extent) Len() uint64 {
	return e.End - e.Start
}

// less orders extents by (Start, Epoch) inside the tree.
func less(a, b *Extent) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Epoch < b.Epoch
}

// Slice is one resolved piece of a read result. Ext is nil for a hole
// (bytes never written, or suppressed by a punch).
type Slice struct {
	Start uint64
	End   uint64
	Ext   *Extent
}

// IsHole reports whether the slice carries no data.
func (s Slice) IsHole() bool {
	return s.Ext == nil
}

// PayloadOffset returns the offset of this slice within its extent's
// payload bytes. Only meaningful for data slices.
func (s Slice) PayloadOffset() uint64 {
	return s.Start - s.Ext.Start
}

// Tree is the interval tree for one akey. Not safe for concurrent use; the
// owning index node serializes access.
type Tree struct {
	bt *btree.BTreeG[*Extent]
}

// New returns an empty extent tree.
func New() *Tree {
	return &Tree{bt: btree.NewG(16, less)}
}

// Len returns the number of extents, punches included.
func (t *Tree) Len() int {
	return t.bt.Len()
}

// Insert adds an extent. Overlap with existing extents is expected; epoch
// ordering resolves it at read time.
func (t *Tree) Insert(e *Extent) error {
	if e.End <= e.Start {
		return ErrInvalidRange
	}
	t.bt.ReplaceOrInsert(e)
	return nil
}

// observable reports whether e may be observed by reader.
func observable(e *Extent, reader vformat.DTXID, res vformat.DTXResolver) bool {
	if e.DTX == vformat.NilDTX || e.DTX == reader {
		return true
	}
	if res == nil {
		return false
	}
	state, _ := res.ResolveDTX(e.DTX)
	return state == vformat.DTXCommitted
}

// overlapping collects extents intersecting [start, end). The iteration
// starts at the tree beginning because an extent with a small Start can
// still reach into the queried range; per-akey trees are small enough that
// this stays cheap.
func (t *Tree) overlapping(start, end uint64) []*Extent {
	var out []*Extent
	t.bt.Ascend(func(e *Extent) bool {
		if e.Start >= end {
			return false
		}
		if e.End > start {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Read resolves [start, end) at the read epoch for the given reader. The
// result is ordered by offset, covers the full range, and marks holes
// explicitly.
func (t *Tree) Read(epoch vformat.Epoch, start, end uint64, reader vformat.DTXID, res vformat.DTXResolver) ([]Slice, error) {
	if end <= start {
		return nil, ErrInvalidRange
	}

	candidates := t.overlapping(start, end)
	visible := candidates[:0]
	for _, e := range candidates {
		if e.Epoch <= epoch && observable(e, reader, res) {
			visible = append(visible, e)
		}
	}
	// Highest epoch claims bytes first.
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Epoch > visible[j].Epoch
	})

	type gap struct{ start, end uint64 }
	gaps := []gap{{start, end}}
	var out []Slice

	for _, e := range visible {
		if len(gaps) == 0 {
			break
		}
		next := gaps[:0:0]
		for _, g := range gaps {
			lo, hi := maxU64(g.start, e.Start), minU64(g.end, e.End)
			if lo >= hi {
				next = append(next, g)
				continue
			}
			if !e.Punch {
				out = append(out, Slice{Start: lo, End: hi, Ext: e})
			}
			// Punched bytes become holes: they are claimed (no older
			// extent may fill them) but carry no data.
			if g.start < lo {
				next = append(next, gap{g.start, lo})
			}
			if hi < g.end {
				next = append(next, gap{hi, g.end})
			}
		}
		gaps = next
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	// Fill the unclaimed and punched ranges with explicit holes.
	var full []Slice
	cursor := start
	for _, s := range out {
		if s.Start > cursor {
			full = append(full, Slice{Start: cursor, End: s.Start})
		}
		full = append(full, s)
		cursor = s.End
	}
	if cursor < end {
		full = append(full, Slice{Start: cursor, End: end})
	}
	return full, nil
}

// Visit calls fn for every extent in (Start, Epoch) order until fn returns
// false.
func (t *Tree) Visit(fn func(*Extent) bool) {
	t.bt.Ascend(fn)
}

// Remove deletes one extent, matched by identity of (Start, Epoch).
func (t *Tree) Remove(e *Extent) bool {
	_, ok := t.bt.Delete(e)
	return ok
}

// RemoveDTX deletes every extent owned by the transaction and returns them
// so the caller can release their payload space.
func (t *Tree) RemoveDTX(id vformat.DTXID) []*Extent {
	if id == vformat.NilDTX {
		return nil
	}
	var doomed []*Extent
	t.bt.Ascend(func(e *Extent) bool {
		if e.DTX == id {
			doomed = append(doomed, e)
		}
		return true
	})
	for _, e := range doomed {
		t.bt.Delete(e)
	}
	return doomed
}

// Compact reclaims extents below the boundary epoch that no reader at or
// above the boundary can observe:
//
//   - extents of aborted transactions,
//   - extents every byte of which is superseded by a higher-epoch committed
//     extent at or below the boundary,
//   - punches at or below the boundary that no longer cover any surviving
//     older data.
//
// Extents of unresolved transactions are left alone. The removed extents
// are returned for payload-space release. Running Compact twice against the
// same boundary removes nothing the second time.
func (t *Tree) Compact(boundary vformat.Epoch, res vformat.DTXResolver) []*Extent {
	var all []*Extent
	t.bt.Ascend(func(e *Extent) bool {
		all = append(all, e)
		return true
	})

	resolved := func(e *Extent) (vformat.DTXState, bool) {
		if e.DTX == vformat.NilDTX {
			return vformat.DTXCommitted, true
		}
		if res == nil {
			return vformat.DTXActive, false
		}
		state, _ := res.ResolveDTX(e.DTX)
		return state, state == vformat.DTXCommitted || state == vformat.DTXAborted
	}

	var doomed []*Extent
	doom := make(map[*Extent]bool)

	// Aborted residue goes first, regardless of epoch.
	for _, e := range all {
		if state, ok := resolved(e); ok && state == vformat.DTXAborted {
			doomed = append(doomed, e)
			doom[e] = true
		}
	}

	// A committed extent below the boundary is reclaimable when every
	// byte is covered by committed extents with strictly higher epochs
	// at or below the boundary.
	for _, e := range all {
		if doom[e] || e.Punch || e.Epoch > boundary {
			continue
		}
		if state, ok := resolved(e); !ok || state != vformat.DTXCommitted {
			continue
		}
		if t.coveredAbove(all, doom, e, boundary, res) {
			doomed = append(doomed, e)
			doom[e] = true
		}
	}

	// A punch below the boundary earns its keep only while older
	// committed data survives beneath it, or an unresolved transaction
	// could still commit beneath it.
	for _, e := range all {
		if doom[e] || !e.Punch || e.Epoch > boundary {
			continue
		}
		if state, ok := resolved(e); !ok || state != vformat.DTXCommitted {
			continue
		}
		masksSomething := false
		for _, other := range all {
			if doom[other] || other == e || other.Punch {
				continue
			}
			if other.Epoch >= e.Epoch {
				continue
			}
			if other.Start < e.End && other.End > e.Start {
				masksSomething = true
				break
			}
		}
		if !masksSomething {
			doomed = append(doomed, e)
			doom[e] = true
		}
	}

	for _, e := range doomed {
		t.bt.Delete(e)
	}
	return doomed
}

// PurgeBelow removes every resolved extent at or below the boundary,
// punches included. Used when the owning akey is not visible at the
// boundary and cannot become visible there, so nothing below it needs to
// survive. Returns the removed extents for payload-space release.
func (t *Tree) PurgeBelow(boundary vformat.Epoch, res vformat.DTXResolver) []*Extent {
	var doomed []*Extent
	t.bt.Ascend(func(e *Extent) bool {
		if e.Epoch > boundary {
			return true
		}
		if e.DTX != vformat.NilDTX {
			if res == nil {
				return true
			}
			state, _ := res.ResolveDTX(e.DTX)
			if state != vformat.DTXCommitted && state != vformat.DTXAborted {
				return true
			}
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		t.bt.Delete(e)
	}
	return doomed
}

// coveredAbove reports whether every byte of e is covered by surviving
// committed extents (data or punch) with epoch in (e.Epoch, boundary].
func (t *Tree) coveredAbove(all []*Extent, doom map[*Extent]bool, e *Extent, boundary vformat.Epoch, res vformat.DTXResolver) bool {
	type iv struct{ start, end uint64 }
	var cover []iv
	for _, other := range all {
		if doom[other] || other == e {
			continue
		}
		if other.Epoch <= e.Epoch || other.Epoch > boundary {
			continue
		}
		if other.DTX != vformat.NilDTX {
			if res == nil {
				continue
			}
			// Only committed extents count toward coverage.
			if state, _ := res.ResolveDTX(other.DTX); state != vformat.DTXCommitted {
				continue
			}
		}
		lo, hi := maxU64(other.Start, e.Start), minU64(other.End, e.End)
		if lo < hi {
			cover = append(cover, iv{lo, hi})
		}
	}
	if len(cover) == 0 {
		return false
	}
	sort.Slice(cover, func(i, j int) bool { return cover[i].start < cover[j].start })
	cursor := e.Start
	for _, c := range cover {
		if c.start > cursor {
			return false
		}
		if c.end > cursor {
			cursor = c.end
		}
	}
	return cursor >= e.End
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
