// Package ilog implements the incarnation log: a per-entity, epoch-ordered
// record of create and punch events.
//
// Every object, dkey, and akey carries its own log. A visibility query at
// epoch E finds the entry with the greatest epoch <= E that the querying
// transaction is allowed to observe; the entity exists at E iff that entry
// is a create. A punch therefore hides everything at or before it for later
// readers, until a newer create appears.
//
// Entries are appended, never mutated. History is immutable: appending a
// second entry at an epoch that already holds one fails with ErrEpochExists.
// Compact removes entries below a watermark once they can no longer change
// the answer for any query epoch >= watermark.
package ilog

import (
	"errors"
	"sort"

	"github.com/aalhour/vostore/internal/vformat"
)

// ErrEpochExists is returned by Append when an entry already exists at the
// exact epoch for this entity. History is never overwritten.
var ErrEpochExists = errors.New("ilog: entry already exists at epoch")

// Event is the kind of incarnation event.
type Event uint8

const (
	// Create marks the entity as existing from this epoch on.
	Create Event = iota
	// Punch marks the entity as deleted from this epoch on.
	Punch
)

// String returns the event name.
func (e Event) String() string {
	if e == Create {
		return "create"
	}
	return "punch"
}

// Entry is one incarnation event. DTX is the owning transaction, or the
// zero id for an independent operation.
type Entry struct {
	Epoch vformat.Epoch
	Event Event
	DTX   vformat.DTXID
}

// Log is an epoch-ordered incarnation log for a single entity.
// The zero value is an empty, usable log. Not safe for concurrent use; the
// owning index node serializes access.
type Log struct {
	entries []Entry
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// IsEmpty reports whether the log has no entries.
func (l *Log) IsEmpty() bool {
	return len(l.entries) == 0
}

// Entries returns the underlying entries in ascending epoch order. The
// slice is owned by the log and must not be mutated.
func (l *Log) Entries() []Entry {
	return l.entries
}

// Append inserts an entry. Entries arrive mostly in epoch order, but
// out-of-order insertion is allowed as long as the epoch is unoccupied.
func (l *Log) Append(e Entry) error {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Epoch >= e.Epoch
	})
	if idx < len(l.entries) && l.entries[idx].Epoch == e.Epoch {
		return ErrEpochExists
	}
	l.entries = append(l.entries, Entry{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = e
	return nil
}

// observable reports whether entry e may be observed by a reader that is
// part of transaction reader (zero id for none).
func observable(e Entry, reader vformat.DTXID, res vformat.DTXResolver) bool {
	if e.DTX == vformat.NilDTX || e.DTX == reader {
		return true
	}
	if res == nil {
		return false
	}
	state, _ := res.ResolveDTX(e.DTX)
	return state == vformat.DTXCommitted
}

// VisibleAt reports whether the entity exists at the query epoch for the
// given reader. Provisional entries of foreign transactions are skipped, so
// an uncommitted punch does not hide data from other readers and an
// uncommitted create does not expose it.
func (l *Log) VisibleAt(epoch vformat.Epoch, reader vformat.DTXID, res vformat.DTXResolver) bool {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Epoch > epoch
	})
	for i := idx - 1; i >= 0; i-- {
		e := l.entries[i]
		if !observable(e, reader, res) {
			continue
		}
		return e.Event == Create
	}
	return false
}

// UncertainAt reports whether the visibility answer at the query epoch
// hinges on a prepared but unresolved transaction's entry. Readers back off
// instead of returning an answer a commit would invalidate.
func (l *Log) UncertainAt(epoch vformat.Epoch, reader vformat.DTXID, res vformat.DTXResolver) bool {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Epoch > epoch
	})
	for i := idx - 1; i >= 0; i-- {
		e := l.entries[i]
		if observable(e, reader, res) {
			return false
		}
		if e.DTX != vformat.NilDTX && res != nil {
			if state, _ := res.ResolveDTX(e.DTX); state == vformat.DTXCommittable {
				return true
			}
		}
	}
	return false
}

// Latest returns the entry with the greatest epoch observable by reader,
// or false if none.
func (l *Log) Latest(reader vformat.DTXID, res vformat.DTXResolver) (Entry, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if observable(l.entries[i], reader, res) {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// SettleCommitted clears the transaction tag of every entry whose
// transaction has committed. A committed tag is semantically identical to no
// tag; settling lets the entry outlive its transaction record. Returns the
// number of entries settled.
func (l *Log) SettleCommitted(res vformat.DTXResolver) int {
	if res == nil {
		return 0
	}
	settled := 0
	for i := range l.entries {
		e := &l.entries[i]
		if e.DTX == vformat.NilDTX {
			continue
		}
		if state, _ := res.ResolveDTX(e.DTX); state == vformat.DTXCommitted {
			e.DTX = vformat.NilDTX
			settled++
		}
	}
	return settled
}

// RemoveDTX drops every entry owned by the given transaction. Used when an
// aborted transaction's residue is reclaimed. Returns the number removed.
func (l *Log) RemoveDTX(id vformat.DTXID) int {
	if id == vformat.NilDTX {
		return 0
	}
	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		if e.DTX == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed
}

// PurgeBelow removes every resolved entry at or below the watermark,
// anchors included. Used when an ancestor entity is known to be invisible
// at the watermark, so no entry here needs to survive as the visible
// incarnation. Returns the number removed.
func (l *Log) PurgeBelow(watermark vformat.Epoch, res vformat.DTXResolver) int {
	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		resolved := e.DTX == vformat.NilDTX
		if !resolved && res != nil {
			state, _ := res.ResolveDTX(e.DTX)
			resolved = state == vformat.DTXCommitted || state == vformat.DTXAborted
		}
		if resolved && e.Epoch <= watermark {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed
}

// Compact removes entries strictly below the watermark that can no longer
// influence a visibility query at any epoch >= watermark. The newest
// below-watermark entry is kept when it is a create (it may still be the
// visible incarnation at the watermark); a trailing punch is dropped along
// with everything it hides, because an empty prefix answers "not visible"
// just the same.
//
// Entries owned by unresolved transactions are never removed here; the
// transaction table decides their fate first. Returns the number of entries
// removed.
func (l *Log) Compact(watermark vformat.Epoch, res vformat.DTXResolver) int {
	if len(l.entries) == 0 {
		return 0
	}

	// Index of the first entry at or above the watermark.
	boundary := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Epoch >= watermark
	})
	if boundary == 0 {
		return 0
	}

	unresolved := func(e Entry) bool {
		if e.DTX == vformat.NilDTX {
			return false
		}
		if res == nil {
			return true
		}
		state, _ := res.ResolveDTX(e.DTX)
		return state != vformat.DTXCommitted && state != vformat.DTXAborted
	}
	// The anchor is the newest resolved, observable entry below the
	// watermark: it answers visibility queries at the watermark until a
	// newer entry takes over.
	anchor := -1
	oldestUnresolved := -1
	for i := boundary - 1; i >= 0; i-- {
		e := l.entries[i]
		if unresolved(e) {
			oldestUnresolved = i
			continue
		}
		if anchor < 0 && observable(e, vformat.NilDTX, res) {
			anchor = i
		}
	}

	// A punch anchor is normally dropped with everything under it — an
	// empty prefix answers "not visible" just the same. It must survive,
	// though, while an older unresolved entry could still commit: the
	// punch keeps masking it.
	if anchor >= 0 && l.entries[anchor].Event == Punch {
		if oldestUnresolved < 0 || oldestUnresolved > anchor {
			anchor = -1
		}
	}

	kept := l.entries[:0]
	removed := 0
	for i, e := range l.entries {
		drop := false
		if i < boundary && i != anchor {
			drop = !unresolved(e)
		}
		if drop {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed
}
