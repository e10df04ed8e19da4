// Package dtx tracks distributed transactions for the engine.
//
// A transaction groups provisional writes that must become visible
// atomically. The records themselves stay where they were written — in
// incarnation logs, value chains, and extent trees — tagged with the
// transaction id; every visibility decision resolves the tag through the
// table in this package. Commit is therefore a single state flip, never a
// rewrite of the provisional records.
//
// State machine per transaction: Active -> Committable -> Committed, or
// {Active, Committable} -> Aborted. The engine provides the transitions;
// deciding when to call them (quorum, timeout) belongs to the external
// coordination layer.
package dtx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrUnknownDTX is returned for a transaction id with no record.
	ErrUnknownDTX = errors.New("dtx: unknown transaction")

	// ErrBadTransition is returned when a state transition is not
	// permitted by the transaction state machine.
	ErrBadTransition = errors.New("dtx: invalid state transition")
)

// Ref names one provisional record a transaction produced, so that abort
// knows exactly which residue to reclaim.
type Ref struct {
	Entity vformat.EntityPath
	Epoch  vformat.Epoch
}

// Record is the bookkeeping for one transaction.
type Record struct {
	mu sync.Mutex

	ID           vformat.DTXID
	State        vformat.DTXState
	Epoch        vformat.Epoch
	Participants []uint32
	Begun        time.Time

	refs []Ref
}

// Refs returns a snapshot of the provisional records the transaction
// produced.
func (r *Record) Refs() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Ref(nil), r.refs...)
}

// Table tracks every transaction known to one engine instance. Safe for
// concurrent use.
type Table struct {
	m *xsync.MapOf[vformat.DTXID, *Record]
}

// NewTable returns an empty transaction table.
func NewTable() *Table {
	return &Table{m: xsync.NewMapOf[vformat.DTXID, *Record]()}
}

// Begin registers a new active transaction at the given epoch and returns
// its id. Participants are the shard ranks reported by the dispatch layer;
// the engine records them for the coordinator but draws no conclusions from
// them.
func (t *Table) Begin(epoch vformat.Epoch, participants []uint32) vformat.DTXID {
	id := uuid.New()
	rec := &Record{
		ID:           id,
		State:        vformat.DTXActive,
		Epoch:        epoch,
		Participants: append([]uint32(nil), participants...),
		Begun:        time.Now(),
	}
	t.m.Store(id, rec)
	return id
}

// Restore re-registers a transaction recovered from the journal.
func (t *Table) Restore(rec *Record) {
	t.m.Store(rec.ID, rec)
}

// Lookup returns the record for id.
func (t *Table) Lookup(id vformat.DTXID) (*Record, error) {
	rec, ok := t.m.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDTX, id)
	}
	return rec, nil
}

// AddRef records that the transaction produced a provisional record at
// (entity, epoch). Only permitted while the transaction is active.
func (t *Table) AddRef(id vformat.DTXID, ref Ref) error {
	rec, err := t.Lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.State != vformat.DTXActive {
		return fmt.Errorf("%w: add ref in state %s", ErrBadTransition, rec.State)
	}
	rec.refs = append(rec.refs, ref)
	return nil
}

// MarkCommittable transitions Active -> Committable, asserting that every
// participant reported success. Idempotent for an already committable
// transaction.
func (t *Table) MarkCommittable(id vformat.DTXID) error {
	rec, err := t.Lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.State {
	case vformat.DTXActive:
		rec.State = vformat.DTXCommittable
		return nil
	case vformat.DTXCommittable:
		return nil
	default:
		return fmt.Errorf("%w: %s -> Committable", ErrBadTransition, rec.State)
	}
}

// Commit transitions Committable -> Committed. The flip makes every
// provisional record of the transaction visible at the transaction's epoch
// in one step. Idempotent for an already committed transaction.
func (t *Table) Commit(id vformat.DTXID) error {
	rec, err := t.Lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.State {
	case vformat.DTXCommittable:
		rec.State = vformat.DTXCommitted
		return nil
	case vformat.DTXCommitted:
		return nil
	default:
		return fmt.Errorf("%w: %s -> Committed", ErrBadTransition, rec.State)
	}
}

// Abort transitions Active or Committable -> Aborted. The provisional
// records become garbage; the aggregation pass reclaims them. Idempotent
// for an already aborted transaction.
func (t *Table) Abort(id vformat.DTXID) error {
	rec, err := t.Lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.State {
	case vformat.DTXActive, vformat.DTXCommittable:
		rec.State = vformat.DTXAborted
		return nil
	case vformat.DTXAborted:
		return nil
	default:
		return fmt.Errorf("%w: %s -> Aborted", ErrBadTransition, rec.State)
	}
}

// ResolveDTX implements vformat.DTXResolver. Unknown ids resolve as
// aborted: a record can only be unknown after its residue was reclaimed or
// because it never reached this engine, and in both cases its data must not
// be served.
func (t *Table) ResolveDTX(id vformat.DTXID) (vformat.DTXState, vformat.Epoch) {
	rec, ok := t.m.Load(id)
	if !ok {
		return vformat.DTXAborted, 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.State, rec.Epoch
}

// Aborted returns the aborted transactions still carrying refs, for the GC
// pass to reclaim.
func (t *Table) Aborted() []*Record {
	var out []*Record
	t.m.Range(func(_ vformat.DTXID, rec *Record) bool {
		rec.mu.Lock()
		if rec.State == vformat.DTXAborted {
			out = append(out, rec)
		}
		rec.mu.Unlock()
		return true
	})
	return out
}

// CommittedBefore returns the committed transactions whose epoch is below
// the given epoch, candidates for retirement once no durable record resolves
// through them anymore.
func (t *Table) CommittedBefore(epoch vformat.Epoch) []vformat.DTXID {
	var out []vformat.DTXID
	t.m.Range(func(id vformat.DTXID, rec *Record) bool {
		rec.mu.Lock()
		if rec.State == vformat.DTXCommitted && rec.Epoch < epoch {
			out = append(out, id)
		}
		rec.mu.Unlock()
		return true
	})
	return out
}

// Snapshot returns every tracked record, in no particular order.
func (t *Table) Snapshot() []*Record {
	var out []*Record
	t.m.Range(func(_ vformat.DTXID, rec *Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// StaleActive returns transactions that have been active (or committable)
// longer than age. The engine supplies the listing; the external
// coordination layer owns the timeout policy and calls Commit or Abort.
func (t *Table) StaleActive(age time.Duration) []vformat.DTXID {
	cutoff := time.Now().Add(-age)
	var out []vformat.DTXID
	t.m.Range(func(id vformat.DTXID, rec *Record) bool {
		rec.mu.Lock()
		if (rec.State == vformat.DTXActive || rec.State == vformat.DTXCommittable) && rec.Begun.Before(cutoff) {
			out = append(out, id)
		}
		rec.mu.Unlock()
		return true
	})
	return out
}

// Remove drops a transaction record entirely. Only valid once the
// transaction is resolved and, for aborted transactions, its residue has
// been reclaimed.
func (t *Table) Remove(id vformat.DTXID) error {
	rec, err := t.Lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	state := rec.State
	rec.mu.Unlock()
	if state != vformat.DTXCommitted && state != vformat.DTXAborted {
		return fmt.Errorf("%w: remove in state %s", ErrBadTransition, state)
	}
	t.m.Delete(id)
	return nil
}

// Len returns the number of tracked transactions.
func (t *Table) Len() int {
	return t.m.Size()
}

// recordVersion is the on-media version of the encoded record format.
const recordVersion = 1

// Encode serializes the record for the container journal. The layout keeps
// the transaction id as a raw 16-byte UUID so external coordinators'
// identifiers survive round-trips unmodified.
func (r *Record) Encode() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, 0, 1+16+1+8+8+2+4*len(r.Participants))
	buf = append(buf, recordVersion)
	buf = append(buf, r.ID[:]...)
	buf = append(buf, byte(r.State))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Epoch))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Begun.UnixNano()))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Participants)))
	for _, p := range r.Participants {
		buf = binary.LittleEndian.AppendUint32(buf, p)
	}
	return buf
}

// DecodeRecord deserializes a record encoded by Encode.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < 1+16+1+8+8+2 {
		return nil, fmt.Errorf("dtx: record truncated (%d bytes)", len(buf))
	}
	if buf[0] != recordVersion {
		return nil, fmt.Errorf("dtx: unsupported record version %d", buf[0])
	}
	buf = buf[1:]

	rec := &Record{}
	copy(rec.ID[:], buf[:16])
	buf = buf[16:]
	rec.State = vformat.DTXState(buf[0])
	buf = buf[1:]
	rec.Epoch = vformat.Epoch(binary.LittleEndian.Uint64(buf[:8]))
	buf = buf[8:]
	rec.Begun = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[:8])))
	buf = buf[8:]
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < 4*n {
		return nil, fmt.Errorf("dtx: participant list truncated")
	}
	for i := 0; i < n; i++ {
		rec.Participants = append(rec.Participants, binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return rec, nil
}
