package vostore

import (
	"fmt"

	"github.com/aalhour/vostore/internal/keyindex"
)

// IterEntry is one visible akey yielded by an iterator. For single-value and
// key-value akeys Data holds the newest visible payload; array akeys are
// reported with Array set and no payload, to be read with FetchArray.
type IterEntry struct {
	Object ObjectID
	Dkey   string
	Akey   string
	Epoch  Epoch
	Array  bool
	Data   []byte
}

// IterPosition marks an iterator's progress so a scan can resume across
// iterators (and process restarts) without revisiting entries. The zero
// value means "start from the beginning".
type IterPosition struct {
	Object ObjectID
	Dkey   string
	Akey   string
	Valid  bool
}

// Iterator walks every akey visible at one epoch, in (object, dkey, akey)
// order. It buffers one object at a time under that object's read lock, so a
// long scan never blocks writers for more than one object's worth of work.
//
// An iterator observes each object atomically, but not the container as a
// whole: objects mutated after the iterator passed them are not revisited.
type Iterator struct {
	c      *Container
	epoch  Epoch
	reader DTXID

	ids   []ObjectID
	idIdx int

	buf    []IterEntry
	bufIdx int
	cur    IterEntry
	last   IterPosition
	err    error

	// after filters the first object's entries when resuming.
	after IterPosition
}

// NewIterator returns an iterator over everything visible at the given
// epoch.
func (c *Container) NewIterator(epoch Epoch, dtxID DTXID) (*Iterator, error) {
	return c.NewIteratorAt(epoch, dtxID, IterPosition{})
}

// NewIteratorAt returns an iterator resuming strictly after pos.
func (c *Container) NewIteratorAt(epoch Epoch, dtxID DTXID, pos IterPosition) (*Iterator, error) {
	if err := c.checkRead(epoch); err != nil {
		return nil, err
	}
	it := &Iterator{c: c, epoch: epoch, reader: dtxID, after: pos}
	collect := func(o *keyindex.ObjectNode) bool {
		it.ids = append(it.ids, o.ID)
		return true
	}
	if pos.Valid {
		c.index.AscendObjectsFrom(pos.Object, collect)
	} else {
		c.index.AscendObjects(collect)
	}
	return it, nil
}

// Next advances to the next visible entry. It returns false at the end of
// the scan or on error; check Err to tell the two apart.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.bufIdx >= len(it.buf) {
		if it.idIdx >= len(it.ids) {
			return false
		}
		id := it.ids[it.idIdx]
		it.idIdx++
		it.loadObject(id)
		if it.err != nil {
			return false
		}
	}
	it.cur = it.buf[it.bufIdx]
	it.bufIdx++
	it.last = IterPosition{Object: it.cur.Object, Dkey: it.cur.Dkey, Akey: it.cur.Akey, Valid: true}
	return true
}

// Entry returns the entry Next advanced to.
func (it *Iterator) Entry() IterEntry {
	return it.cur
}

// Err returns the error that stopped the scan, if any. A read that lands on
// a prepared but unresolved transaction stops with ErrBusy; resuming from
// Position retries from the same object.
func (it *Iterator) Err() error {
	return it.err
}

// Position returns the mark of the last yielded entry, for resuming a scan
// with NewIteratorAt.
func (it *Iterator) Position() IterPosition {
	return it.last
}

// loadObject buffers one object's visible entries under its read lock.
func (it *Iterator) loadObject(id ObjectID) {
	c := it.c
	mu := c.stripeFor(id)
	mu.RLock()
	defer mu.RUnlock()

	it.buf = it.buf[:0]
	it.bufIdx = 0

	res := c.eng.dtxTable
	obj, ok := c.index.GetObject(id)
	if !ok || !obj.Ilog.VisibleAt(it.epoch, it.reader, res) {
		return
	}

	resuming := it.after.Valid && it.after.Object == id
	obj.AscendDkeys(func(dk *keyindex.DkeyNode) bool {
		if resuming && dk.Key < it.after.Dkey {
			return true
		}
		if !dk.Ilog.VisibleAt(it.epoch, it.reader, res) {
			return true
		}
		dk.AscendAkeys(func(ak *keyindex.AkeyNode) bool {
			if resuming && dk.Key == it.after.Dkey && ak.Key <= it.after.Akey {
				return true
			}
			if !ak.Ilog.VisibleAt(it.epoch, it.reader, res) {
				return true
			}
			if ak.IsArray() {
				it.buf = append(it.buf, IterEntry{
					Object: id, Dkey: dk.Key, Akey: ak.Key, Array: true,
				})
				return true
			}
			desc, ok := ak.ValueAt(it.epoch, it.reader, res)
			if !ok {
				if ak.UncertainAt(it.epoch, it.reader, res) {
					it.err = ErrBusy
					return false
				}
				return true
			}
			data, err := c.materialize(&desc)
			if err != nil {
				it.err = fmt.Errorf("%w at %s", err, AkeyPath(id, dk.Key, ak.Key))
				return false
			}
			it.buf = append(it.buf, IterEntry{
				Object: id, Dkey: dk.Key, Akey: ak.Key,
				Epoch: desc.Epoch, Data: data,
			})
			return true
		})
		return it.err == nil
	})
	if it.err != nil {
		it.buf = it.buf[:0]
	}
	it.after.Valid = false
}
