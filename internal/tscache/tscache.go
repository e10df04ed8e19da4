// Package tscache implements the volatile timestamp cache used for MVCC
// conflict detection.
//
// For every entity the cache records the greatest epoch at which it was read
// and written. A write at epoch E is rejected when a later read already
// observed the entity (the write would retroactively change history) or a
// write at E or later already exists (the write is stale, or a duplicate of
// the same entity-epoch slot).
//
// The cache is an aid, never authoritative: it is lost on restart and
// rebuilt conservatively by flooring every unknown entity at the epoch the
// process restarted with. That floor can only produce extra conflicts,
// never a missed one.
package tscache

import (
	"errors"
	"sync/atomic"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrConflict is returned when an operation fails MVCC validation. The
// caller retries at a higher epoch or aborts its transaction.
var ErrConflict = errors.New("tscache: epoch conflict")

// Op is the kind of access being validated.
type Op uint8

const (
	// Read validates and records a read access.
	Read Op = iota
	// Write validates and records a write access.
	Write
)

type stamp struct {
	lastRead  vformat.Epoch
	lastWrite vformat.Epoch
}

// Cache records last-read/last-write epochs per entity. Safe for concurrent
// use; each check-and-update is atomic per entity.
type Cache struct {
	m     *xsync.MapOf[vformat.EntityPath, stamp]
	floor atomic.Uint64
}

// New returns an empty cache with a zero floor.
func New() *Cache {
	return &Cache{m: xsync.NewMapOf[vformat.EntityPath, stamp]()}
}

// SetFloor raises the conservative floor. Entities with no cached stamp are
// treated as if they were read and written at the floor epoch. Called once
// on restart with the highest epoch recovered from persistent state.
func (c *Cache) SetFloor(epoch vformat.Epoch) {
	for {
		cur := c.floor.Load()
		if uint64(epoch) <= cur {
			return
		}
		if c.floor.CompareAndSwap(cur, uint64(epoch)) {
			return
		}
	}
}

// Floor returns the current conservative floor.
func (c *Cache) Floor() vformat.Epoch {
	return vformat.Epoch(c.floor.Load())
}

// CheckUpdate validates op at the given epoch against the entity's recorded
// stamps and, on success, records the access. Returns ErrConflict when
// validation fails; the stamps are left unchanged in that case.
func (c *Cache) CheckUpdate(entity vformat.EntityPath, epoch vformat.Epoch, op Op) error {
	floor := c.Floor()
	var conflict bool

	c.m.Compute(entity, func(old stamp, loaded bool) (stamp, bool) {
		if !loaded {
			old = stamp{lastRead: floor, lastWrite: floor}
		}
		if op == Write {
			// A later reader already observed state this write would
			// change, or a write at this or a later epoch exists.
			if old.lastRead > epoch || old.lastWrite >= epoch {
				conflict = true
				return old, false
			}
			old.lastWrite = epoch
			return old, false
		}
		if epoch > old.lastRead {
			old.lastRead = epoch
		}
		return old, false
	})

	if conflict {
		return ErrConflict
	}
	return nil
}

// Forget drops the stamp for one entity. Used when an entity is reclaimed
// wholesale by GC so the cache does not grow without bound.
func (c *Cache) Forget(entity vformat.EntityPath) {
	c.m.Delete(entity)
}

// Len returns the number of cached stamps.
func (c *Cache) Len() int {
	return c.m.Size()
}
