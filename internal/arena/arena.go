// Package arena provides a growable slab allocator with stable integer
// handles in place of raw pointers.
//
// The persistent index structures historically addressed entries with
// pointer-like offsets inside a mapped region. Here every allocation is
// addressed by a Handle carrying a slot index and a generation counter; the
// generation is bumped when a slot is freed so that a stale handle held
// across reclamation is detected instead of silently resolving to reused
// memory.
package arena

import (
	"errors"
	"sync"
)

// ErrStaleHandle is returned when a handle refers to a freed or reused slot.
var ErrStaleHandle = errors.New("arena: stale handle")

// Handle is a stable reference to an arena slot. The zero Handle is invalid.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h is the zero (invalid) handle.
func (h Handle) IsZero() bool {
	return h.slot == 0 && h.gen == 0
}

type slot struct {
	gen  uint32
	live bool
	data []byte
}

// Arena is a growable store of byte slabs addressed by generation-checked
// handles. Safe for concurrent use.
type Arena struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	bytes uint64
}

// New returns an empty arena. Slot 0 is reserved so the zero Handle never
// resolves.
func New() *Arena {
	return &Arena{slots: make([]slot, 1)}
}

// Alloc stores a copy of data and returns its handle.
func (a *Arena) Alloc(data []byte) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	s.live = true
	s.data = append(s.data[:0], data...)
	a.bytes += uint64(len(data))
	return Handle{slot: idx, gen: s.gen}
}

// Get returns the bytes addressed by h. The returned slice must not be
// retained across a Free of the same handle.
func (a *Arena) Get(h Handle) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, err := a.resolve(h)
	if err != nil {
		return nil, err
	}
	return s.data, nil
}

// Set replaces the bytes addressed by h.
func (a *Arena) Set(h Handle, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.resolve(h)
	if err != nil {
		return err
	}
	a.bytes -= uint64(len(s.data))
	s.data = append(s.data[:0], data...)
	a.bytes += uint64(len(data))
	return nil
}

// Free releases the slot addressed by h. Subsequent access through h fails
// with ErrStaleHandle.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.resolve(h)
	if err != nil {
		return err
	}
	a.bytes -= uint64(len(s.data))
	s.live = false
	s.data = s.data[:0]
	a.free = append(a.free, h.slot)
	return nil
}

// Live returns the number of live allocations.
func (a *Arena) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - 1 - len(a.free)
}

// Bytes returns the total live payload bytes.
func (a *Arena) Bytes() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bytes
}

// resolve validates h against the slot table. Callers hold a.mu.
func (a *Arena) resolve(h Handle) (*slot, error) {
	if h.slot == 0 || int(h.slot) >= len(a.slots) {
		return nil, ErrStaleHandle
	}
	s := &a.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}
