// Package keyindex implements the per-container key index: an ordered tree
// of objects, each holding an ordered tree of dkeys, each holding an ordered
// tree of akeys.
//
// Every node carries its own incarnation log, so existence is decided level
// by level: an akey is visible at an epoch only if its own log, its dkey's,
// and its object's all say "created" there. Single-value akeys hold an
// epoch-ordered chain of value descriptors; array akeys hold an extent tree.
// Inline payloads are parked in the container arena and addressed by handle,
// keeping the descriptors in the chain small and fixed-size.
//
// The object tree is guarded by an internal lock; everything below an object
// node is serialized by the per-object locks of the owning container.
package keyindex

import (
	"errors"
	"sort"
	"sync"

	"github.com/aalhour/vostore/internal/arena"
	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/ilog"
	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/btree"
)

var (
	// ErrNotFound is returned when a lookup or punch names an entity with
	// no visible incarnation at the query epoch.
	ErrNotFound = errors.New("keyindex: entity not found")
	// ErrVersionExists is returned when a value version already occupies
	// the write epoch. History is never overwritten.
	ErrVersionExists = errors.New("keyindex: version already exists at epoch")
	// ErrClassMismatch is returned when an operation's value shape does
	// not match the akey's established shape.
	ErrClassMismatch = errors.New("keyindex: value shape does not match akey class")
)

// version is one link of a single-value chain. The inline payload lives in
// the arena behind payload; desc.Inline stays empty inside the chain.
type version struct {
	desc    vformat.ValueDesc
	payload arena.Handle
}

// AkeyNode is the leaf of the index: one attribute key with its incarnation
// log and either a value chain or an extent tree.
type AkeyNode struct {
	Key  string
	Ilog ilog.Log

	// Extents is non-nil iff the akey holds array data.
	Extents *extent.Tree

	versions []version
	ar       *arena.Arena
}

// IsArray reports whether the akey holds extent data.
func (a *AkeyNode) IsArray() bool {
	return a.Extents != nil
}

// VersionCount returns the number of value versions in the chain.
func (a *AkeyNode) VersionCount() int {
	return len(a.versions)
}

// Empty reports whether the node carries no history at all and may be
// unlinked.
func (a *AkeyNode) Empty() bool {
	if !a.Ilog.IsEmpty() || len(a.versions) > 0 {
		return false
	}
	return a.Extents == nil || a.Extents.Len() == 0
}

// AddVersion appends one value version. The inline payload, if any, is moved
// into the arena. Exactly one version may occupy an epoch.
func (a *AkeyNode) AddVersion(desc vformat.ValueDesc) error {
	if a.IsArray() {
		return ErrClassMismatch
	}
	idx := sort.Search(len(a.versions), func(i int) bool {
		return a.versions[i].desc.Epoch >= desc.Epoch
	})
	if idx < len(a.versions) && a.versions[idx].desc.Epoch == desc.Epoch {
		return ErrVersionExists
	}
	v := version{desc: desc}
	if len(desc.Inline) > 0 {
		v.payload = a.ar.Alloc(desc.Inline)
		v.desc.Inline = nil
	}
	a.versions = append(a.versions, version{})
	copy(a.versions[idx+1:], a.versions[idx:])
	a.versions[idx] = v
	return nil
}

// observable reports whether a record owned by dtx may be observed by
// reader.
func observable(dtx, reader vformat.DTXID, res vformat.DTXResolver) bool {
	if dtx == vformat.NilDTX || dtx == reader {
		return true
	}
	if res == nil {
		return false
	}
	state, _ := res.ResolveDTX(dtx)
	return state == vformat.DTXCommitted
}

// ValueAt returns the newest observable version at or below the query epoch.
// The returned descriptor carries a private copy of the inline payload.
func (a *AkeyNode) ValueAt(epoch vformat.Epoch, reader vformat.DTXID, res vformat.DTXResolver) (vformat.ValueDesc, bool) {
	idx := sort.Search(len(a.versions), func(i int) bool {
		return a.versions[i].desc.Epoch > epoch
	})
	for i := idx - 1; i >= 0; i-- {
		v := a.versions[i]
		if !observable(v.desc.DTX, reader, res) {
			continue
		}
		return a.materialize(v), true
	}
	return vformat.ValueDesc{}, false
}

// UncertainAt reports whether the version that would win at the query epoch
// is hidden only because its transaction is prepared but not yet resolved.
// Readers back off instead of returning an answer a commit would invalidate.
func (a *AkeyNode) UncertainAt(epoch vformat.Epoch, reader vformat.DTXID, res vformat.DTXResolver) bool {
	idx := sort.Search(len(a.versions), func(i int) bool {
		return a.versions[i].desc.Epoch > epoch
	})
	for i := idx - 1; i >= 0; i-- {
		v := a.versions[i]
		if observable(v.desc.DTX, reader, res) {
			return false
		}
		if res != nil && v.desc.DTX != vformat.NilDTX {
			if state, _ := res.ResolveDTX(v.desc.DTX); state == vformat.DTXCommittable {
				return true
			}
		}
	}
	return false
}

// SettleCommitted clears the transaction tag of every chain version whose
// transaction has committed, so the versions outlive their transaction
// records. Returns the number of versions settled.
func (a *AkeyNode) SettleCommitted(res vformat.DTXResolver) int {
	if res == nil {
		return 0
	}
	settled := 0
	for i := range a.versions {
		d := &a.versions[i].desc
		if d.DTX == vformat.NilDTX {
			continue
		}
		if state, _ := res.ResolveDTX(d.DTX); state == vformat.DTXCommitted {
			d.DTX = vformat.NilDTX
			settled++
		}
	}
	return settled
}

// VisitVersions calls fn for every chain version in epoch order until fn
// returns false. Each descriptor carries a private copy of its inline
// payload.
func (a *AkeyNode) VisitVersions(fn func(vformat.ValueDesc) bool) {
	for _, v := range a.versions {
		if !fn(a.materialize(v)) {
			return
		}
	}
}

// materialize copies a chain version out, pulling the inline payload back
// from the arena.
func (a *AkeyNode) materialize(v version) vformat.ValueDesc {
	desc := v.desc
	if !v.payload.IsZero() {
		if data, err := a.ar.Get(v.payload); err == nil {
			desc.Inline = append([]byte(nil), data...)
		}
	}
	return desc
}

// CompactVersions removes chain versions strictly below the watermark that
// no reader at or above the watermark can observe: every resolved version
// older than the newest resolved one below the watermark. Unresolved
// versions stay. Returns the count removed, the payload bytes freed, and the
// block-storage references of removed versions so the caller can release
// them.
func (a *AkeyNode) CompactVersions(watermark vformat.Epoch, res vformat.DTXResolver) (int, uint64, []vformat.PayloadRef) {
	unresolved := func(v version) bool {
		if v.desc.DTX == vformat.NilDTX {
			return false
		}
		if res == nil {
			return true
		}
		state, _ := res.ResolveDTX(v.desc.DTX)
		return state != vformat.DTXCommitted && state != vformat.DTXAborted
	}
	aborted := func(v version) bool {
		if v.desc.DTX == vformat.NilDTX || res == nil {
			return false
		}
		state, _ := res.ResolveDTX(v.desc.DTX)
		return state == vformat.DTXAborted
	}

	boundary := sort.Search(len(a.versions), func(i int) bool {
		return a.versions[i].desc.Epoch >= watermark
	})
	anchor := -1
	for i := boundary - 1; i >= 0; i-- {
		v := a.versions[i]
		if !unresolved(v) && !aborted(v) {
			anchor = i
			break
		}
	}

	kept := a.versions[:0]
	removed := 0
	var freed uint64
	var refs []vformat.PayloadRef
	for i, v := range a.versions {
		drop := aborted(v) || (i < boundary && i != anchor && !unresolved(v))
		if drop {
			removed++
			freed += v.desc.Size
			if !v.desc.Ref.IsZero() {
				refs = append(refs, v.desc.Ref)
			}
			a.freePayload(v)
			continue
		}
		kept = append(kept, v)
	}
	a.versions = kept
	return removed, freed, refs
}

// PurgeVersionsBelow removes every resolved version at or below the
// watermark, anchor included. Used when the akey itself is not visible at
// the watermark and cannot become visible there, so no version needs to
// survive as the anchor. Returns the count removed, the payload bytes freed,
// and the block-storage references of removed versions.
func (a *AkeyNode) PurgeVersionsBelow(watermark vformat.Epoch, res vformat.DTXResolver) (int, uint64, []vformat.PayloadRef) {
	kept := a.versions[:0]
	removed := 0
	var freed uint64
	var refs []vformat.PayloadRef
	for _, v := range a.versions {
		resolved := v.desc.DTX == vformat.NilDTX
		if !resolved && res != nil {
			state, _ := res.ResolveDTX(v.desc.DTX)
			resolved = state == vformat.DTXCommitted || state == vformat.DTXAborted
		}
		if resolved && v.desc.Epoch <= watermark {
			removed++
			freed += v.desc.Size
			if !v.desc.Ref.IsZero() {
				refs = append(refs, v.desc.Ref)
			}
			a.freePayload(v)
			continue
		}
		kept = append(kept, v)
	}
	a.versions = kept
	return removed, freed, refs
}

// removeDTXVersions drops every chain version owned by the transaction.
func (a *AkeyNode) removeDTXVersions(id vformat.DTXID) (uint64, []vformat.PayloadRef) {
	kept := a.versions[:0]
	var freed uint64
	var refs []vformat.PayloadRef
	for _, v := range a.versions {
		if v.desc.DTX == id {
			freed += v.desc.Size
			if !v.desc.Ref.IsZero() {
				refs = append(refs, v.desc.Ref)
			}
			a.freePayload(v)
			continue
		}
		kept = append(kept, v)
	}
	a.versions = kept
	return freed, refs
}

func (a *AkeyNode) freePayload(v version) {
	if !v.payload.IsZero() {
		_ = a.ar.Free(v.payload)
	}
}

// DkeyNode is one distribution key with its incarnation log and akey tree.
type DkeyNode struct {
	Key  string
	Ilog ilog.Log

	akeys *btree.BTreeG[*AkeyNode]
	ar    *arena.Arena
}

func akeyLess(a, b *AkeyNode) bool { return a.Key < b.Key }

// GetAkey returns the named akey node, if present.
func (d *DkeyNode) GetAkey(key string) (*AkeyNode, bool) {
	return d.akeys.Get(&AkeyNode{Key: key})
}

// EnsureAkey returns the named akey node, creating it with the given shape
// if absent. An existing node's shape must match.
func (d *DkeyNode) EnsureAkey(key string, array bool) (*AkeyNode, error) {
	if n, ok := d.GetAkey(key); ok {
		if n.IsArray() != array {
			return nil, ErrClassMismatch
		}
		return n, nil
	}
	n := &AkeyNode{Key: key, ar: d.ar}
	if array {
		n.Extents = extent.New()
	}
	d.akeys.ReplaceOrInsert(n)
	return n, nil
}

// RemoveAkey unlinks the named akey node.
func (d *DkeyNode) RemoveAkey(key string) bool {
	_, ok := d.akeys.Delete(&AkeyNode{Key: key})
	return ok
}

// AscendAkeys calls fn for every akey node in key order until fn returns
// false.
func (d *DkeyNode) AscendAkeys(fn func(*AkeyNode) bool) {
	d.akeys.Ascend(fn)
}

// AkeyLen returns the number of akey nodes.
func (d *DkeyNode) AkeyLen() int {
	return d.akeys.Len()
}

// Empty reports whether the node carries no history and no children.
func (d *DkeyNode) Empty() bool {
	return d.Ilog.IsEmpty() && d.akeys.Len() == 0
}

// ObjectNode is one object with its incarnation log and dkey tree.
type ObjectNode struct {
	ID    vformat.ObjectID
	Class vformat.ObjClass
	Ilog  ilog.Log

	dkeys *btree.BTreeG[*DkeyNode]
	ar    *arena.Arena
}

func dkeyLess(a, b *DkeyNode) bool { return a.Key < b.Key }

// GetDkey returns the named dkey node, if present.
func (o *ObjectNode) GetDkey(key string) (*DkeyNode, bool) {
	return o.dkeys.Get(&DkeyNode{Key: key})
}

// EnsureDkey returns the named dkey node, creating it if absent.
func (o *ObjectNode) EnsureDkey(key string) *DkeyNode {
	if n, ok := o.GetDkey(key); ok {
		return n
	}
	n := &DkeyNode{Key: key, akeys: btree.NewG(8, akeyLess), ar: o.ar}
	o.dkeys.ReplaceOrInsert(n)
	return n
}

// RemoveDkey unlinks the named dkey node.
func (o *ObjectNode) RemoveDkey(key string) bool {
	_, ok := o.dkeys.Delete(&DkeyNode{Key: key})
	return ok
}

// AscendDkeys calls fn for every dkey node in key order until fn returns
// false.
func (o *ObjectNode) AscendDkeys(fn func(*DkeyNode) bool) {
	o.dkeys.Ascend(fn)
}

// DkeyLen returns the number of dkey nodes.
func (o *ObjectNode) DkeyLen() int {
	return o.dkeys.Len()
}

// Empty reports whether the node carries no history and no children.
func (o *ObjectNode) Empty() bool {
	return o.Ilog.IsEmpty() && o.dkeys.Len() == 0
}

func objectLess(a, b *ObjectNode) bool { return a.ID.Less(b.ID) }

// Tree is the key index of one container.
type Tree struct {
	mu      sync.RWMutex
	objects *btree.BTreeG[*ObjectNode]
	ar      *arena.Arena
}

// New returns an empty index backed by the given arena.
func New(ar *arena.Arena) *Tree {
	return &Tree{objects: btree.NewG(16, objectLess), ar: ar}
}

// Len returns the number of object nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objects.Len()
}

// GetObject returns the object node, if present.
func (t *Tree) GetObject(id vformat.ObjectID) (*ObjectNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objects.Get(&ObjectNode{ID: id})
}

// EnsureObject returns the object node, creating it with the given class if
// absent. An existing node's class must match.
func (t *Tree) EnsureObject(id vformat.ObjectID, class vformat.ObjClass) (*ObjectNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.objects.Get(&ObjectNode{ID: id}); ok {
		if n.Class != class {
			return nil, ErrClassMismatch
		}
		return n, nil
	}
	n := &ObjectNode{ID: id, Class: class, dkeys: btree.NewG(8, dkeyLess), ar: t.ar}
	t.objects.ReplaceOrInsert(n)
	return n, nil
}

// RemoveObject unlinks the object node.
func (t *Tree) RemoveObject(id vformat.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects.Delete(&ObjectNode{ID: id})
	return ok
}

// AscendObjects calls fn for every object node in id order until fn returns
// false.
func (t *Tree) AscendObjects(fn func(*ObjectNode) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.objects.Ascend(fn)
}

// AscendObjectsFrom resumes iteration at the pivot (inclusive).
func (t *Tree) AscendObjectsFrom(pivot vformat.ObjectID, fn func(*ObjectNode) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.objects.AscendGreaterOrEqual(&ObjectNode{ID: pivot}, fn)
}

// ensureIncarnation records a create at the write epoch unless the entity is
// already visible there to the writer. An occupied epoch (a punch landed at
// exactly this epoch) surfaces as ErrEpochExists; the conflict cache makes
// that unreachable for well-behaved callers.
func ensureIncarnation(l *ilog.Log, epoch vformat.Epoch, dtx vformat.DTXID, res vformat.DTXResolver) error {
	if l.VisibleAt(epoch, dtx, res) {
		return nil
	}
	return l.Append(ilog.Entry{Epoch: epoch, Event: ilog.Create, DTX: dtx})
}

// PreparePath resolves the akey node for a write, creating any missing nodes
// along the path and recording create incarnations at the write epoch. The
// caller then inserts the value version or extent.
func (t *Tree) PreparePath(id vformat.ObjectID, class vformat.ObjClass, dkey, akey string, epoch vformat.Epoch, dtx vformat.DTXID, array bool, res vformat.DTXResolver) (*AkeyNode, error) {
	obj, err := t.EnsureObject(id, class)
	if err != nil {
		return nil, err
	}
	if err := ensureIncarnation(&obj.Ilog, epoch, dtx, res); err != nil {
		return nil, err
	}
	dk := obj.EnsureDkey(dkey)
	if err := ensureIncarnation(&dk.Ilog, epoch, dtx, res); err != nil {
		return nil, err
	}
	ak, err := dk.EnsureAkey(akey, array)
	if err != nil {
		return nil, err
	}
	if err := ensureIncarnation(&ak.Ilog, epoch, dtx, res); err != nil {
		return nil, err
	}
	return ak, nil
}

// LookupPath resolves the akey node for a read. Visibility is decided level
// by level: a punch at any level hides everything beneath it.
func (t *Tree) LookupPath(id vformat.ObjectID, dkey, akey string, epoch vformat.Epoch, reader vformat.DTXID, res vformat.DTXResolver) (*AkeyNode, error) {
	obj, ok := t.GetObject(id)
	if !ok || !obj.Ilog.VisibleAt(epoch, reader, res) {
		return nil, ErrNotFound
	}
	dk, ok := obj.GetDkey(dkey)
	if !ok || !dk.Ilog.VisibleAt(epoch, reader, res) {
		return nil, ErrNotFound
	}
	ak, ok := dk.GetAkey(akey)
	if !ok || !ak.Ilog.VisibleAt(epoch, reader, res) {
		return nil, ErrNotFound
	}
	return ak, nil
}

// RecordIncarnation re-applies one incarnation-log entry at the named level,
// creating any missing nodes along the path. Unlike PreparePath it appends
// the entry verbatim, punches included, without visibility checks: the entry
// is history being restored, not a new write.
func (t *Tree) RecordIncarnation(path vformat.EntityPath, class vformat.ObjClass, array bool, e ilog.Entry) error {
	obj, err := t.EnsureObject(path.Object, class)
	if err != nil {
		return err
	}
	if path.Level == vformat.LevelObject {
		return obj.Ilog.Append(e)
	}
	dk := obj.EnsureDkey(path.Dkey)
	if path.Level == vformat.LevelDkey {
		return dk.Ilog.Append(e)
	}
	ak, err := dk.EnsureAkey(path.Akey, array)
	if err != nil {
		return err
	}
	return ak.Ilog.Append(e)
}

// Punch records a punch at the named level. The path's nodes must already
// exist; punching an entity that was never created returns ErrNotFound.
// Visibility at the punch epoch is not required, so repeated punches at
// distinct epochs are harmless.
func (t *Tree) Punch(path vformat.EntityPath, epoch vformat.Epoch, dtx vformat.DTXID) error {
	obj, ok := t.GetObject(path.Object)
	if !ok {
		return ErrNotFound
	}
	if path.Level == vformat.LevelObject {
		return obj.Ilog.Append(ilog.Entry{Epoch: epoch, Event: ilog.Punch, DTX: dtx})
	}
	dk, ok := obj.GetDkey(path.Dkey)
	if !ok {
		return ErrNotFound
	}
	if path.Level == vformat.LevelDkey {
		return dk.Ilog.Append(ilog.Entry{Epoch: epoch, Event: ilog.Punch, DTX: dtx})
	}
	ak, ok := dk.GetAkey(path.Akey)
	if !ok {
		return ErrNotFound
	}
	return ak.Ilog.Append(ilog.Entry{Epoch: epoch, Event: ilog.Punch, DTX: dtx})
}

// RemoveDTX strips every record owned by the transaction from the whole
// index: incarnation entries, chain versions, and extents. Returns the
// logical payload bytes freed, the block-storage references of removed chain
// versions, and the removed extents so the caller can release their
// block-storage space.
func (t *Tree) RemoveDTX(id vformat.DTXID) (uint64, []vformat.PayloadRef, []*extent.Extent) {
	if id == vformat.NilDTX {
		return 0, nil, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var freed uint64
	var refs []vformat.PayloadRef
	var removed []*extent.Extent
	t.objects.Ascend(func(obj *ObjectNode) bool {
		obj.Ilog.RemoveDTX(id)
		obj.dkeys.Ascend(func(dk *DkeyNode) bool {
			dk.Ilog.RemoveDTX(id)
			dk.akeys.Ascend(func(ak *AkeyNode) bool {
				ak.Ilog.RemoveDTX(id)
				f, r := ak.removeDTXVersions(id)
				freed += f
				refs = append(refs, r...)
				if ak.Extents != nil {
					removed = append(removed, ak.Extents.RemoveDTX(id)...)
				}
				return true
			})
			return true
		})
		return true
	})
	return freed, refs, removed
}
