// Package aggregate implements the reclamation pass: walking a container's
// key index and folding history below an epoch watermark down to the minimum
// needed to answer reads at or above it.
//
// A pass compacts every incarnation log, value chain, and extent tree it
// visits, unlinks nodes left with no history, and reports the space it
// reclaimed through the release hooks. Passes are resumable: a pass that
// yields returns a progress token, and the next pass continues from the
// object the token names instead of starting over. Objects whose lock is
// held by a foreground operation are skipped, not waited on; they are picked
// up again on a later pass.
package aggregate

import (
	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/ilog"
	"github.com/aalhour/vostore/internal/keyindex"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/vformat"
)

// Token is a resumable position within a pass. The zero Token means "start
// from the beginning". Dkey and Akey record the cursor for observability;
// resumption is at the granularity of the object.
type Token struct {
	Obj   vformat.ObjectID
	Dkey  string
	Akey  string
	Valid bool
}

// Stats counts what one pass reclaimed.
type Stats struct {
	ObjectsVisited int
	ObjectsSkipped int
	IlogEntries    int
	Versions       int
	Extents        int
	NodesRemoved   int
	InlineBytes    uint64
	StoredBytes    uint64
}

// Options configures a pass.
type Options struct {
	// Watermark is the boundary epoch: history below it that no reader at
	// or above it can observe is reclaimed.
	Watermark vformat.Epoch

	// Resolver decides the fate of transactional records.
	Resolver vformat.DTXResolver

	// TryLock acquires the per-object lock without blocking, returning
	// the unlock func. A false return skips the object. Nil means no
	// locking.
	TryLock func(vformat.ObjectID) (func(), bool)

	// Yield is polled between objects; returning true pauses the pass
	// and hands back a resume token. Nil means run to completion.
	Yield func() bool

	// ReleaseExtent is called for every reclaimed extent so the caller
	// can release its payload storage. Nil is allowed.
	ReleaseExtent func(*extent.Extent)

	// ReleaseInline is called with the inline bytes freed from value
	// chains. Nil is allowed.
	ReleaseInline func(uint64)

	// ReleaseRef is called for every block-storage reference freed from
	// value chains. Nil is allowed.
	ReleaseRef func(vformat.PayloadRef)

	// OnObjectRemoved is called when an object node is unlinked so the
	// caller can drop cached references to it. Nil is allowed.
	OnObjectRemoved func(vformat.ObjectID)

	// Logger receives per-pass events. Nil means the default logger.
	Logger logging.Logger
}

// Run executes one pass over the index starting at the token's position.
// It returns the stats and, when paused by Yield, a valid resume token.
func Run(tree *keyindex.Tree, from Token, opts Options) (Stats, Token) {
	logger := logging.OrDefault(opts.Logger)

	// Snapshot the object ids first: node unlinking needs the tree lock
	// that iteration holds.
	var ids []vformat.ObjectID
	collect := func(o *keyindex.ObjectNode) bool {
		ids = append(ids, o.ID)
		return true
	}
	if from.Valid {
		tree.AscendObjectsFrom(from.Obj, collect)
	} else {
		tree.AscendObjects(collect)
	}

	var stats Stats
	for i, id := range ids {
		if opts.Yield != nil && opts.Yield() {
			logger.Debugf("[agg] pass yielding at %s (%d/%d objects)", id, i, len(ids))
			return stats, Token{Obj: id, Valid: true}
		}
		obj, ok := tree.GetObject(id)
		if !ok {
			continue
		}
		if opts.TryLock != nil {
			unlock, ok := opts.TryLock(id)
			if !ok {
				stats.ObjectsSkipped++
				continue
			}
			aggregateObject(tree, obj, opts, &stats)
			unlock()
		} else {
			aggregateObject(tree, obj, opts, &stats)
		}
		stats.ObjectsVisited++
	}
	logger.Infof("[agg] pass done: %d objects, %d skipped, %d ilog entries, %d versions, %d extents, %d nodes removed",
		stats.ObjectsVisited, stats.ObjectsSkipped, stats.IlogEntries, stats.Versions, stats.Extents, stats.NodesRemoved)
	return stats, Token{}
}

// aggregateObject folds one object's history. Caller holds the object lock.
func aggregateObject(tree *keyindex.Tree, obj *keyindex.ObjectNode, opts Options, stats *Stats) {
	stats.IlogEntries += obj.Ilog.Compact(opts.Watermark, opts.Resolver)
	objGone := purgeable(&obj.Ilog, opts.Watermark, opts.Resolver)

	var emptyDkeys []string
	obj.AscendDkeys(func(dk *keyindex.DkeyNode) bool {
		stats.IlogEntries += dk.Ilog.Compact(opts.Watermark, opts.Resolver)
		if objGone {
			stats.IlogEntries += dk.Ilog.PurgeBelow(opts.Watermark, opts.Resolver)
		}
		dkGone := objGone || purgeable(&dk.Ilog, opts.Watermark, opts.Resolver)

		var emptyAkeys []string
		dk.AscendAkeys(func(ak *keyindex.AkeyNode) bool {
			aggregateAkey(ak, dkGone, opts, stats)
			if ak.Empty() {
				emptyAkeys = append(emptyAkeys, ak.Key)
			}
			return true
		})
		for _, key := range emptyAkeys {
			if dk.RemoveAkey(key) {
				stats.NodesRemoved++
			}
		}
		if dk.Empty() {
			emptyDkeys = append(emptyDkeys, dk.Key)
		}
		return true
	})
	for _, key := range emptyDkeys {
		if obj.RemoveDkey(key) {
			stats.NodesRemoved++
		}
	}
	if obj.Empty() {
		if tree.RemoveObject(obj.ID) {
			stats.NodesRemoved++
			if opts.OnObjectRemoved != nil {
				opts.OnObjectRemoved(obj.ID)
			}
		}
	}
}

// aggregateAkey folds one akey's history: its incarnation log plus either
// the value chain or the extent tree. When the akey (or an ancestor) is
// invisible at the watermark and cannot become visible there, history at or
// below the watermark is purged outright instead of keeping an anchor.
func aggregateAkey(ak *keyindex.AkeyNode, parentGone bool, opts Options, stats *Stats) {
	stats.IlogEntries += ak.Ilog.Compact(opts.Watermark, opts.Resolver)
	if parentGone {
		stats.IlogEntries += ak.Ilog.PurgeBelow(opts.Watermark, opts.Resolver)
	}
	gone := parentGone || purgeable(&ak.Ilog, opts.Watermark, opts.Resolver)

	if ak.IsArray() {
		var removed []*extent.Extent
		if gone {
			removed = ak.Extents.PurgeBelow(opts.Watermark, opts.Resolver)
		} else {
			removed = ak.Extents.Compact(opts.Watermark, opts.Resolver)
		}
		stats.Extents += len(removed)
		for _, e := range removed {
			stats.StoredBytes += e.Ref.Length
			if opts.ReleaseExtent != nil {
				opts.ReleaseExtent(e)
			}
		}
		return
	}

	var removed int
	var freed uint64
	var refs []vformat.PayloadRef
	if gone {
		removed, freed, refs = ak.PurgeVersionsBelow(opts.Watermark, opts.Resolver)
	} else {
		removed, freed, refs = ak.CompactVersions(opts.Watermark, opts.Resolver)
	}
	stats.Versions += removed
	stats.InlineBytes += freed
	if freed > 0 && opts.ReleaseInline != nil {
		opts.ReleaseInline(freed)
	}
	for _, ref := range refs {
		stats.StoredBytes += ref.Length
		if opts.ReleaseRef != nil {
			opts.ReleaseRef(ref)
		}
	}
}

// purgeable reports whether the entity owning l is invisible at the
// watermark with no unresolved entry at or below it that could change that.
// For such entities no history at or below the watermark needs to survive.
func purgeable(l *ilog.Log, watermark vformat.Epoch, res vformat.DTXResolver) bool {
	if l.VisibleAt(watermark, vformat.NilDTX, res) {
		return false
	}
	for _, e := range l.Entries() {
		if e.Epoch > watermark {
			break
		}
		if e.DTX == vformat.NilDTX {
			continue
		}
		if res == nil {
			return false
		}
		state, _ := res.ResolveDTX(e.DTX)
		if state != vformat.DTXCommitted && state != vformat.DTXAborted {
			return false
		}
	}
	return true
}
