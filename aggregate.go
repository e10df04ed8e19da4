package vostore

import (
	"time"

	"github.com/aalhour/vostore/internal/aggregate"
	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/objcache"
	"github.com/aalhour/vostore/internal/space"
)

// AggregateStats counts what one aggregation pass reclaimed.
type AggregateStats = aggregate.Stats

// Aggregate folds history below the boundary epoch down to the minimum
// needed to answer reads at or above it, and reclaims the space of aborted
// transactions. A zero boundary asks the epoch authority for one. After the
// pass, reads below the boundary fail with ErrStaleEpoch.
//
// One pass runs at a time per container. Objects locked by foreground
// operations are skipped and picked up by a later pass; a pass interrupted
// by yielding resumes where it stopped.
func (c *Container) Aggregate(boundary Epoch) (AggregateStats, error) {
	if c.closed.Load() {
		return AggregateStats{}, ErrClosed
	}
	if boundary == 0 {
		boundary = c.eng.opts.EpochAuthority.AggregationBoundary()
	}
	if boundary == 0 {
		return AggregateStats{}, nil
	}

	c.aggMu.Lock()
	defer c.aggMu.Unlock()

	// Aborted residue first: records of aborted transactions are garbage at
	// every epoch, not just below the boundary.
	for _, rec := range c.eng.dtxTable.Aborted() {
		c.removeDTX(rec.ID)
	}

	// The time slice caps how long the pass holds off foreground work. The
	// first poll is waved through so a pass always advances by at least one
	// object.
	var yield func() bool
	if slice := c.eng.opts.AggregationSlice; slice > 0 {
		deadline := time.Now().Add(slice)
		started := false
		yield = func() bool {
			if !started {
				started = true
				return false
			}
			return time.Now().After(deadline)
		}
	}

	stats, token := aggregate.Run(c.index, c.aggToken, aggregate.Options{
		Watermark: boundary,
		Resolver:  c.eng.dtxTable,
		TryLock: func(id ObjectID) (func(), bool) {
			mu := c.stripeFor(id)
			if !mu.TryLock() {
				return nil, false
			}
			return mu.Unlock, true
		},
		ReleaseExtent: c.releaseExtent,
		ReleaseInline: func(n uint64) {
			c.pool.space.Release(space.TierMeta, n)
		},
		ReleaseRef: func(ref PayloadRef) {
			c.blobs.Release(ref)
			c.pool.space.Release(space.TierData, ref.Length)
		},
		OnObjectRemoved: func(id ObjectID) {
			c.cache.Erase(objcache.Key{Container: c.id, Object: id})
		},
		Yield:  yield,
		Logger: c.logger,
	})
	c.aggToken = token
	if token.Valid {
		c.eng.metrics.AggYields.Inc()
	}

	// Structural overhead of removed chain versions. Extent overhead is
	// released per extent by releaseExtent.
	if stats.Versions > 0 {
		c.pool.space.Release(space.TierMeta, metaEntryOverhead*uint64(stats.Versions))
	}

	for {
		cur := c.lowestRetained.Load()
		if uint64(boundary) <= cur || c.lowestRetained.CompareAndSwap(cur, uint64(boundary)) {
			break
		}
	}

	c.eng.metrics.AggPasses.Inc()
	c.eng.metrics.AggReclaimed.Add(int(stats.InlineBytes + stats.StoredBytes))
	c.eng.metrics.AggSkipped.Add(stats.ObjectsSkipped)
	c.logger.Infof(logging.NSAgg+"container %s: boundary %d, reclaimed %d inline + %d stored bytes",
		c.id, boundary, stats.InlineBytes, stats.StoredBytes)

	// A completed pass checkpoints the journal: the folded history it just
	// reclaimed would otherwise be replayed back in on the next open, and
	// the checkpoint settles committed transaction tags so their table
	// records can be retired.
	if !token.Valid {
		if err := c.checkpoint(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// releaseExtent returns a reclaimed extent's storage to the pool.
func (c *Container) releaseExtent(e *extent.Extent) {
	if !e.Ref.IsZero() {
		c.blobs.Release(e.Ref)
		c.pool.space.Release(space.TierData, e.Ref.Length)
		c.pool.space.Release(space.TierMeta, metaEntryOverhead)
		return
	}
	c.pool.space.Release(space.TierMeta, metaEntryOverhead+uint64(len(e.Inline)))
}

// LowestRetainedEpoch returns the epoch below which history has been folded;
// reads below it fail with ErrStaleEpoch.
func (c *Container) LowestRetainedEpoch() Epoch {
	return Epoch(c.lowestRetained.Load())
}

// retainAllAuthority is the default epoch authority: it never proposes an
// aggregation boundary and accepts every read epoch, so history is retained
// until the caller aggregates explicitly.
type retainAllAuthority struct{}

func (retainAllAuthority) AggregationBoundary() Epoch    { return 0 }
func (retainAllAuthority) ValidateReadEpoch(Epoch) error { return nil }

var _ EpochAuthority = retainAllAuthority{}
