package vostore

import (
	"fmt"
	"time"

	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/space"
)

// DTXBegin registers a new distributed transaction writing at the given
// epoch. Participants are the shard ranks reported by the dispatch layer;
// they are recorded for the coordinator and journaled with the transaction.
func (e *Engine) DTXBegin(epoch Epoch, participants []uint32) (DTXID, error) {
	if err := e.checkOpen(); err != nil {
		return NilDTX, err
	}
	if epoch == 0 {
		return NilDTX, fmt.Errorf("%w: epoch 0 is reserved", ErrConflict)
	}
	id := e.dtxTable.Begin(epoch, participants)
	if err := e.logDTX(id); err != nil {
		_ = e.dtxTable.Abort(id)
		return NilDTX, err
	}
	e.metrics.DTXBegun.Inc()
	e.logger.Debugf(logging.NSDTX+"begun %s at epoch %d", id, epoch)
	return id, nil
}

// DTXPrepare marks a transaction committable: every participant has
// persisted its provisional records. Readers that would observe one of those
// records now back off with ErrBusy until the coordinator resolves the
// transaction.
func (e *Engine) DTXPrepare(id DTXID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.dtxTable.MarkCommittable(id); err != nil {
		return err
	}
	return e.logDTX(id)
}

// DTXCommit makes every provisional record of the transaction visible at its
// epoch. The visibility flip is a single state change; the records
// themselves are never rewritten.
func (e *Engine) DTXCommit(id DTXID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.dtxTable.MarkCommittable(id); err != nil {
		return err
	}
	if err := e.dtxTable.Commit(id); err != nil {
		return err
	}
	if err := e.logDTX(id); err != nil {
		return err
	}
	e.metrics.DTXCommitted.Inc()
	e.logger.Debugf(logging.NSDTX+"committed %s", id)
	return nil
}

// DTXAbort discards the transaction: its provisional records are stripped
// from every open container and their space is released. Idempotent.
func (e *Engine) DTXAbort(id DTXID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.dtxTable.Abort(id); err != nil {
		return err
	}
	if err := e.logDTX(id); err != nil {
		return err
	}

	e.mu.Lock()
	containers := make([]*Container, 0, len(e.containers))
	for _, c := range e.containers {
		containers = append(containers, c)
	}
	e.mu.Unlock()
	for _, c := range containers {
		c.removeDTX(id)
	}

	_ = e.dtxTable.Remove(id)
	e.metrics.DTXAborted.Inc()
	e.logger.Debugf(logging.NSDTX+"aborted %s", id)
	return nil
}

// DTXRetireCommitted drops committed transactions with a commit epoch below
// the given epoch from the table and rewrites the transaction log without
// them, bounding both. Only call it once every container has aggregated
// since those transactions committed: aggregation's journal checkpoint
// rewrites their records untagged, so nothing durable resolves through the
// table anymore. Retiring earlier makes the affected records resolve as
// aborted after a restart.
func (e *Engine) DTXRetireCommitted(before Epoch) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ids := e.dtxTable.CommittedBefore(before)
	for _, id := range ids {
		_ = e.dtxTable.Remove(id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.rotateDTXLog(); err != nil {
		return len(ids), err
	}
	e.metrics.DTXRetired.Add(len(ids))
	e.logger.Infof(logging.NSDTX+"retired %d committed transactions below epoch %d", len(ids), before)
	return len(ids), nil
}

// DTXStale lists transactions that have been unresolved longer than age. The
// engine only reports them; the external coordination layer owns the timeout
// policy and calls DTXCommit or DTXAbort.
func (e *Engine) DTXStale(age time.Duration) []DTXID {
	return e.dtxTable.StaleActive(age)
}

// logDTX journals the current state of one transaction record.
func (e *Engine) logDTX(id DTXID) error {
	rec, err := e.dtxTable.Lookup(id)
	if err != nil {
		return err
	}
	data := rec.Encode()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.dtxLog.AddRecord(data); err != nil {
		return fmt.Errorf("vostore: append transaction record: %w", err)
	}
	if err := e.dtxLog.Sync(); err != nil {
		return fmt.Errorf("vostore: sync transaction log: %w", err)
	}
	return nil
}

// removeDTX strips one transaction's provisional records from this container
// and releases the space they held. All stripes are taken: abort is rare and
// correctness beats concurrency here.
func (c *Container) removeDTX(id DTXID) {
	c.cpMu.RLock()
	defer c.cpMu.RUnlock()
	for i := range c.stripes {
		c.stripes[i].Lock()
	}
	freed, refs, extents := c.index.RemoveDTX(id)
	for i := range c.stripes {
		c.stripes[i].Unlock()
	}

	if freed > 0 {
		c.pool.space.Release(space.TierMeta, freed)
	}
	for _, ref := range refs {
		c.blobs.Release(ref)
		c.pool.space.Release(space.TierData, ref.Length)
		c.pool.space.Release(space.TierMeta, metaEntryOverhead)
	}
	for _, ext := range extents {
		if !ext.Ref.IsZero() {
			c.blobs.Release(ext.Ref)
			c.pool.space.Release(space.TierData, ext.Ref.Length)
			c.pool.space.Release(space.TierMeta, metaEntryOverhead)
		} else {
			c.pool.space.Release(space.TierMeta, metaEntryOverhead+uint64(len(ext.Inline)))
		}
	}
}
