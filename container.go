package vostore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/vostore/internal/aggregate"
	"github.com/aalhour/vostore/internal/arena"
	"github.com/aalhour/vostore/internal/blob"
	"github.com/aalhour/vostore/internal/dtx"
	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/journal"
	"github.com/aalhour/vostore/internal/keyindex"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/objcache"
	"github.com/aalhour/vostore/internal/space"
	"github.com/aalhour/vostore/internal/tscache"
	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
)

const (
	// Journal files are numbered per session and per checkpoint; each file
	// is written once, start to end, by a single writer.
	journalPrefix   = "journal-"
	journalCkptName = "journal.ckpt"
	blobDirName     = "blobs"

	// metaEntryOverhead is the structural charge per index record (version,
	// extent, or punch) on the byte-addressable tier, on top of the inline
	// payload bytes.
	metaEntryOverhead = 64

	// objectRootCharge is the nominal cache charge per object root.
	objectRootCharge = 256
)

// Value is one fetched akey value. Found is false when the akey has no
// visible value at the request epoch.
type Value struct {
	Akey  string
	Epoch Epoch
	Data  []byte
	Found bool
}

// Container is one versioned key-value namespace inside a pool. All methods
// are safe for concurrent use.
type Container struct {
	eng    *Engine
	pool   *Pool
	id     uuid.UUID
	dir    string
	logger logging.Logger

	ar    *arena.Arena
	index *keyindex.Tree
	tsc   *tscache.Cache
	blobs *blob.Store
	cache *objcache.Cache

	stripes []sync.RWMutex

	// cpMu fences the append-then-apply span of every write against the
	// journal checkpoint, which must see no record land in a superseded
	// file after it snapshots the index.
	cpMu sync.RWMutex

	jmu        sync.Mutex
	jw         *journal.Writer
	journalSeq uint64

	// lowestRetained is the epoch below which aggregation has folded
	// history; reads below it fail with ErrStaleEpoch.
	lowestRetained atomic.Uint64

	aggMu    sync.Mutex
	aggToken aggregate.Token

	closed atomic.Bool
}

// openContainer opens the container at dir, replaying its journal into a
// fresh index.
func openContainer(e *Engine, p *Pool, id uuid.UUID, dir string) (*Container, error) {
	ar := arena.New()
	c := &Container{
		eng:     e,
		pool:    p,
		id:      id,
		dir:     dir,
		logger:  e.logger,
		ar:      ar,
		index:   keyindex.New(ar),
		tsc:     tscache.New(),
		cache:   objcache.New(e.opts.ObjectCacheCapacity),
		stripes: make([]sync.RWMutex, e.opts.LockStripes),
	}

	bs, err := blob.Open(e.fs, filepath.Join(dir, blobDirName), blob.Options{
		TargetFileSize: e.opts.TargetBlobFileSize,
		SyncWrites:     e.opts.SyncWrites,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, err
	}
	c.blobs = bs

	if err := c.replay(); err != nil {
		_ = bs.Close()
		return nil, err
	}

	// Every session appends to its own fresh journal file: a journal writer
	// must start at offset zero or its fragments drift off the physical
	// block grid the reader refills by.
	c.journalSeq++
	jf, err := e.fs.Create(filepath.Join(dir, logFileName(journalPrefix, c.journalSeq)))
	if err != nil {
		_ = bs.Close()
		return nil, fmt.Errorf("vostore: open container journal: %w", err)
	}
	if err := e.fs.SyncDir(dir); err != nil {
		_ = jf.Close()
		_ = bs.Close()
		return nil, fmt.Errorf("vostore: sync container dir: %w", err)
	}
	c.jw = journal.NewWriter(jf)
	return c, nil
}

// ID returns the container's identifier.
func (c *Container) ID() uuid.UUID { return c.id }

// stripeFor returns the lock stripe serializing one object.
func (c *Container) stripeFor(id ObjectID) *sync.RWMutex {
	h := id.Hi*0x9e3779b97f4a7c15 ^ id.Lo
	return &c.stripes[h&uint64(len(c.stripes)-1)]
}

// checkWrite validates that the container accepts writes.
func (c *Container) checkWrite() error {
	if err := c.eng.BackgroundError(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// checkRead validates a read epoch. Reads stay available after a background
// error; only staleness and closure reject them.
func (c *Container) checkRead(epoch Epoch) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if epoch != MaxEpoch && uint64(epoch) < c.lowestRetained.Load() {
		return ErrStaleEpoch
	}
	if auth := c.eng.opts.EpochAuthority; auth != nil {
		if err := auth.ValidateReadEpoch(epoch); err != nil {
			return fmt.Errorf("%w: %v", ErrStaleEpoch, err)
		}
	}
	return nil
}

// Update writes one value version for (obj, dkey, akey) at the given epoch.
// Payloads above the inline threshold go to block storage; the journal
// record is durable before the index mutation is visible.
func (c *Container) Update(obj ObjectID, class ObjClass, dkey, akey string, epoch Epoch, value []byte, dtxID DTXID) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	if epoch == 0 {
		return fmt.Errorf("%w: epoch 0 is reserved", ErrConflict)
	}
	if class == ClassArray {
		return fmt.Errorf("%w: array objects take extent writes", keyindex.ErrClassMismatch)
	}

	path := AkeyPath(obj, dkey, akey)
	if err := c.tsc.CheckUpdate(path, epoch, tscache.Write); err != nil {
		c.eng.metrics.Conflicts.Inc()
		return mapErr(err)
	}

	c.cpMu.RLock()
	defer c.cpMu.RUnlock()

	desc := ValueDesc{
		Epoch:    epoch,
		Size:     uint64(len(value)),
		Checksum: c.eng.opts.ChecksumProvider.Compute(value),
		DTX:      dtxID,
	}
	var metaCharge, dataCharge uint64
	if len(value) > c.eng.opts.InlineThreshold {
		ref, err := c.blobs.Write(value, c.eng.opts.Compression)
		if err != nil {
			return err
		}
		if err := c.pool.space.Reserve(space.TierData, ref.Length); err != nil {
			c.blobs.Release(ref)
			c.eng.metrics.OutOfSpace.Inc()
			return mapErr(err)
		}
		desc.Ref = ref
		dataCharge = ref.Length
		metaCharge = metaEntryOverhead
	} else {
		desc.Inline = value
		metaCharge = metaEntryOverhead + uint64(len(value))
	}
	if err := c.pool.space.Reserve(space.TierMeta, metaCharge); err != nil {
		c.unwind(desc.Ref, 0, dataCharge)
		c.eng.metrics.OutOfSpace.Inc()
		return mapErr(err)
	}

	rec := encodeValueRecord(obj, class, dkey, akey, &desc)
	if err := c.appendDurable(rec, !desc.Ref.IsZero()); err != nil {
		c.unwind(desc.Ref, metaCharge, dataCharge)
		return err
	}

	mu := c.stripeFor(obj)
	mu.Lock()
	err := c.applyValue(obj, class, dkey, akey, &desc)
	mu.Unlock()
	if err != nil {
		c.unwind(desc.Ref, metaCharge, dataCharge)
		return mapErr(err)
	}

	if dtxID != NilDTX {
		if err := c.eng.dtxTable.AddRef(dtxID, dtxRef(path, epoch)); err != nil {
			return err
		}
	}
	c.eng.metrics.Updates.Inc()
	return nil
}

// applyValue mutates the index for one value write. Caller holds the stripe.
func (c *Container) applyValue(obj ObjectID, class ObjClass, dkey, akey string, desc *ValueDesc) error {
	ak, err := c.index.PreparePath(obj, class, dkey, akey, desc.Epoch, desc.DTX, false, c.eng.dtxTable)
	if err != nil {
		return err
	}
	return ak.AddVersion(*desc)
}

// unwind releases reservations after a failed write.
func (c *Container) unwind(ref PayloadRef, metaCharge, dataCharge uint64) {
	if !ref.IsZero() {
		c.blobs.Release(ref)
	}
	if metaCharge > 0 {
		c.pool.space.Release(space.TierMeta, metaCharge)
	}
	if dataCharge > 0 {
		c.pool.space.Release(space.TierData, dataCharge)
	}
}

// appendDurable appends one journal record and syncs it. When the payload
// went to block storage it is synced first, so a journal record never
// references bytes that could vanish in a crash.
func (c *Container) appendDurable(rec []byte, hasBlob bool) error {
	if hasBlob && !c.eng.opts.SyncWrites {
		if err := c.blobs.Sync(); err != nil {
			return err
		}
	}
	c.jmu.Lock()
	defer c.jmu.Unlock()
	if err := c.jw.AddRecord(rec); err != nil {
		return fmt.Errorf("vostore: append journal record: %w", err)
	}
	if err := c.jw.Sync(); err != nil {
		return fmt.Errorf("vostore: sync journal: %w", err)
	}
	return nil
}

// Fetch reads the named akeys of (obj, dkey) at the given epoch. Values the
// akey never held at the epoch come back with Found false; an invisible
// object or dkey fails the whole fetch with ErrNotFound. A value whose fate
// hangs on a prepared transaction backs off and, if still unresolved, fails
// with ErrBusy.
func (c *Container) Fetch(obj ObjectID, dkey string, akeys []string, epoch Epoch, dtxID DTXID) ([]Value, error) {
	start := time.Now()
	if err := c.checkRead(epoch); err != nil {
		return nil, err
	}
	defer c.eng.metrics.ObserveFetch(start)
	c.eng.metrics.Fetches.Inc()

	for _, akey := range akeys {
		_ = c.tsc.CheckUpdate(AkeyPath(obj, dkey, akey), epoch, tscache.Read)
	}

	for attempt := 0; ; attempt++ {
		vals, busy, err := c.fetchOnce(obj, dkey, akeys, epoch, dtxID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.eng.metrics.NotFound.Inc()
			}
			return nil, err
		}
		if !busy {
			return vals, nil
		}
		if attempt >= c.eng.opts.BusyRetries {
			return nil, ErrBusy
		}
		time.Sleep(time.Millisecond << uint(attempt))
	}
}

// fetchOnce runs one fetch attempt under the stripe read lock.
func (c *Container) fetchOnce(obj ObjectID, dkey string, akeys []string, epoch Epoch, dtxID DTXID) ([]Value, bool, error) {
	mu := c.stripeFor(obj)
	mu.RLock()
	defer mu.RUnlock()

	res := c.eng.dtxTable
	node, release := c.objectNode(obj)
	if node == nil {
		return nil, false, ErrNotFound
	}
	defer release()
	if !node.Ilog.VisibleAt(epoch, dtxID, res) {
		if node.Ilog.UncertainAt(epoch, dtxID, res) {
			return nil, true, nil
		}
		return nil, false, ErrNotFound
	}
	dk, ok := node.GetDkey(dkey)
	if !ok || !dk.Ilog.VisibleAt(epoch, dtxID, res) {
		if ok && dk.Ilog.UncertainAt(epoch, dtxID, res) {
			return nil, true, nil
		}
		return nil, false, ErrNotFound
	}

	vals := make([]Value, len(akeys))
	for i, akey := range akeys {
		vals[i] = Value{Akey: akey}
		ak, ok := dk.GetAkey(akey)
		if !ok || !ak.Ilog.VisibleAt(epoch, dtxID, res) {
			if ok && ak.Ilog.UncertainAt(epoch, dtxID, res) {
				return nil, true, nil
			}
			continue
		}
		desc, ok := ak.ValueAt(epoch, dtxID, res)
		if !ok {
			if ak.UncertainAt(epoch, dtxID, res) {
				return nil, true, nil
			}
			continue
		}
		data, err := c.materialize(&desc)
		if err != nil {
			return nil, false, fmt.Errorf("%w at %s", err, AkeyPath(obj, dkey, akey))
		}
		vals[i] = Value{Akey: akey, Epoch: desc.Epoch, Data: data, Found: true}
	}
	return vals, false, nil
}

// materialize resolves a value descriptor to its payload bytes, verifying
// the checksum. Corruption is never masked.
func (c *Container) materialize(desc *ValueDesc) ([]byte, error) {
	var data []byte
	if desc.IsInline() {
		data = desc.Inline
	} else {
		var err error
		data, err = c.blobs.Read(desc.Ref)
		if err != nil {
			if errors.Is(err, blob.ErrCorrupt) {
				return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			return nil, err
		}
	}
	if !c.eng.opts.ChecksumProvider.Verify(data, desc.Checksum) {
		return nil, fmt.Errorf("%w: value checksum mismatch", ErrCorruption)
	}
	return data, nil
}

// objectNode resolves the object root through the cache. The release func
// must be called once the node is no longer needed; it is non-nil even on a
// direct index hit.
func (c *Container) objectNode(id ObjectID) (*keyindex.ObjectNode, func()) {
	key := objcache.Key{Container: c.id, Object: id}
	if h := c.cache.Lookup(key); h != nil {
		c.eng.metrics.CacheHits.Inc()
		node, _ := h.Value().(*keyindex.ObjectNode)
		return node, func() { c.cache.Release(h) }
	}
	c.eng.metrics.CacheMisses.Inc()
	node, ok := c.index.GetObject(id)
	if !ok {
		return nil, nil
	}
	h := c.cache.Insert(key, node, objectRootCharge)
	return node, func() { c.cache.Release(h) }
}

// PunchObject logically deletes the whole object at the given epoch.
func (c *Container) PunchObject(obj ObjectID, epoch Epoch, dtxID DTXID) error {
	return c.punch(ObjectPath(obj), epoch, dtxID)
}

// PunchDkey logically deletes one dkey at the given epoch.
func (c *Container) PunchDkey(obj ObjectID, dkey string, epoch Epoch, dtxID DTXID) error {
	return c.punch(DkeyPath(obj, dkey), epoch, dtxID)
}

// PunchAkey logically deletes one akey at the given epoch.
func (c *Container) PunchAkey(obj ObjectID, dkey, akey string, epoch Epoch, dtxID DTXID) error {
	return c.punch(AkeyPath(obj, dkey, akey), epoch, dtxID)
}

// punch records a punch incarnation at the named level. Punching an entity
// that was never created fails with ErrNotFound; history below the punch
// stays readable at older epochs.
func (c *Container) punch(path EntityPath, epoch Epoch, dtxID DTXID) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	if epoch == 0 {
		return fmt.Errorf("%w: epoch 0 is reserved", ErrConflict)
	}
	if err := c.tsc.CheckUpdate(path, epoch, tscache.Write); err != nil {
		c.eng.metrics.Conflicts.Inc()
		return mapErr(err)
	}

	c.cpMu.RLock()
	defer c.cpMu.RUnlock()

	if err := c.pool.space.Reserve(space.TierMeta, metaEntryOverhead); err != nil {
		c.eng.metrics.OutOfSpace.Inc()
		return mapErr(err)
	}

	if err := c.appendDurable(encodePunchRecord(path, epoch, dtxID), false); err != nil {
		c.pool.space.Release(space.TierMeta, metaEntryOverhead)
		return err
	}

	mu := c.stripeFor(path.Object)
	mu.Lock()
	err := c.index.Punch(path, epoch, dtxID)
	mu.Unlock()
	if err != nil {
		c.pool.space.Release(space.TierMeta, metaEntryOverhead)
		if errors.Is(err, keyindex.ErrNotFound) {
			c.eng.metrics.NotFound.Inc()
		}
		return mapErr(err)
	}
	if path.Level == LevelObject {
		c.cache.Erase(objcache.Key{Container: c.id, Object: path.Object})
	}
	if dtxID != NilDTX {
		if err := c.eng.dtxTable.AddRef(dtxID, dtxRef(path, epoch)); err != nil {
			return err
		}
	}
	c.eng.metrics.Punches.Inc()
	return nil
}

// UpdateArray writes data at [offset, offset+len(data)) of an array akey at
// the given epoch. Overlap with older extents is resolved at read time.
func (c *Container) UpdateArray(obj ObjectID, dkey, akey string, epoch Epoch, offset uint64, data []byte, dtxID DTXID) error {
	ext := &extent.Extent{
		Start: offset,
		End:   offset + uint64(len(data)),
		Epoch: epoch,
		DTX:   dtxID,
	}
	return c.writeExtent(obj, dkey, akey, ext, data)
}

// PunchArray suppresses [start, end) of an array akey for readers at or
// above the given epoch. Bytes below the punch stay readable at older
// epochs.
func (c *Container) PunchArray(obj ObjectID, dkey, akey string, epoch Epoch, start, end uint64, dtxID DTXID) error {
	ext := &extent.Extent{
		Start: start,
		End:   end,
		Epoch: epoch,
		Punch: true,
		DTX:   dtxID,
	}
	return c.writeExtent(obj, dkey, akey, ext, nil)
}

// writeExtent is the shared write path for array data and range punches.
func (c *Container) writeExtent(obj ObjectID, dkey, akey string, ext *extent.Extent, data []byte) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	if ext.Epoch == 0 {
		return fmt.Errorf("%w: epoch 0 is reserved", ErrConflict)
	}
	if ext.End <= ext.Start {
		return extent.ErrInvalidRange
	}

	path := AkeyPath(obj, dkey, akey)
	if err := c.tsc.CheckUpdate(path, ext.Epoch, tscache.Write); err != nil {
		c.eng.metrics.Conflicts.Inc()
		return mapErr(err)
	}

	c.cpMu.RLock()
	defer c.cpMu.RUnlock()

	var metaCharge, dataCharge uint64
	if !ext.Punch {
		ext.Checksum = c.eng.opts.ChecksumProvider.Compute(data)
		if len(data) > c.eng.opts.InlineThreshold {
			ref, err := c.blobs.Write(data, c.eng.opts.Compression)
			if err != nil {
				return err
			}
			if err := c.pool.space.Reserve(space.TierData, ref.Length); err != nil {
				c.blobs.Release(ref)
				c.eng.metrics.OutOfSpace.Inc()
				return mapErr(err)
			}
			ext.Ref = ref
			dataCharge = ref.Length
			metaCharge = metaEntryOverhead
		} else {
			ext.Inline = data
			metaCharge = metaEntryOverhead + uint64(len(data))
		}
	} else {
		metaCharge = metaEntryOverhead
	}
	if err := c.pool.space.Reserve(space.TierMeta, metaCharge); err != nil {
		c.unwind(ext.Ref, 0, dataCharge)
		c.eng.metrics.OutOfSpace.Inc()
		return mapErr(err)
	}

	rec := encodeExtentRecord(obj, dkey, akey, ext)
	if err := c.appendDurable(rec, !ext.Ref.IsZero()); err != nil {
		c.unwind(ext.Ref, metaCharge, dataCharge)
		return err
	}

	mu := c.stripeFor(obj)
	mu.Lock()
	err := c.applyExtent(obj, dkey, akey, ext)
	mu.Unlock()
	if err != nil {
		c.unwind(ext.Ref, metaCharge, dataCharge)
		return mapErr(err)
	}

	if ext.DTX != NilDTX {
		if err := c.eng.dtxTable.AddRef(ext.DTX, dtxRef(path, ext.Epoch)); err != nil {
			return err
		}
	}
	c.eng.metrics.Updates.Inc()
	return nil
}

// applyExtent mutates the index for one extent write. Caller holds the
// stripe.
func (c *Container) applyExtent(obj ObjectID, dkey, akey string, ext *extent.Extent) error {
	ak, err := c.index.PreparePath(obj, ClassArray, dkey, akey, ext.Epoch, ext.DTX, true, c.eng.dtxTable)
	if err != nil {
		return err
	}
	return ak.Extents.Insert(ext)
}

// FetchArray reads [start, end) of an array akey at the given epoch. The
// result always has length end-start; bytes never written, or suppressed by
// a punch, read as zero.
func (c *Container) FetchArray(obj ObjectID, dkey, akey string, epoch Epoch, start, end uint64, dtxID DTXID) ([]byte, error) {
	t0 := time.Now()
	if err := c.checkRead(epoch); err != nil {
		return nil, err
	}
	if end <= start {
		return nil, extent.ErrInvalidRange
	}
	defer c.eng.metrics.ObserveFetch(t0)
	c.eng.metrics.Fetches.Inc()

	_ = c.tsc.CheckUpdate(AkeyPath(obj, dkey, akey), epoch, tscache.Read)

	for attempt := 0; ; attempt++ {
		buf, busy, err := c.fetchArrayOnce(obj, dkey, akey, epoch, start, end, dtxID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.eng.metrics.NotFound.Inc()
			}
			return nil, err
		}
		if !busy {
			return buf, nil
		}
		if attempt >= c.eng.opts.BusyRetries {
			return nil, ErrBusy
		}
		time.Sleep(time.Millisecond << uint(attempt))
	}
}

// fetchArrayOnce runs one array read attempt under the stripe read lock.
func (c *Container) fetchArrayOnce(obj ObjectID, dkey, akey string, epoch Epoch, start, end uint64, dtxID DTXID) ([]byte, bool, error) {
	mu := c.stripeFor(obj)
	mu.RLock()
	defer mu.RUnlock()

	res := c.eng.dtxTable
	node, ok := c.index.GetObject(obj)
	if !ok || !node.Ilog.VisibleAt(epoch, dtxID, res) {
		if ok && node.Ilog.UncertainAt(epoch, dtxID, res) {
			return nil, true, nil
		}
		return nil, false, ErrNotFound
	}
	dk, ok := node.GetDkey(dkey)
	if !ok || !dk.Ilog.VisibleAt(epoch, dtxID, res) {
		if ok && dk.Ilog.UncertainAt(epoch, dtxID, res) {
			return nil, true, nil
		}
		return nil, false, ErrNotFound
	}
	ak, ok := dk.GetAkey(akey)
	if !ok || !ak.Ilog.VisibleAt(epoch, dtxID, res) {
		if ok && ak.Ilog.UncertainAt(epoch, dtxID, res) {
			return nil, true, nil
		}
		return nil, false, ErrNotFound
	}
	if !ak.IsArray() {
		return nil, false, fmt.Errorf("%w: akey holds single values", keyindex.ErrClassMismatch)
	}
	if c.extentUncertain(ak, epoch, start, end, dtxID) {
		return nil, true, nil
	}

	slices, err := ak.Extents.Read(epoch, start, end, dtxID, res)
	if err != nil {
		return nil, false, err
	}
	buf := make([]byte, end-start)
	for _, s := range slices {
		if s.IsHole() {
			continue
		}
		payload, err := c.extentPayload(s.Ext)
		if err != nil {
			return nil, false, fmt.Errorf("%w at %s", err, AkeyPath(obj, dkey, akey))
		}
		off := s.PayloadOffset()
		copy(buf[s.Start-start:s.End-start], payload[off:off+(s.End-s.Start)])
	}
	return buf, false, nil
}

// extentUncertain reports whether a prepared foreign extent overlaps the
// queried range at or below the read epoch and could still commit over it.
func (c *Container) extentUncertain(ak *keyindex.AkeyNode, epoch Epoch, start, end uint64, reader DTXID) bool {
	uncertain := false
	ak.Extents.Visit(func(e *extent.Extent) bool {
		if e.Epoch > epoch || e.DTX == NilDTX || e.DTX == reader {
			return true
		}
		if e.Start >= end || e.End <= start {
			return true
		}
		if state, _ := c.eng.dtxTable.ResolveDTX(e.DTX); state == vformat.DTXCommittable {
			uncertain = true
			return false
		}
		return true
	})
	return uncertain
}

// extentPayload resolves one extent's full payload, verifying its checksum.
func (c *Container) extentPayload(e *extent.Extent) ([]byte, error) {
	var data []byte
	if e.Ref.IsZero() {
		data = e.Inline
	} else {
		var err error
		data, err = c.blobs.Read(e.Ref)
		if err != nil {
			if errors.Is(err, blob.ErrCorrupt) {
				return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			return nil, err
		}
	}
	if !c.eng.opts.ChecksumProvider.Verify(data, e.Checksum) {
		return nil, fmt.Errorf("%w: extent checksum mismatch", ErrCorruption)
	}
	return data, nil
}

// ListAkeys enumerates the akeys of (obj, dkey) visible at the given epoch,
// in key order.
func (c *Container) ListAkeys(obj ObjectID, dkey string, epoch Epoch, dtxID DTXID) ([]string, error) {
	if err := c.checkRead(epoch); err != nil {
		return nil, err
	}
	mu := c.stripeFor(obj)
	mu.RLock()
	defer mu.RUnlock()

	res := c.eng.dtxTable
	node, ok := c.index.GetObject(obj)
	if !ok || !node.Ilog.VisibleAt(epoch, dtxID, res) {
		return nil, ErrNotFound
	}
	dk, ok := node.GetDkey(dkey)
	if !ok || !dk.Ilog.VisibleAt(epoch, dtxID, res) {
		return nil, ErrNotFound
	}
	var out []string
	dk.AscendAkeys(func(ak *keyindex.AkeyNode) bool {
		if ak.Ilog.VisibleAt(epoch, dtxID, res) {
			out = append(out, ak.Key)
		}
		return true
	})
	return out, nil
}

// ListDkeys enumerates the dkeys of obj visible at the given epoch, in key
// order.
func (c *Container) ListDkeys(obj ObjectID, epoch Epoch, dtxID DTXID) ([]string, error) {
	if err := c.checkRead(epoch); err != nil {
		return nil, err
	}
	mu := c.stripeFor(obj)
	mu.RLock()
	defer mu.RUnlock()

	res := c.eng.dtxTable
	node, ok := c.index.GetObject(obj)
	if !ok || !node.Ilog.VisibleAt(epoch, dtxID, res) {
		return nil, ErrNotFound
	}
	var out []string
	node.AscendDkeys(func(dk *keyindex.DkeyNode) bool {
		if dk.Ilog.VisibleAt(epoch, dtxID, res) {
			out = append(out, dk.Key)
		}
		return true
	})
	return out, nil
}

// closeFiles closes the journal and blob store.
func (c *Container) closeFiles() error {
	if c.closed.Swap(true) {
		return nil
	}
	var first error
	if c.jw != nil {
		if err := c.jw.Close(); err != nil {
			first = err
		}
	}
	if err := c.blobs.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// dtxRef builds the transaction-table ref for one provisional record.
func dtxRef(path EntityPath, epoch Epoch) dtx.Ref {
	return dtx.Ref{Entity: path, Epoch: epoch}
}
