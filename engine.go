package vostore

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aalhour/vostore/internal/dtx"
	"github.com/aalhour/vostore/internal/journal"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/metrics"
	"github.com/aalhour/vostore/internal/space"
	"github.com/aalhour/vostore/internal/vfs"
	"github.com/google/uuid"
)

// dtxLogPrefix names the engine-wide transaction journal files. The log is
// rewritten to a fresh numbered file on every open and on retirement, so it
// holds one record per live transaction plus the appends since.
const dtxLogPrefix = "dtx-"

// Engine is one storage engine instance rooted at a directory. It owns the
// pools beneath it, the engine-wide transaction table, and the metric set.
// Safe for concurrent use.
type Engine struct {
	path   string
	opts   *Options
	fs     vfs.FS
	logger logging.Logger

	dtxTable *dtx.Table
	metrics  *metrics.Engine

	mu         sync.Mutex
	pools      map[uuid.UUID]*Pool
	containers map[containerKey]*Container
	dtxLog     *journal.Writer
	dtxSeq     uint64
	closed     bool

	// bgErr is set by the fatal handler; once set, writes are rejected.
	bgErr atomic.Pointer[error]
}

// Pool is a named capacity domain: a directory plus the space tracker
// shared by its containers.
type Pool struct {
	id    uuid.UUID
	dir   string
	space *space.Tracker
}

// ID returns the pool's identifier.
func (p *Pool) ID() uuid.UUID { return p.id }

// Space returns the used bytes on the meta and data tiers.
func (p *Pool) Space() (meta, data uint64) {
	return p.space.Used(space.TierMeta), p.space.Used(space.TierData)
}

type containerKey struct {
	pool uuid.UUID
	cont uuid.UUID
}

// Open opens (creating as needed) an engine rooted at path. A nil opts
// selects defaults.
func Open(path string, opts *Options) (*Engine, error) {
	o, err := defaultOptions(opts)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		path:       path,
		opts:       o,
		fs:         o.FS,
		logger:     o.Logger,
		dtxTable:   dtx.NewTable(),
		metrics:    metrics.New(),
		pools:      make(map[uuid.UUID]*Pool),
		containers: make(map[containerKey]*Container),
	}
	if err := e.fs.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("vostore: create root: %w", err)
	}

	// A fatal anywhere in the engine parks it: writes fail fast with the
	// recorded error instead of running against suspect state.
	if dl, ok := e.logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			err := fmt.Errorf("%w: %s", logging.ErrFatal, msg)
			e.bgErr.CompareAndSwap(nil, &err)
		})
	}

	if err := e.replayDTXLog(); err != nil {
		return nil, err
	}
	if err := e.rotateDTXLog(); err != nil {
		return nil, err
	}
	if err := e.discoverPools(); err != nil {
		return nil, err
	}
	e.logger.Infof(logging.NSEngine+"opened engine at %s (%d pools, %d transactions)",
		path, len(e.pools), e.dtxTable.Len())
	return e, nil
}

// dtxLogFiles lists the transaction log files in sequence order.
func (e *Engine) dtxLogFiles() ([]string, []uint64, error) {
	names, err := e.fs.ListDir(e.path)
	if err != nil {
		return nil, nil, fmt.Errorf("vostore: list root: %w", err)
	}
	var seqs []uint64
	for _, name := range names {
		if seq, ok := logFileSeq(name, dtxLogPrefix); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	files := make([]string, len(seqs))
	for i, seq := range seqs {
		files[i] = filepath.Join(e.path, logFileName(dtxLogPrefix, seq))
	}
	return files, seqs, nil
}

// replayDTXLog restores the transaction table from the engine journal files,
// oldest first. The newest record per id wins.
func (e *Engine) replayDTXLog() error {
	files, seqs, err := e.dtxLogFiles()
	if err != nil {
		return err
	}
	n, dropped := 0, 0
	for _, name := range files {
		f, err := e.fs.Open(name)
		if err != nil {
			return fmt.Errorf("vostore: open transaction log: %w", err)
		}
		r := journal.NewReader(f)
		for {
			data, err := r.ReadRecord()
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("vostore: read transaction log: %w", err)
			}
			rec, err := dtx.DecodeRecord(data)
			if err != nil {
				e.logger.Warnf(logging.NSDTX+"skipping undecodable transaction record: %v", err)
				continue
			}
			e.dtxTable.Restore(rec)
			n++
		}
		dropped += r.Dropped()
		_ = f.Close()
	}
	if dropped > 0 {
		e.logger.Warnf(logging.NSDTX+"transaction log had a torn tail (%d fragments dropped)", dropped)
	}
	if n > 0 {
		e.logger.Infof(logging.NSDTX+"restored %d transaction records", n)
	}
	if len(seqs) > 0 {
		e.dtxSeq = seqs[len(seqs)-1]
	}
	return nil
}

// rotateDTXLog starts a fresh transaction log file holding one record per
// tracked transaction, points appends at it, and drops the superseded files.
// The old files stay on disk until the new one is durable, so a crash at any
// point leaves a replayable set.
func (e *Engine) rotateDTXLog() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	seq := e.dtxSeq + 1
	f, err := e.fs.Create(filepath.Join(e.path, logFileName(dtxLogPrefix, seq)))
	if err != nil {
		return fmt.Errorf("vostore: create transaction log: %w", err)
	}
	w := journal.NewWriter(f)
	for _, rec := range e.dtxTable.Snapshot() {
		if err := w.AddRecord(rec.Encode()); err != nil {
			_ = w.Close()
			return fmt.Errorf("vostore: rewrite transaction log: %w", err)
		}
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return fmt.Errorf("vostore: sync transaction log: %w", err)
	}
	if e.dtxLog != nil {
		_ = e.dtxLog.Close()
	}
	e.dtxLog = w
	e.dtxSeq = seq

	files, seqs, err := e.dtxLogFiles()
	if err == nil {
		for i, s := range seqs {
			if s < seq {
				_ = e.fs.Remove(files[i])
			}
		}
	}
	return e.fs.SyncDir(e.path)
}

// discoverPools registers the pool directories already on disk.
func (e *Engine) discoverPools() error {
	names, err := e.fs.ListDir(e.path)
	if err != nil {
		return fmt.Errorf("vostore: list root: %w", err)
	}
	for _, name := range names {
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		e.pools[id] = &Pool{
			id:    id,
			dir:   filepath.Join(e.path, name),
			space: space.NewTracker(e.opts.MetaCapacity, e.opts.DataCapacity),
		}
	}
	return nil
}

// checkOpen validates that the engine accepts new work.
func (e *Engine) checkOpen() error {
	if err := e.bgErr.Load(); err != nil {
		return *err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// CreatePool creates a pool directory with the engine's configured tier
// capacities. Creating an existing pool is an error.
func (e *Engine) CreatePool(id uuid.UUID) (*Pool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pools[id]; ok {
		return nil, fmt.Errorf("vostore: pool %s already exists", id)
	}
	dir := filepath.Join(e.path, id.String())
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vostore: create pool: %w", err)
	}
	if err := e.fs.SyncDir(e.path); err != nil {
		return nil, fmt.Errorf("vostore: sync root: %w", err)
	}
	p := &Pool{id: id, dir: dir, space: space.NewTracker(e.opts.MetaCapacity, e.opts.DataCapacity)}
	e.pools[id] = p
	e.logger.Infof(logging.NSEngine+"created pool %s", id)
	return p, nil
}

// LookupPool returns an open pool.
func (e *Engine) LookupPool(id uuid.UUID) (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	return p, nil
}

// CreateContainer creates a container inside a pool and opens it.
func (e *Engine) CreateContainer(poolID, contID uuid.UUID) (*Container, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := e.LookupPool(poolID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(p.dir, contID.String())
	if e.fs.Exists(dir) {
		return nil, fmt.Errorf("vostore: container %s already exists in pool %s", contID, poolID)
	}
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vostore: create container: %w", err)
	}
	if err := e.fs.SyncDir(p.dir); err != nil {
		return nil, fmt.Errorf("vostore: sync pool dir: %w", err)
	}
	return e.OpenContainer(poolID, contID)
}

// OpenContainer opens a container, replaying its journal. Containers are
// cached: repeated opens return the same instance.
func (e *Engine) OpenContainer(poolID, contID uuid.UUID) (*Container, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := e.LookupPool(poolID)
	if err != nil {
		return nil, err
	}

	key := containerKey{pool: poolID, cont: contID}
	e.mu.Lock()
	if c, ok := e.containers[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	dir := filepath.Join(p.dir, contID.String())
	if !e.fs.Exists(dir) {
		return nil, fmt.Errorf("%w: container %s in pool %s", ErrNotFound, contID, poolID)
	}
	c, err := openContainer(e, p, contID, dir)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.containers[key]; ok {
		// Lost the open race; keep the winner.
		_ = c.closeFiles()
		return existing, nil
	}
	e.containers[key] = c
	return c, nil
}

// Metrics exposes this engine's metric set (Prometheus text format via
// WritePrometheus).
func (e *Engine) Metrics() *metrics.Engine {
	return e.metrics
}

// BackgroundError returns the error that parked the engine, if any.
func (e *Engine) BackgroundError() error {
	if err := e.bgErr.Load(); err != nil {
		return *err
	}
	return nil
}

// Close syncs and closes every open container and the transaction log.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	containers := make([]*Container, 0, len(e.containers))
	for _, c := range e.containers {
		containers = append(containers, c)
	}
	dtxLog := e.dtxLog
	e.mu.Unlock()

	var first error
	for _, c := range containers {
		if err := c.closeFiles(); err != nil && first == nil {
			first = err
		}
	}
	if dtxLog != nil {
		if err := dtxLog.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.logger.Infof(logging.NSEngine + "engine closed")
	return first
}
