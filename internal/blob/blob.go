// Package blob implements the block-storage tier: append-only payload files
// holding the array extents and large single values that do not fit inline
// in the key index.
//
// Payloads are compressed, appended to the active file, and addressed by a
// PayloadRef recording the file number, offset, stored length, logical size,
// and compression type. Files are never rewritten; the active file rotates
// once it passes the target size, and a file is deleted only when the last
// reference into it is released by aggregation or transaction abort.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aalhour/vostore/internal/compress"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/vformat"
	"github.com/aalhour/vostore/internal/vfs"
)

var (
	// ErrCorrupt is returned when a payload file fails structural
	// validation.
	ErrCorrupt = errors.New("blob: corrupt payload file")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("blob: store is closed")
)

const (
	magic      uint64 = 0x31424f4c42534f56 // "VOSBLOB1"
	headerSize        = 16

	// DefaultTargetFileSize is the rotation threshold for the active file.
	DefaultTargetFileSize = 64 << 20
)

// fileName returns the payload file name for a file number.
func fileName(num uint64) string {
	return fmt.Sprintf("%06d.blob", num)
}

// Options configures a Store.
type Options struct {
	// TargetFileSize is the rotation threshold. Zero means the default.
	TargetFileSize uint64
	// SyncWrites forces a file sync after every append. The container
	// journal already orders durability, so this is off by default.
	SyncWrites bool
	// Logger receives store events. Nil means the default logger.
	Logger logging.Logger
}

// Store is the payload store of one container. Safe for concurrent use.
type Store struct {
	fs     vfs.FS
	dir    string
	opts   Options
	logger logging.Logger

	mu        sync.Mutex
	active    vfs.WritableFile
	activeNum uint64
	activeOff uint64
	live      map[uint64]uint64 // live stored bytes per file
	readers   map[uint64]vfs.RandomAccessFile
	closed    bool
}

// Open opens the payload store rooted at dir, creating the directory and a
// fresh active file. Existing files stay read-only; their live byte counts
// are rebuilt by the caller via Retain during index replay.
func Open(fs vfs.FS, dir string, opts Options) (*Store, error) {
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = DefaultTargetFileSize
	}
	logger := logging.OrDefault(opts.Logger)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}

	maxNum := uint64(0)
	names, err := fs.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: list dir: %w", err)
	}
	for _, name := range names {
		var num uint64
		if _, err := fmt.Sscanf(name, "%d.blob", &num); err == nil && num > maxNum {
			maxNum = num
		}
	}

	s := &Store{
		fs:      fs,
		dir:     dir,
		opts:    opts,
		logger:  logger,
		live:    make(map[uint64]uint64),
		readers: make(map[uint64]vfs.RandomAccessFile),
	}
	if err := s.openActive(maxNum + 1); err != nil {
		return nil, err
	}
	logger.Infof("[blob] opened store at %s, active file %06d", dir, s.activeNum)
	return s, nil
}

// openActive creates payload file num and writes its header. Callers hold
// s.mu or have exclusive access.
func (s *Store) openActive(num uint64) error {
	f, err := s.fs.Create(filepath.Join(s.dir, fileName(num)))
	if err != nil {
		return fmt.Errorf("blob: create payload file: %w", err)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], 1) // format version
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("blob: write header: %w", err)
	}
	if err := s.fs.SyncDir(s.dir); err != nil {
		_ = f.Close()
		return fmt.Errorf("blob: sync dir: %w", err)
	}
	s.active = f
	s.activeNum = num
	s.activeOff = headerSize
	return nil
}

// Write compresses and appends one payload, returning the reference that
// addresses it. The reference's Size is the logical payload length.
func (s *Store) Write(payload []byte, comp compress.Type) (vformat.PayloadRef, error) {
	stored, err := compress.Compress(comp, payload)
	if err != nil {
		return vformat.PayloadRef{}, err
	}
	// Compression that does not pay for itself is dropped.
	if comp != compress.None && len(stored) >= len(payload) {
		stored = payload
		comp = compress.None
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vformat.PayloadRef{}, ErrClosed
	}

	ref := vformat.PayloadRef{
		FileNum:     s.activeNum,
		Offset:      s.activeOff,
		Length:      uint64(len(stored)),
		Size:        uint64(len(payload)),
		Compression: uint8(comp),
	}
	if _, err := s.active.Write(stored); err != nil {
		return vformat.PayloadRef{}, fmt.Errorf("blob: append payload: %w", err)
	}
	if s.opts.SyncWrites {
		if err := s.active.Sync(); err != nil {
			return vformat.PayloadRef{}, fmt.Errorf("blob: sync payload file: %w", err)
		}
	}
	s.activeOff += ref.Length
	s.live[s.activeNum] += ref.Length

	if s.activeOff >= s.opts.TargetFileSize {
		if err := s.rotateLocked(); err != nil {
			return vformat.PayloadRef{}, err
		}
	}
	return ref, nil
}

// rotateLocked closes the active file and starts the next one.
func (s *Store) rotateLocked() error {
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("blob: sync before rotate: %w", err)
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("blob: close before rotate: %w", err)
	}
	next := s.activeNum + 1
	s.logger.Debugf("[blob] rotating %06d -> %06d", s.activeNum, next)
	return s.openActive(next)
}

// Read fetches and decompresses the payload addressed by ref. A logical
// size mismatch after decompression reports corruption.
func (s *Store) Read(ref vformat.PayloadRef) ([]byte, error) {
	r, transient, err := s.reader(ref.FileNum)
	if err != nil {
		return nil, err
	}
	if transient {
		defer r.Close()
	}
	stored := make([]byte, ref.Length)
	if _, err := r.ReadAt(stored, int64(ref.Offset)); err != nil {
		return nil, fmt.Errorf("blob: read payload at %06d:%d: %w", ref.FileNum, ref.Offset, err)
	}
	payload, err := compress.Decompress(compress.Type(ref.Compression), stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(payload)) != ref.Size {
		return nil, fmt.Errorf("%w: payload size %d, reference says %d", ErrCorrupt, len(payload), ref.Size)
	}
	return payload, nil
}

// reader returns a random-access reader for a payload file, checking the
// header on first open. Readers of sealed files are cached; the still
// growing active file gets a transient handle that the caller must close.
func (s *Store) reader(num uint64) (vfs.RandomAccessFile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if r, ok := s.readers[num]; ok {
		return r, false, nil
	}
	if num == s.activeNum {
		if err := s.active.Sync(); err != nil {
			return nil, false, fmt.Errorf("blob: sync active for read: %w", err)
		}
		r, err := s.fs.OpenRandomAccess(filepath.Join(s.dir, fileName(num)))
		if err != nil {
			return nil, false, fmt.Errorf("blob: open active file %06d: %w", num, err)
		}
		return r, true, nil
	}
	r, err := s.fs.OpenRandomAccess(filepath.Join(s.dir, fileName(num)))
	if err != nil {
		return nil, false, fmt.Errorf("blob: open payload file %06d: %w", num, err)
	}
	var hdr [headerSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		_ = r.Close()
		return nil, false, fmt.Errorf("%w: short header in %06d", ErrCorrupt, num)
	}
	if binary.LittleEndian.Uint64(hdr[0:8]) != magic {
		_ = r.Close()
		return nil, false, fmt.Errorf("%w: bad magic in %06d", ErrCorrupt, num)
	}
	s.readers[num] = r
	return r, false, nil
}

// Retain records a live reference into a payload file. Called during index
// replay to rebuild the per-file live byte counts.
func (s *Store) Retain(ref vformat.PayloadRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[ref.FileNum] += ref.Length
}

// Release drops a reference. A payload file whose last reference is gone is
// deleted, unless it is still the active file.
func (s *Store) Release(ref vformat.PayloadRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	n := s.live[ref.FileNum]
	if n <= ref.Length {
		delete(s.live, ref.FileNum)
		if ref.FileNum != s.activeNum {
			s.removeFileLocked(ref.FileNum)
		}
	} else {
		s.live[ref.FileNum] = n - ref.Length
	}
}

// removeFileLocked deletes a dead payload file and its cached reader.
func (s *Store) removeFileLocked(num uint64) {
	if r, ok := s.readers[num]; ok {
		_ = r.Close()
		delete(s.readers, num)
	}
	name := filepath.Join(s.dir, fileName(num))
	if err := s.fs.Remove(name); err != nil {
		s.logger.Warnf("[blob] remove dead file %06d: %v", num, err)
		return
	}
	s.logger.Infof("[blob] removed dead payload file %06d", num)
}

// LiveBytes returns the total live stored bytes across all files.
func (s *Store) LiveBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, n := range s.live {
		total += n
	}
	return total
}

// Sync flushes the active payload file.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.active.Sync()
}

// Close syncs and closes the store. Further operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.active.Sync()
	if cerr := s.active.Close(); err == nil {
		err = cerr
	}
	for _, r := range s.readers {
		_ = r.Close()
	}
	s.readers = nil
	return err
}
