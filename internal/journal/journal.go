// Package journal implements the container metadata journal: an append-only,
// checksummed record log that makes index mutations crash-atomic.
//
// Every foreground operation appends one logical record (a value write, an
// extent write, a punch, or a transaction state change) before the in-memory
// index is considered durable. On open, the container replays the journal to
// rebuild its index; a torn record at the tail is the expected signature of a
// crash and cleanly ends replay.
//
// The file is divided into 32 KiB blocks. A logical record is fragmented
// across blocks as needed; each fragment carries an XXH3 digest over its type
// and payload so that torn and bit-rotted fragments are told apart from
// clean end-of-log.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/vostore/internal/vfs"
	"github.com/zeebo/xxh3"
)

const (
	// BlockSize is the fragmentation unit of the journal file.
	BlockSize = 32 << 10

	// headerSize is the fragment header: digest (8) + length (2) + type (1).
	headerSize = 11

	// MaxFragmentPayload is the largest payload one fragment can carry.
	MaxFragmentPayload = BlockSize - headerSize
)

// Fragment types. Zero is reserved so that preallocated or padded regions
// read as end-of-log.
const (
	typeZero   = 0
	typeFull   = 1
	typeFirst  = 2
	typeMiddle = 3
	typeLast   = 4
)

// ErrClosed is returned for operations on a closed writer.
var ErrClosed = errors.New("journal: closed")

// digest hashes one fragment's type byte and payload.
func digest(t byte, payload []byte) uint64 {
	var h xxh3.Hasher
	_, _ = h.Write([]byte{t})
	_, _ = h.Write(payload)
	return h.Sum64()
}

// Writer appends logical records to a journal file.
type Writer struct {
	f      vfs.WritableFile
	block  int // offset within the current block
	hdr    [headerSize]byte
	closed bool
}

// NewWriter returns a writer positioned at the start of an empty journal
// file.
func NewWriter(f vfs.WritableFile) *Writer {
	return &Writer{f: f}
}

// AddRecord appends one logical record, fragmenting it across block
// boundaries as needed. The record is not durable until Sync returns.
func (w *Writer) AddRecord(data []byte) error {
	if w.closed {
		return ErrClosed
	}
	rest := data
	first := true
	for {
		leftover := BlockSize - w.block
		if leftover < headerSize {
			// Too small for another header: pad out the block.
			if leftover > 0 {
				if _, err := w.f.Write(make([]byte, leftover)); err != nil {
					return fmt.Errorf("journal: pad block: %w", err)
				}
			}
			w.block = 0
		}

		avail := BlockSize - w.block - headerSize
		n := len(rest)
		if n > avail {
			n = avail
		}
		last := n == len(rest)

		var t byte
		switch {
		case first && last:
			t = typeFull
		case first:
			t = typeFirst
		case last:
			t = typeLast
		default:
			t = typeMiddle
		}
		if err := w.emit(t, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
		first = false
		if last {
			return nil
		}
	}
}

// emit writes a single fragment.
func (w *Writer) emit(t byte, payload []byte) error {
	binary.LittleEndian.PutUint64(w.hdr[0:8], digest(t, payload))
	binary.LittleEndian.PutUint16(w.hdr[8:10], uint16(len(payload)))
	w.hdr[10] = t
	if _, err := w.f.Write(w.hdr[:]); err != nil {
		return fmt.Errorf("journal: write header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("journal: write payload: %w", err)
	}
	w.block += headerSize + len(payload)
	return nil
}

// Sync makes every record appended so far durable.
func (w *Writer) Sync() error {
	if w.closed {
		return ErrClosed
	}
	return w.f.Sync()
}

// Close syncs and closes the journal file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader replays logical records from a journal file.
//
// A damaged fragment ends replay: everything from the damage on is treated
// as a torn tail, reported through Dropped, and ReadRecord returns io.EOF.
// Records before the damage are returned intact.
type Reader struct {
	r       vfs.SequentialFile
	block   [BlockSize]byte
	valid   int // bytes of block actually filled
	pos     int // parse position within block
	eof     bool
	torn    bool
	dropped int
}

// NewReader returns a reader positioned at the start of the journal.
func NewReader(r vfs.SequentialFile) *Reader {
	return &Reader{r: r}
}

// Dropped returns the number of fragments discarded as a torn tail.
func (r *Reader) Dropped() int {
	return r.dropped
}

// ReadRecord returns the next logical record, or io.EOF at the end of the
// journal (clean or torn).
func (r *Reader) ReadRecord() ([]byte, error) {
	var record []byte
	assembling := false
	for {
		t, payload, ok := r.nextFragment()
		if !ok {
			if assembling {
				// A record started but the log ended mid-flight:
				// torn tail.
				r.dropped++
			}
			return nil, io.EOF
		}
		switch t {
		case typeFull:
			if assembling {
				r.markTorn()
				return nil, io.EOF
			}
			return append([]byte(nil), payload...), nil
		case typeFirst:
			if assembling {
				r.markTorn()
				return nil, io.EOF
			}
			record = append(record[:0], payload...)
			assembling = true
		case typeMiddle:
			if !assembling {
				r.markTorn()
				return nil, io.EOF
			}
			record = append(record, payload...)
		case typeLast:
			if !assembling {
				r.markTorn()
				return nil, io.EOF
			}
			return append(record, payload...), nil
		default:
			r.markTorn()
			return nil, io.EOF
		}
	}
}

// markTorn flags the rest of the log as unusable.
func (r *Reader) markTorn() {
	r.torn = true
	r.dropped++
}

// nextFragment parses one fragment, refilling the block buffer as needed.
// Returns ok=false at end of log or on damage.
func (r *Reader) nextFragment() (byte, []byte, bool) {
	if r.torn {
		return 0, nil, false
	}
	for {
		if r.valid-r.pos < headerSize {
			if !r.refill() {
				return 0, nil, false
			}
			continue
		}
		hdr := r.block[r.pos : r.pos+headerSize]
		want := binary.LittleEndian.Uint64(hdr[0:8])
		n := int(binary.LittleEndian.Uint16(hdr[8:10]))
		t := hdr[10]

		if t == typeZero && want == 0 && n == 0 {
			// Block padding: skip to the next block.
			r.pos = r.valid
			continue
		}
		if r.pos+headerSize+n > r.valid {
			// Length runs past the data actually on disk: torn write.
			r.markTornSilent()
			return 0, nil, false
		}
		payload := r.block[r.pos+headerSize : r.pos+headerSize+n]
		if digest(t, payload) != want {
			r.markTornSilent()
			return 0, nil, false
		}
		r.pos += headerSize + n
		return t, payload, true
	}
}

// markTornSilent flags damage found at the fragment level; the caller
// accounts for dropped records.
func (r *Reader) markTornSilent() {
	r.torn = true
	r.dropped++
}

// refill loads the next block. Returns false at end of file.
func (r *Reader) refill() bool {
	if r.eof {
		return false
	}
	n, err := io.ReadFull(r.r, r.block[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		r.eof = true
	} else if err != nil {
		r.eof = true
		r.torn = true
		return false
	}
	if n == 0 {
		return false
	}
	r.valid = n
	r.pos = 0
	return true
}
