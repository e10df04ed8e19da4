package vostore

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aalhour/vostore/internal/extent"
	"github.com/aalhour/vostore/internal/ilog"
	"github.com/aalhour/vostore/internal/journal"
	"github.com/aalhour/vostore/internal/keyindex"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/space"
	"github.com/aalhour/vostore/internal/vformat"
)

// Container journal record kinds. jrCheckpoint and jrIncarnate appear only
// in checkpoint files: a checkpoint file opens with a jrCheckpoint marker and
// then encodes the whole index, using jrIncarnate for incarnation-log entries
// that the value and extent records alone would not re-create.
const (
	jrValue      = 1
	jrExtent     = 2
	jrPunch      = 3
	jrCheckpoint = 4
	jrIncarnate  = 5
)

// logFileName builds a numbered log file name such as "journal-000007.log".
// A fresh file is started per session so a writer never resumes mid-file,
// which would misalign its fragments against the physical block grid.
func logFileName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%06d.log", prefix, seq)
}

// logFileSeq parses the sequence number out of a numbered log file name.
func logFileSeq(name, prefix string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log"), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func appendU64(buf []byte, x uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, x)
}

func appendKey(buf []byte, key string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
	return append(buf, key...)
}

type recDecoder struct {
	buf []byte
	err error
}

func (d *recDecoder) u64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail()
		return 0
	}
	x := binary.LittleEndian.Uint64(d.buf[:8])
	d.buf = d.buf[8:]
	return x
}

func (d *recDecoder) u8() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()
		return 0
	}
	x := d.buf[0]
	d.buf = d.buf[1:]
	return x
}

func (d *recDecoder) key() string {
	if d.err != nil || len(d.buf) < 2 {
		d.fail()
		return ""
	}
	n := int(binary.LittleEndian.Uint16(d.buf[:2]))
	d.buf = d.buf[2:]
	if len(d.buf) < n {
		d.fail()
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *recDecoder) bytes(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		d.fail()
		return nil
	}
	b := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return b
}

func (d *recDecoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated journal record", ErrCorruption)
	}
}

// encodeValueRecord serializes one single-value write.
func encodeValueRecord(obj ObjectID, class ObjClass, dkey, akey string, desc *ValueDesc) []byte {
	buf := make([]byte, 0, 1+16+1+4+len(dkey)+len(akey)+len(desc.Inline)+64)
	buf = append(buf, jrValue)
	buf = appendU64(buf, obj.Hi)
	buf = appendU64(buf, obj.Lo)
	buf = append(buf, byte(class))
	buf = appendKey(buf, dkey)
	buf = appendKey(buf, akey)
	return desc.Encode(buf)
}

// encodeExtentRecord serializes one array write or range punch.
func encodeExtentRecord(obj ObjectID, dkey, akey string, e *extent.Extent) []byte {
	buf := make([]byte, 0, 1+16+4+len(dkey)+len(akey)+len(e.Inline)+96)
	buf = append(buf, jrExtent)
	buf = appendU64(buf, obj.Hi)
	buf = appendU64(buf, obj.Lo)
	buf = appendKey(buf, dkey)
	buf = appendKey(buf, akey)
	buf = appendU64(buf, e.Start)
	buf = appendU64(buf, e.End)
	buf = appendU64(buf, uint64(e.Epoch))
	if e.Punch {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU64(buf, e.Checksum)
	buf = appendU64(buf, e.Ref.FileNum)
	buf = appendU64(buf, e.Ref.Offset)
	buf = appendU64(buf, e.Ref.Length)
	buf = appendU64(buf, e.Ref.Size)
	buf = append(buf, e.Ref.Compression)
	buf = append(buf, e.DTX[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Inline)))
	return append(buf, e.Inline...)
}

// encodePunchRecord serializes one object, dkey, or akey punch.
func encodePunchRecord(path EntityPath, epoch Epoch, dtxID DTXID) []byte {
	buf := make([]byte, 0, 1+1+16+4+len(path.Dkey)+len(path.Akey)+24)
	buf = append(buf, jrPunch)
	buf = append(buf, byte(path.Level))
	buf = appendU64(buf, path.Object.Hi)
	buf = appendU64(buf, path.Object.Lo)
	buf = appendKey(buf, path.Dkey)
	buf = appendKey(buf, path.Akey)
	buf = appendU64(buf, uint64(epoch))
	return append(buf, dtxID[:]...)
}

// encodeIncarnateRecord serializes one incarnation-log entry for a
// checkpoint file. The object class and akey shape ride along so replay can
// re-create the path nodes.
func encodeIncarnateRecord(path EntityPath, class ObjClass, array bool, e ilog.Entry) []byte {
	buf := make([]byte, 0, 1+3+16+4+len(path.Dkey)+len(path.Akey)+25)
	buf = append(buf, jrIncarnate)
	buf = append(buf, byte(path.Level))
	buf = append(buf, byte(class))
	if array {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU64(buf, path.Object.Hi)
	buf = appendU64(buf, path.Object.Lo)
	buf = appendKey(buf, path.Dkey)
	buf = appendKey(buf, path.Akey)
	buf = appendU64(buf, uint64(e.Epoch))
	buf = append(buf, byte(e.Event))
	return append(buf, e.DTX[:]...)
}

// journalFiles lists the container's journal files in sequence order.
func (c *Container) journalFiles() ([]string, []uint64, error) {
	names, err := c.eng.fs.ListDir(c.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("vostore: list container dir: %w", err)
	}
	var seqs []uint64
	for _, name := range names {
		if seq, ok := logFileSeq(name, journalPrefix); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	files := make([]string, len(seqs))
	for i, seq := range seqs {
		files[i] = filepath.Join(c.dir, logFileName(journalPrefix, seq))
	}
	return files, seqs, nil
}

// leadsCheckpoint reports whether the file's first record is a checkpoint
// marker, meaning the file holds a full index snapshot that supersedes every
// earlier journal file.
func (c *Container) leadsCheckpoint(name string) bool {
	f, err := c.eng.fs.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	data, err := journal.NewReader(f).ReadRecord()
	return err == nil && len(data) > 0 && data[0] == jrCheckpoint
}

// replay rebuilds the in-memory index from the container's journal files:
// every record is re-applied, block-storage references are retained, and the
// conflict cache floor is raised to the highest epoch seen. Replay starts at
// the newest checkpoint file, if any; files before it are superseded and
// removed. A torn tail in the last session's file is the expected signature
// of a crash and cleanly ends that file's replay.
func (c *Container) replay() error {
	files, seqs, err := c.journalFiles()
	if err != nil {
		return err
	}
	start := 0
	for i := len(files) - 1; i > 0; i-- {
		if c.leadsCheckpoint(files[i]) {
			start = i
			break
		}
	}

	var applied, dropped int
	var maxEpoch Epoch
	for _, name := range files[start:] {
		f, err := c.eng.fs.Open(name)
		if err != nil {
			return fmt.Errorf("vostore: open container journal: %w", err)
		}
		r := journal.NewReader(f)
		for {
			data, err := r.ReadRecord()
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("vostore: read container journal: %w", err)
			}
			epoch, err := c.replayRecord(data)
			if err != nil {
				_ = f.Close()
				return err
			}
			if epoch > maxEpoch {
				maxEpoch = epoch
			}
			applied++
		}
		dropped += r.Dropped()
		_ = f.Close()
	}
	if dropped > 0 {
		c.logger.Warnf(logging.NSReplay+"container %s journal had a torn tail (%d fragments dropped)", c.id, dropped)
	}
	c.tsc.SetFloor(maxEpoch)
	if applied > 0 {
		c.logger.Infof(logging.NSReplay+"container %s: replayed %d records, floor epoch %d", c.id, applied, maxEpoch)
	}

	// Superseded and half-written files are garbage now.
	for _, name := range files[:start] {
		_ = c.eng.fs.Remove(name)
	}
	if tmp := filepath.Join(c.dir, journalCkptName); c.eng.fs.Exists(tmp) {
		_ = c.eng.fs.Remove(tmp)
	}
	if len(seqs) > 0 {
		c.journalSeq = seqs[len(seqs)-1]
	}
	return nil
}

// replayRecord re-applies one journal record to the index and re-reserves
// the space it occupies.
func (c *Container) replayRecord(data []byte) (Epoch, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty journal record", ErrCorruption)
	}
	d := &recDecoder{buf: data[1:]}
	switch data[0] {
	case jrValue:
		obj := ObjectID{Hi: d.u64(), Lo: d.u64()}
		class := ObjClass(d.u8())
		dkey, akey := d.key(), d.key()
		if d.err != nil {
			return 0, d.err
		}
		desc, _, err := vformat.DecodeValueDesc(d.buf)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		if err := c.applyValue(obj, class, dkey, akey, &desc); err != nil {
			return 0, fmt.Errorf("vostore: replay value at %s: %w", AkeyPath(obj, dkey, akey), err)
		}
		if !desc.Ref.IsZero() {
			c.blobs.Retain(desc.Ref)
			_ = c.pool.space.ReserveSystem(space.TierData, desc.Ref.Length)
			_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead)
		} else {
			_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead+uint64(len(desc.Inline)))
		}
		return desc.Epoch, nil

	case jrExtent:
		obj := ObjectID{Hi: d.u64(), Lo: d.u64()}
		dkey, akey := d.key(), d.key()
		e := &extent.Extent{}
		e.Start = d.u64()
		e.End = d.u64()
		e.Epoch = Epoch(d.u64())
		e.Punch = d.u8() == 1
		e.Checksum = d.u64()
		e.Ref.FileNum = d.u64()
		e.Ref.Offset = d.u64()
		e.Ref.Length = d.u64()
		e.Ref.Size = d.u64()
		e.Ref.Compression = d.u8()
		copy(e.DTX[:], d.bytes(16))
		if d.err != nil || len(d.buf) < 4 {
			d.fail()
			return 0, d.err
		}
		n := int(binary.LittleEndian.Uint32(d.buf[:4]))
		d.buf = d.buf[4:]
		e.Inline = d.bytes(n)
		if d.err != nil {
			return 0, d.err
		}
		if err := c.applyExtent(obj, dkey, akey, e); err != nil {
			return 0, fmt.Errorf("vostore: replay extent at %s: %w", AkeyPath(obj, dkey, akey), err)
		}
		if !e.Ref.IsZero() {
			c.blobs.Retain(e.Ref)
			_ = c.pool.space.ReserveSystem(space.TierData, e.Ref.Length)
			_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead)
		} else {
			_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead+uint64(len(e.Inline)))
		}
		return e.Epoch, nil

	case jrPunch:
		level := d.u8()
		path := EntityPath{Level: vformat.Level(level)}
		path.Object = ObjectID{Hi: d.u64(), Lo: d.u64()}
		path.Dkey, path.Akey = d.key(), d.key()
		epoch := Epoch(d.u64())
		var dtxID DTXID
		copy(dtxID[:], d.bytes(16))
		if d.err != nil {
			return 0, d.err
		}
		if err := c.index.Punch(path, epoch, dtxID); err != nil {
			return 0, fmt.Errorf("vostore: replay punch at %s: %w", path, err)
		}
		_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead)
		return epoch, nil

	case jrCheckpoint:
		return 0, nil

	case jrIncarnate:
		path := EntityPath{Level: vformat.Level(d.u8())}
		class := ObjClass(d.u8())
		array := d.u8() == 1
		path.Object = ObjectID{Hi: d.u64(), Lo: d.u64()}
		path.Dkey, path.Akey = d.key(), d.key()
		entry := ilog.Entry{Epoch: Epoch(d.u64()), Event: ilog.Event(d.u8())}
		copy(entry.DTX[:], d.bytes(16))
		if d.err != nil {
			return 0, d.err
		}
		if err := c.index.RecordIncarnation(path, class, array, entry); err != nil {
			return 0, fmt.Errorf("vostore: replay incarnation at %s: %w", path, err)
		}
		_ = c.pool.space.ReserveSystem(space.TierMeta, metaEntryOverhead)
		return entry.Epoch, nil

	default:
		return 0, fmt.Errorf("%w: unknown journal record kind %d", ErrCorruption, data[0])
	}
}

// checkpoint rewrites the container journal as a single snapshot of the
// current index, then drops the superseded files. Committed transaction tags
// are settled to plain records on the way out, so the transactions' table
// entries can be retired afterwards. Foreground writes are held off for the
// duration; the snapshot is written to a scratch file and renamed into the
// sequence only once complete, so a crash at any point leaves a replayable
// set of files.
func (c *Container) checkpoint() error {
	c.cpMu.Lock()
	defer c.cpMu.Unlock()

	fs := c.eng.fs
	tmp := filepath.Join(c.dir, journalCkptName)
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("vostore: create checkpoint: %w", err)
	}
	w := journal.NewWriter(f)
	err = w.AddRecord([]byte{jrCheckpoint})
	if err == nil {
		err = c.writeSnapshot(w)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("vostore: write checkpoint: %w", err)
	}

	// Move appends to a fresh tail file first. Its sequence number is above
	// the checkpoint's, so whether or not the rename below lands, replay
	// orders the tail after everything it supersedes.
	ckptSeq := c.journalSeq + 1
	tail, err := fs.Create(filepath.Join(c.dir, logFileName(journalPrefix, ckptSeq+1)))
	if err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("vostore: open journal tail: %w", err)
	}
	c.jmu.Lock()
	old := c.jw
	c.jw = journal.NewWriter(tail)
	c.jmu.Unlock()
	_ = old.Close()
	c.journalSeq = ckptSeq + 1

	if err := fs.Rename(tmp, filepath.Join(c.dir, logFileName(journalPrefix, ckptSeq))); err != nil {
		return fmt.Errorf("vostore: install checkpoint: %w", err)
	}
	if err := fs.SyncDir(c.dir); err != nil {
		return fmt.Errorf("vostore: sync container dir: %w", err)
	}

	files, seqs, err := c.journalFiles()
	if err == nil {
		for i, seq := range seqs {
			if seq < ckptSeq {
				_ = fs.Remove(files[i])
			}
		}
	}
	if err := fs.SyncDir(c.dir); err != nil {
		return fmt.Errorf("vostore: sync container dir: %w", err)
	}
	c.eng.metrics.Checkpoints.Inc()
	c.logger.Infof(logging.NSAgg+"container %s: journal checkpointed at seq %d", c.id, ckptSeq)
	return nil
}

// writeSnapshot encodes the whole index into w, object by object under the
// object's stripe lock.
func (c *Container) writeSnapshot(w *journal.Writer) error {
	var ids []ObjectID
	c.index.AscendObjects(func(o *keyindex.ObjectNode) bool {
		ids = append(ids, o.ID)
		return true
	})
	for _, id := range ids {
		mu := c.stripeFor(id)
		mu.Lock()
		err := c.snapshotObject(w, id)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// snapshotObject emits one object's incarnation entries, values, and extents.
// Entries precede the subtree they scope, so replay re-creates the path with
// its original history before any value lands on it.
func (c *Container) snapshotObject(w *journal.Writer, id ObjectID) error {
	obj, ok := c.index.GetObject(id)
	if !ok {
		return nil
	}
	res := c.eng.dtxTable
	obj.Ilog.SettleCommitted(res)
	for _, e := range obj.Ilog.Entries() {
		if err := w.AddRecord(encodeIncarnateRecord(ObjectPath(id), obj.Class, false, e)); err != nil {
			return err
		}
	}
	var err error
	obj.AscendDkeys(func(dk *keyindex.DkeyNode) bool {
		dk.Ilog.SettleCommitted(res)
		for _, e := range dk.Ilog.Entries() {
			if err = w.AddRecord(encodeIncarnateRecord(DkeyPath(id, dk.Key), obj.Class, false, e)); err != nil {
				return false
			}
		}
		dk.AscendAkeys(func(ak *keyindex.AkeyNode) bool {
			err = c.snapshotAkey(w, id, obj.Class, dk.Key, ak)
			return err == nil
		})
		return err == nil
	})
	return err
}

// snapshotAkey emits one akey's incarnation entries and its value chain or
// extent tree.
func (c *Container) snapshotAkey(w *journal.Writer, obj ObjectID, class ObjClass, dkey string, ak *keyindex.AkeyNode) error {
	res := c.eng.dtxTable
	ak.Ilog.SettleCommitted(res)
	for _, e := range ak.Ilog.Entries() {
		if err := w.AddRecord(encodeIncarnateRecord(AkeyPath(obj, dkey, ak.Key), class, ak.IsArray(), e)); err != nil {
			return err
		}
	}
	var err error
	if ak.IsArray() {
		ak.Extents.Visit(func(e *extent.Extent) bool {
			if e.DTX != NilDTX {
				if state, _ := res.ResolveDTX(e.DTX); state == vformat.DTXCommitted {
					e.DTX = NilDTX
				}
			}
			err = w.AddRecord(encodeExtentRecord(obj, dkey, ak.Key, e))
			return err == nil
		})
		return err
	}
	ak.SettleCommitted(res)
	ak.VisitVersions(func(desc ValueDesc) bool {
		err = w.AddRecord(encodeValueRecord(obj, class, dkey, ak.Key, &desc))
		return err == nil
	})
	return err
}
