// Package vformat defines the core identifier and versioning types shared by
// every layer of the vostore engine: epochs, object identifiers, entity paths,
// value descriptors, and the transaction-resolution contract that gates the
// visibility of provisional records.
//
// The types here are deliberately plain — no methods that touch persistent
// state — so that the index, log, and transaction packages can depend on them
// without forming cycles.
package vformat

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Epoch is a logical timestamp totally ordering all versions in a container.
// Epoch 0 is reserved and never carries data.
type Epoch uint64

// MaxEpoch is the highest representable epoch. Reads at MaxEpoch observe the
// latest committed state.
const MaxEpoch Epoch = ^Epoch(0)

// ObjectID identifies an object within a container. The 128-bit width leaves
// room for the class and placement bits the upper layers fold into it.
type ObjectID struct {
	Hi uint64
	Lo uint64
}

// Less reports whether o orders before other. Objects are ordered by the
// (Hi, Lo) pair so index iteration is deterministic.
func (o ObjectID) Less(other ObjectID) bool {
	if o.Hi != other.Hi {
		return o.Hi < other.Hi
	}
	return o.Lo < other.Lo
}

// IsZero reports whether o is the zero object id.
func (o ObjectID) IsZero() bool {
	return o.Hi == 0 && o.Lo == 0
}

// String returns the canonical hi.lo hex form used in logs and tooling.
func (o ObjectID) String() string {
	return fmt.Sprintf("%016x.%016x", o.Hi, o.Lo)
}

// ObjClass describes the value schema of an object.
type ObjClass uint8

const (
	// ClassSingleValue objects hold one versioned value per akey.
	ClassSingleValue ObjClass = iota
	// ClassArray objects hold a byte-addressable extent tree per akey.
	ClassArray
	// ClassKeyValue objects hold one versioned value per akey and permit
	// enumeration of akeys as a flat key/value namespace.
	ClassKeyValue
)

// String returns a human-readable name for the object class.
func (c ObjClass) String() string {
	switch c {
	case ClassSingleValue:
		return "SingleValue"
	case ClassArray:
		return "Array"
	case ClassKeyValue:
		return "KeyValue"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// DTXID identifies a distributed transaction. The zero value means "no
// transaction" (an independent write). UUIDs keep the identifier space
// compatible with external coordination layers that mint their own ids.
type DTXID = uuid.UUID

// NilDTX is the zero transaction id.
var NilDTX DTXID

// DTXState is the lifecycle state of a distributed transaction.
type DTXState uint8

const (
	// DTXNone means the record carries no transaction (always visible by
	// plain epoch rules).
	DTXNone DTXState = iota
	// DTXActive transactions hold provisional, invisible records.
	DTXActive
	// DTXCommittable transactions have had every participant report
	// success but are still awaiting the coordinator's commit.
	DTXCommittable
	// DTXCommitted transactions are visible at their commit epoch.
	DTXCommitted
	// DTXAborted transactions are invisible everywhere; their records are
	// reclaimable garbage.
	DTXAborted
)

// String returns a human-readable name for the state.
func (s DTXState) String() string {
	switch s {
	case DTXNone:
		return "None"
	case DTXActive:
		return "Active"
	case DTXCommittable:
		return "Committable"
	case DTXCommitted:
		return "Committed"
	case DTXAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// DTXResolver resolves the state of a transaction id. Record stores consult
// it on every visibility decision so that a commit is a single state flip in
// the transaction table, never a rewrite of the records themselves.
type DTXResolver interface {
	// ResolveDTX returns the current state of the transaction and, when
	// committed, its commit epoch.
	ResolveDTX(id DTXID) (DTXState, Epoch)
}

// Level identifies which rung of the key hierarchy an entity path names.
type Level uint8

const (
	// LevelObject paths name a whole object.
	LevelObject Level = iota
	// LevelDkey paths name a distribution key under an object.
	LevelDkey
	// LevelAkey paths name an attribute key under a dkey.
	LevelAkey
)

// EntityPath names an object, dkey, or akey inside one container. It is the
// identity unit for incarnation logs and read/write timestamp tracking.
type EntityPath struct {
	Object ObjectID
	Dkey   string
	Akey   string
	Level  Level
}

// ObjectPath returns the path naming the object itself.
func ObjectPath(obj ObjectID) EntityPath {
	return EntityPath{Object: obj, Level: LevelObject}
}

// DkeyPath returns the path naming dkey under obj.
func DkeyPath(obj ObjectID, dkey string) EntityPath {
	return EntityPath{Object: obj, Dkey: dkey, Level: LevelDkey}
}

// AkeyPath returns the path naming akey under dkey under obj.
func AkeyPath(obj ObjectID, dkey, akey string) EntityPath {
	return EntityPath{Object: obj, Dkey: dkey, Akey: akey, Level: LevelAkey}
}

// String renders the path for logs.
func (p EntityPath) String() string {
	switch p.Level {
	case LevelObject:
		return p.Object.String()
	case LevelDkey:
		return fmt.Sprintf("%s/%q", p.Object, p.Dkey)
	default:
		return fmt.Sprintf("%s/%q/%q", p.Object, p.Dkey, p.Akey)
	}
}

// PayloadRef locates a payload in block storage. Length is the on-media
// (possibly compressed) length; Size is the logical payload size.
type PayloadRef struct {
	FileNum     uint64
	Offset      uint64
	Length      uint64
	Size        uint64
	Compression uint8
}

// IsZero reports whether the reference is unset.
func (r PayloadRef) IsZero() bool {
	return r.FileNum == 0 && r.Offset == 0 && r.Length == 0
}

// ValueDesc is an epoch-tagged reference to one version of a value. Small
// payloads are carried inline; large payloads live in block storage behind
// a PayloadRef. The descriptor, not the payload, is what the key index
// stores.
type ValueDesc struct {
	Epoch    Epoch
	Size     uint64
	Checksum uint64
	Inline   []byte
	Ref      PayloadRef
	DTX      DTXID
}

// IsInline reports whether the payload is carried inside the descriptor.
func (v *ValueDesc) IsInline() bool {
	return v.Ref.IsZero()
}

// EncodedValueDescSize is the fixed prefix size of an encoded descriptor,
// excluding the inline payload bytes.
const EncodedValueDescSize = 8*7 + 1 + 16 + 4

// Encode appends a stable little-endian encoding of v to buf. The format is
// covered by the container journal checksum, so it has no checksum of its
// own.
func (v *ValueDesc) Encode(buf []byte) []byte {
	var tmp [8]byte
	put := func(x uint64) {
		binary.LittleEndian.PutUint64(tmp[:], x)
		buf = append(buf, tmp[:]...)
	}
	put(uint64(v.Epoch))
	put(v.Size)
	put(v.Checksum)
	put(v.Ref.FileNum)
	put(v.Ref.Offset)
	put(v.Ref.Length)
	put(v.Ref.Size)
	buf = append(buf, v.Ref.Compression)
	buf = append(buf, v.DTX[:]...)
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v.Inline)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, v.Inline...)
	return buf
}

// DecodeValueDesc decodes a descriptor produced by Encode and returns the
// remaining bytes.
func DecodeValueDesc(buf []byte) (ValueDesc, []byte, error) {
	if len(buf) < EncodedValueDescSize {
		return ValueDesc{}, nil, fmt.Errorf("vformat: value descriptor truncated (%d bytes)", len(buf))
	}
	get := func() uint64 {
		x := binary.LittleEndian.Uint64(buf[:8])
		buf = buf[8:]
		return x
	}
	var v ValueDesc
	v.Epoch = Epoch(get())
	v.Size = get()
	v.Checksum = get()
	v.Ref.FileNum = get()
	v.Ref.Offset = get()
	v.Ref.Length = get()
	v.Ref.Size = get()
	v.Ref.Compression = buf[0]
	buf = buf[1:]
	copy(v.DTX[:], buf[:16])
	buf = buf[16:]
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return ValueDesc{}, nil, fmt.Errorf("vformat: inline payload truncated (want %d, have %d)", n, len(buf))
	}
	if n > 0 {
		v.Inline = append([]byte(nil), buf[:n]...)
		buf = buf[n:]
	}
	return v, buf, nil
}
