package vostore

import (
	"fmt"
	"time"

	"github.com/aalhour/vostore/internal/checksum"
	"github.com/aalhour/vostore/internal/compress"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/vformat"
	"github.com/aalhour/vostore/internal/vfs"
)

// Re-exported core types. The engine's identifiers and versioning types are
// defined once in the internal format package and aliased here for callers.
type (
	// Epoch is a logical timestamp ordering all versions in a container.
	Epoch = vformat.Epoch
	// ObjectID identifies an object within a container.
	ObjectID = vformat.ObjectID
	// ObjClass describes the value schema of an object.
	ObjClass = vformat.ObjClass
	// DTXID identifies a distributed transaction.
	DTXID = vformat.DTXID
	// ValueDesc is an epoch-tagged reference to one version of a value.
	ValueDesc = vformat.ValueDesc
	// EntityPath names an object, dkey, or akey inside one container.
	EntityPath = vformat.EntityPath
	// PayloadRef locates a payload in block storage.
	PayloadRef = vformat.PayloadRef
)

// Entity path levels.
const (
	LevelObject = vformat.LevelObject
	LevelDkey   = vformat.LevelDkey
	LevelAkey   = vformat.LevelAkey
)

// Path constructors, re-exported for callers building entity paths.
var (
	ObjectPath = vformat.ObjectPath
	DkeyPath   = vformat.DkeyPath
	AkeyPath   = vformat.AkeyPath
)

// Object classes.
const (
	ClassSingleValue = vformat.ClassSingleValue
	ClassArray       = vformat.ClassArray
	ClassKeyValue    = vformat.ClassKeyValue
)

// MaxEpoch is the highest epoch; reads at MaxEpoch observe the latest
// committed state.
const MaxEpoch = vformat.MaxEpoch

// NilDTX is the zero transaction id, meaning an independent operation.
var NilDTX = vformat.NilDTX

// EpochAuthority is the external collaborator that owns epoch policy: which
// epochs may still be read, and up to which boundary aggregation may fold
// history. The engine ships an in-process default; a distribution layer
// plugs in its own.
type EpochAuthority interface {
	// AggregationBoundary returns the epoch below which no reader is
	// outstanding, so history may be folded.
	AggregationBoundary() Epoch

	// ValidateReadEpoch rejects epochs the authority no longer serves.
	ValidateReadEpoch(epoch Epoch) error
}

// Options configures an engine. The zero value of every field selects a
// sensible default; a nil *Options is valid.
type Options struct {
	// Logger receives engine events. Defaults to the standard logger.
	Logger logging.Logger

	// FS is the filesystem the engine stores pools on. Defaults to the
	// OS filesystem; tests use the in-memory implementation.
	FS vfs.FS

	// Checksum selects the digest protecting payloads. Defaults to XXH3.
	Checksum checksum.Type

	// ChecksumProvider overrides Checksum with a caller-supplied
	// implementation (e.g. hardware offload).
	ChecksumProvider checksum.Provider

	// Compression applied to payloads stored in block storage.
	// Defaults to Snappy.
	Compression compress.Type

	// InlineThreshold is the largest payload stored inline in the key
	// index; larger payloads go to block storage. Defaults to 4 KiB.
	InlineThreshold int

	// MetaCapacity and DataCapacity bound the byte-addressable and block
	// tiers per pool, in bytes. Zero means unlimited.
	MetaCapacity uint64
	DataCapacity uint64

	// ObjectCacheCapacity bounds the per-container cache of hot object
	// roots, in charge units. Defaults to 64 MiB.
	ObjectCacheCapacity uint64

	// TargetBlobFileSize is the rotation threshold for payload files.
	// Defaults to 64 MiB.
	TargetBlobFileSize uint64

	// SyncWrites forces a sync of the payload file on every blob append,
	// in addition to the journal sync that orders durability.
	SyncWrites bool

	// LockStripes is the number of per-object lock stripes per container.
	// Defaults to 64; must be a power of two.
	LockStripes int

	// EpochAuthority supplies epoch policy. Defaults to an in-process
	// authority that retains everything until an aggregation pass runs.
	EpochAuthority EpochAuthority

	// BusyRetries is how many times a read backs off on a prepared but
	// unresolved transaction before surfacing ErrBusy. Defaults to 3.
	BusyRetries int

	// AggregationSlice bounds how long one aggregation call works before
	// yielding; a yielded pass resumes where it stopped on the next call.
	// Defaults to 100ms. Negative runs every pass to completion.
	AggregationSlice time.Duration
}

// defaultOptions fills every unset field. The input may be nil.
func defaultOptions(opts *Options) (*Options, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.Logger = logging.OrDefault(o.Logger)
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if o.ChecksumProvider == nil {
		o.ChecksumProvider = checksum.ForType(o.Checksum)
	}
	if o.Compression == 0 {
		o.Compression = compress.Snappy
	}
	if !o.Compression.IsSupported() {
		return nil, fmt.Errorf("vostore: unsupported compression type %d", o.Compression)
	}
	if o.InlineThreshold == 0 {
		o.InlineThreshold = 4 << 10
	}
	if o.ObjectCacheCapacity == 0 {
		o.ObjectCacheCapacity = 64 << 20
	}
	if o.TargetBlobFileSize == 0 {
		o.TargetBlobFileSize = 64 << 20
	}
	if o.LockStripes == 0 {
		o.LockStripes = 64
	}
	if o.LockStripes&(o.LockStripes-1) != 0 {
		return nil, fmt.Errorf("vostore: LockStripes must be a power of two, got %d", o.LockStripes)
	}
	if o.BusyRetries == 0 {
		o.BusyRetries = 3
	}
	if o.AggregationSlice == 0 {
		o.AggregationSlice = 100 * time.Millisecond
	}
	if o.EpochAuthority == nil {
		o.EpochAuthority = retainAllAuthority{}
	}
	return &o, nil
}
