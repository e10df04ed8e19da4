package vostore

import (
	"errors"

	"github.com/aalhour/vostore/internal/ilog"
	"github.com/aalhour/vostore/internal/keyindex"
	"github.com/aalhour/vostore/internal/space"
	"github.com/aalhour/vostore/internal/tscache"
)

var (
	// ErrNotFound is returned when the requested entity has no visible
	// incarnation at the request epoch.
	ErrNotFound = errors.New("vostore: not found")

	// ErrConflict is returned when an operation fails MVCC validation:
	// writing an entity-epoch slot twice, or writing below an epoch a
	// reader already observed.
	ErrConflict = errors.New("vostore: epoch conflict")

	// ErrOutOfSpace is returned when a space reservation is denied.
	ErrOutOfSpace = errors.New("vostore: out of space")

	// ErrCorruption is returned when stored data fails checksum or
	// structural validation. It is never masked.
	ErrCorruption = errors.New("vostore: data corruption")

	// ErrBusy is returned when an operation cannot complete because a
	// prepared transaction's outcome is still pending. The caller retries.
	ErrBusy = errors.New("vostore: busy, retry")

	// ErrStaleEpoch is returned for reads below the lowest retained epoch:
	// aggregation has already folded the history the read asks for.
	ErrStaleEpoch = errors.New("vostore: read epoch below retention boundary")

	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("vostore: engine is closed")
)

// mapErr translates internal sentinel errors to the public taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyindex.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, tscache.ErrConflict),
		errors.Is(err, keyindex.ErrVersionExists),
		errors.Is(err, keyindex.ErrClassMismatch),
		errors.Is(err, ilog.ErrEpochExists):
		return ErrConflict
	case errors.Is(err, space.ErrNoSpace):
		return ErrOutOfSpace
	default:
		return err
	}
}
