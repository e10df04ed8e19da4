// Package vostore implements a versioned, multi-dimensional key-value
// storage engine: the single-node data path of a distributed object store.
//
// Data lives in pools, pools hold containers, and a container holds objects
// addressed by a two-level key hierarchy: a distribution key (dkey) and an
// attribute key (akey). Every write carries an epoch — a logical timestamp —
// and never destroys older state: reads at an epoch see exactly the state
// committed at or before it, deletion is a logical punch, and superseded
// history is reclaimed only by an explicit aggregation pass against an epoch
// boundary.
//
// Basic usage:
//
//	eng, err := vostore.Open(dir, nil)
//	if err != nil { ... }
//	defer eng.Close()
//
//	pool, _ := eng.CreatePool(uuid.New())
//	cont, _ := eng.CreateContainer(pool.ID(), uuid.New())
//
//	oid := vostore.ObjectID{Hi: 1, Lo: 1}
//	_ = cont.Update(oid, vostore.ClassSingleValue, "user:42", "email", 10, []byte("a@b.c"), vostore.NilDTX)
//	vals, _ := cont.Fetch(oid, "user:42", []string{"email"}, 10, vostore.NilDTX)
//
// Single-value and key-value objects hold one versioned value per akey;
// array objects hold byte-addressable extents written and read with
// UpdateArray and FetchArray. Distributed transactions group provisional
// writes that become visible atomically when the coordinator commits.
package vostore
