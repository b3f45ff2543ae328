// Package kv defines the cursor-based transactional key/value abstraction
// that the chain-state and token stores are built on, mirroring the node's
// own Tx/RwTx/Cursor interfaces over pluggable backends (an in-memory BTree
// store for tests and runs without a data directory, MDBX for durable
// storage).
package kv

import "context"

// Table names used by the chain-state and token stores. See tables.go for
// the full schema registration.
type Table string

// Cursor iterates a table's key/value pairs in key order.
type Cursor interface {
	First() (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Seek(seek []byte) (k, v []byte, err error)
	Close()
}

// Tx is a read-only transaction.
type Tx interface {
	GetOne(table Table, key []byte) (val []byte, err error)
	Has(table Table, key []byte) (bool, error)
	Cursor(table Table) (Cursor, error)
	ForEach(table Table, fromKey []byte, fn func(k, v []byte) error) error
	Rollback()
}

// RwTx is a read-write transaction.
type RwTx interface {
	Tx
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	Commit() error
}

// RwDB is the top-level handle over a backend. Implementations: kv/memdb
// (in-process, BTree-backed) and kv/mdbx (durable, cgo MDBX bindings).
type RwDB interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx RwTx) error) error
	BeginRw(ctx context.Context) (RwTx, error)
	Close()
}
