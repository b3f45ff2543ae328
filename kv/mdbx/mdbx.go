// Package mdbx is the durable kv.RwDB backend, wrapping the node's MDBX
// cgo bindings. cmd/evtd uses it for both stores when a data directory is
// configured; chain/undo sessions write through to it immediately and keep
// only their undo records in memory.
package mdbx

import (
	"context"
	"path/filepath"

	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/kv"
)

// DB wraps an mdbx.Env, opening one named sub-database (DBI) per kv.Table.
type DB struct {
	env  *mdbx.Env
	dbis map[kv.Table]mdbx.DBI
}

// Open creates or opens an MDBX environment rooted at dataDir, with one DBI
// per registered table.
func Open(dataDir string) (*DB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "create mdbx env")
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(kv.AllTables()))); err != nil {
		return nil, errors.Wrap(err, "set mdbx max dbs")
	}
	if err := env.Open(filepath.Clean(dataDir), mdbx.NoSubdir|mdbx.Coalesce|mdbx.LifoReclaim, 0644); err != nil {
		return nil, errors.Wrapf(err, "open mdbx env at %s", dataDir)
	}

	dbis := make(map[kv.Table]mdbx.DBI, len(kv.AllTables()))
	err = env.Update(func(txn *mdbx.Txn) error {
		for _, t := range kv.AllTables() {
			dbi, err := txn.OpenDBISimple(string(t), mdbx.Create)
			if err != nil {
				return errors.Wrapf(err, "open table %s", t)
			}
			dbis[t] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return &DB{env: env, dbis: dbis}, nil
}

func (d *DB) Close() {
	d.env.Close()
}

func (d *DB) View(_ context.Context, fn func(kv.Tx) error) error {
	return d.env.View(func(txn *mdbx.Txn) error {
		return fn(&tx{db: d, txn: txn})
	})
}

func (d *DB) Update(_ context.Context, fn func(kv.RwTx) error) error {
	return d.env.Update(func(txn *mdbx.Txn) error {
		return fn(&tx{db: d, txn: txn})
	})
}

// BeginRw starts a long-lived read-write transaction. Callers must call
// Commit or Rollback exactly once.
func (d *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	txn, err := d.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, errors.Wrap(err, "begin mdbx rw txn")
	}
	return &tx{db: d, txn: txn, manual: true}, nil
}

type tx struct {
	db     *DB
	txn    *mdbx.Txn
	manual bool
}

func (t *tx) dbi(table kv.Table) (mdbx.DBI, error) {
	dbi, ok := t.db.dbis[table]
	if !ok {
		return 0, errors.Errorf("unregistered table %s", table)
	}
	return dbi, nil
}

func (t *tx) GetOne(table kv.Table, key []byte) ([]byte, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	v, err := t.txn.Get(dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (t *tx) Has(table kv.Table, key []byte) (bool, error) {
	v, err := t.GetOne(table, key)
	return v != nil, err
}

func (t *tx) Cursor(table kv.Table) (kv.Cursor, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

func (t *tx) ForEach(table kv.Table, fromKey []byte, fn func(k, v []byte) error) error {
	c, err := t.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	k, v, err := c.Seek(fromKey)
	for ; k != nil && err == nil; k, v, err = c.Next() {
		if ferr := fn(k, v); ferr != nil {
			return ferr
		}
	}
	return err
}

func (t *tx) Put(table kv.Table, key, value []byte) error {
	dbi, err := t.dbi(table)
	if err != nil {
		return err
	}
	return t.txn.Put(dbi, key, value, 0)
}

func (t *tx) Delete(table kv.Table, key []byte) error {
	dbi, err := t.dbi(table)
	if err != nil {
		return err
	}
	return t.txn.Del(dbi, key, nil)
}

func (t *tx) Commit() error {
	if !t.manual {
		return nil
	}
	_, err := t.txn.Commit()
	return err
}

func (t *tx) Rollback() {
	if !t.manual {
		return
	}
	t.txn.Abort()
}

type cursor struct {
	c *mdbx.Cursor
}

func (c *cursor) First() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.First)
	return nilIfNotFound(k, v, err)
}

func (c *cursor) Next() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Next)
	return nilIfNotFound(k, v, err)
}

func (c *cursor) Seek(seek []byte) ([]byte, []byte, error) {
	k, v, err := c.c.Get(seek, nil, mdbx.SetRange)
	return nilIfNotFound(k, v, err)
}

func (c *cursor) Close() { c.c.Close() }

func nilIfNotFound(k, v []byte, err error) ([]byte, []byte, error) {
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return k, v, nil
}
