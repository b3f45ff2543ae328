// Package memdb is an in-memory kv.RwDB backed by a BTree per table,
// adapted from the node's own memdb package for use in tests and as the
// store backing when cmd/evtd runs without a data directory.
package memdb

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/evt-chain/evtd/kv"
)

type entry struct {
	key, val []byte
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

// DB is an in-memory kv.RwDB. Zero value is not usable; use New.
type DB struct {
	mu     sync.RWMutex
	tables map[kv.Table]*btree.BTree
}

func New() *DB {
	d := &DB{tables: make(map[kv.Table]*btree.BTree)}
	for _, t := range kv.AllTables() {
		d.tables[t] = btree.New(32)
	}
	return d
}

func (d *DB) tableFor(t kv.Table) *btree.BTree {
	bt, ok := d.tables[t]
	if !ok {
		bt = btree.New(32)
		d.tables[t] = bt
	}
	return bt
}

func (d *DB) View(_ context.Context, fn func(kv.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tx := &roTx{db: d}
	return fn(tx)
}

func (d *DB) Update(_ context.Context, fn func(kv.RwTx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &rwTx{roTx: roTx{db: d}}
	if err := fn(tx); err != nil {
		return err
	}
	return nil
}

func (d *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	d.mu.Lock()
	return &rwTx{roTx: roTx{db: d}, owns: true}, nil
}

func (d *DB) Close() {}

type roTx struct {
	db *DB
}

func (t *roTx) GetOne(table kv.Table, key []byte) ([]byte, error) {
	bt := t.db.tableFor(table)
	item := bt.Get(&entry{key: key})
	if item == nil {
		return nil, nil
	}
	return item.(*entry).val, nil
}

func (t *roTx) Has(table kv.Table, key []byte) (bool, error) {
	v, err := t.GetOne(table, key)
	return v != nil, err
}

func (t *roTx) Cursor(table kv.Table) (kv.Cursor, error) {
	return &btreeCursor{bt: t.db.tableFor(table)}, nil
}

func (t *roTx) ForEach(table kv.Table, fromKey []byte, fn func(k, v []byte) error) error {
	bt := t.db.tableFor(table)
	var outerErr error
	bt.AscendGreaterOrEqual(&entry{key: fromKey}, func(item btree.Item) bool {
		e := item.(*entry)
		if err := fn(e.key, e.val); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func (t *roTx) Rollback() {}

type rwTx struct {
	roTx
	owns bool
}

func (t *rwTx) Put(table kv.Table, key, value []byte) error {
	bt := t.db.tableFor(table)
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	bt.ReplaceOrInsert(&entry{key: k, val: v})
	return nil
}

func (t *rwTx) Delete(table kv.Table, key []byte) error {
	bt := t.db.tableFor(table)
	bt.Delete(&entry{key: key})
	return nil
}

func (t *rwTx) Commit() error {
	if t.owns {
		t.db.mu.Unlock()
	}
	return nil
}

func (t *rwTx) Rollback() {
	if t.owns {
		t.db.mu.Unlock()
	}
}

type btreeCursor struct {
	bt      *btree.BTree
	current *entry
}

func (c *btreeCursor) First() (k, v []byte, err error) {
	var found *entry
	c.bt.Ascend(func(item btree.Item) bool {
		found = item.(*entry)
		return false
	})
	c.current = found
	if found == nil {
		return nil, nil, nil
	}
	return found.key, found.val, nil
}

func (c *btreeCursor) Next() (k, v []byte, err error) {
	if c.current == nil {
		return c.First()
	}
	var found *entry
	seenCurrent := false
	c.bt.AscendGreaterOrEqual(c.current, func(item btree.Item) bool {
		e := item.(*entry)
		if !seenCurrent {
			seenCurrent = true
			return true
		}
		found = e
		return false
	})
	c.current = found
	if found == nil {
		return nil, nil, nil
	}
	return found.key, found.val, nil
}

func (c *btreeCursor) Seek(seek []byte) (k, v []byte, err error) {
	var found *entry
	c.bt.AscendGreaterOrEqual(&entry{key: seek}, func(item btree.Item) bool {
		found = item.(*entry)
		return false
	})
	c.current = found
	if found == nil {
		return nil, nil, nil
	}
	return found.key, found.val, nil
}

func (c *btreeCursor) Close() {}
