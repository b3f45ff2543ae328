// Package undo implements the nested undo-session stack shared by the
// chain-state store and the token store: each session records the prior
// value of every key it touches so it can be rolled back (Undo) or merged
// into its parent (Squash) without re-reading the underlying store, the
// same scheme the reference chainbase-style stores use for pending-block
// state.
package undo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/kv"
)

type writeRecord struct {
	had   bool // true if the key existed before this session first touched it
	prior []byte
}

// Session is one level of a nested undo stack over a kv.RwDB. Sessions are
// created in increasing revision order and must be closed (Squash, Undo,
// or folded into Commit) in strict LIFO order.
type Session struct {
	store    *Store
	revision uint64
	writes   map[tableKey]*writeRecord
	closed   bool
}

type tableKey struct {
	table kv.Table
	key   string
}

// Store owns the underlying durable kv.RwDB and the live session stack.
type Store struct {
	db       kv.RwDB
	sessions []*Session
	nextRev  uint64
}

func NewStore(db kv.RwDB) *Store {
	return &Store{db: db}
}

// Revision returns the revision of the most recently started session, or 0
// if no session is open.
func (s *Store) Revision() uint64 {
	if len(s.sessions) == 0 {
		return 0
	}
	return s.sessions[len(s.sessions)-1].revision
}

// StartSession pushes a new undo session and returns it.
func (s *Store) StartSession() *Session {
	s.nextRev++
	sess := &Session{store: s, revision: s.nextRev, writes: make(map[tableKey]*writeRecord)}
	s.sessions = append(s.sessions, sess)
	return sess
}

// Get reads the current value of key, applying no session logic (reads
// always go straight to the durable store since sessions write through
// immediately and only retain undo records).
func (s *Store) Get(table kv.Table, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(context.Background(), func(tx kv.Tx) error {
		v, err := tx.GetOne(table, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Put writes key=value through to the durable store, recording the prior
// value in every open session (innermost first touch wins the prior-value
// capture; outer sessions must not re-capture it, or undoing the inner
// session and then the outer would restore the wrong value).
func (s *Store) Put(table kv.Table, key, value []byte) error {
	prior, err := s.Get(table, key)
	if err != nil {
		return err
	}
	s.recordWrite(table, key, prior, prior != nil || s.hadKey(table, key))
	return s.db.Update(context.Background(), func(tx kv.RwTx) error {
		return tx.Put(table, key, value)
	})
}

// Delete removes key from the durable store, recording the prior value in
// every open session.
func (s *Store) Delete(table kv.Table, key []byte) error {
	prior, err := s.Get(table, key)
	if err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	s.recordWrite(table, key, prior, true)
	return s.db.Update(context.Background(), func(tx kv.RwTx) error {
		return tx.Delete(table, key)
	})
}

func (s *Store) hadKey(table kv.Table, key []byte) bool {
	v, _ := s.Get(table, key)
	return v != nil
}

func (s *Store) recordWrite(table kv.Table, key, prior []byte, had bool) {
	tk := tableKey{table: table, key: string(key)}
	for _, sess := range s.sessions {
		if _, ok := sess.writes[tk]; ok {
			continue // an earlier (outer) session already captured the pre-session value
		}
		rec := &writeRecord{had: had}
		if had {
			rec.prior = append([]byte(nil), prior...)
		}
		sess.writes[tk] = rec
	}
}

// Squash merges sess into its parent session (the one started immediately
// before it), discarding sess. The parent keeps its own, earlier capture of
// any key both sessions touched, so a later Undo of the parent still
// restores the state from before either session began.
func (sess *Session) Squash() error {
	if sess.closed {
		return errors.New("session already closed")
	}
	idx, err := sess.index()
	if err != nil {
		return err
	}
	if idx == 0 {
		return errors.New("cannot squash the base session")
	}
	parent := sess.store.sessions[idx-1]
	for tk, rec := range sess.writes {
		if _, ok := parent.writes[tk]; !ok {
			parent.writes[tk] = rec
		}
	}
	sess.store.sessions = append(sess.store.sessions[:idx], sess.store.sessions[idx+1:]...)
	sess.closed = true
	return nil
}

// Undo reverts every write made since sess was started and pops it (and any
// sessions started after it) off the stack.
func (sess *Session) Undo() error {
	if sess.closed {
		return errors.New("session already closed")
	}
	idx, err := sess.index()
	if err != nil {
		return err
	}
	// Undo must reverse child sessions first (LIFO), so pop from the top.
	for len(sess.store.sessions) > idx {
		top := sess.store.sessions[len(sess.store.sessions)-1]
		if err := top.revertWrites(); err != nil {
			return errors.Wrap(err, "undo session")
		}
		top.closed = true
		sess.store.sessions = sess.store.sessions[:len(sess.store.sessions)-1]
	}
	sess.closed = true
	return nil
}

func (sess *Session) revertWrites() error {
	return sess.store.db.Update(context.Background(), func(tx kv.RwTx) error {
		for tk, rec := range sess.writes {
			if rec.had {
				if err := tx.Put(tk.table, []byte(tk.key), rec.prior); err != nil {
					return err
				}
			} else {
				if err := tx.Delete(tk.table, []byte(tk.key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (sess *Session) index() (int, error) {
	for i, s := range sess.store.sessions {
		if s == sess {
			return i, nil
		}
	}
	return 0, errors.New("session not found on stack (already closed?)")
}

// Revision returns this session's revision number.
func (sess *Session) Revision() uint64 { return sess.revision }

// LastKey scans table in key order and returns the highest key present, or
// nil if the table is empty. Used at restart to find the highest recorded
// reversible-block row without tracking a separate counter.
func (s *Store) LastKey(table kv.Table) ([]byte, error) {
	var last []byte
	err := s.db.View(context.Background(), func(tx kv.Tx) error {
		cur, err := tx.Cursor(table)
		if err != nil {
			return err
		}
		defer cur.Close()
		for k, _, err := cur.First(); k != nil; k, _, err = cur.Next() {
			if err != nil {
				return err
			}
			last = append([]byte(nil), k...)
		}
		return nil
	})
	return last, err
}

// ForEach calls fn with every key/value pair currently in table, in key
// order. fn's k/v slices are only valid for the duration of the call.
func (s *Store) ForEach(table kv.Table, fn func(k, v []byte) error) error {
	return s.db.View(context.Background(), func(tx kv.Tx) error {
		cur, err := tx.Cursor(table)
		if err != nil {
			return err
		}
		defer cur.Close()
		for k, v, err := cur.First(); k != nil; k, v, err = cur.Next() {
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// UndoTop undoes and pops the most recently started session, the operation
// pop_block performs on a store when a block is removed from the current
// chain.
func (s *Store) UndoTop() error {
	if len(s.sessions) == 0 {
		return errors.New("no open session to undo")
	}
	return s.sessions[len(s.sessions)-1].Undo()
}

// Commit discards the undo history for every session with revision <= rev,
// flattening them into the durable store (which already holds the writes,
// since sessions write through immediately — commit only means "forget how
// to undo this far back").
func (s *Store) Commit(rev uint64) {
	i := 0
	for i < len(s.sessions) && s.sessions[i].revision <= rev {
		i++
	}
	s.sessions = s.sessions[i:]
}
