package undo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evt-chain/evtd/kv"
	"github.com/evt-chain/evtd/kv/memdb"
)

func TestSessionUndoRestoresPriorValue(t *testing.T) {
	db := memdb.New()
	s := NewStore(db)

	require.NoError(t, s.Put(kv.Accounts, []byte("alice"), []byte("v1")))

	sess := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("alice"), []byte("v2")))

	v, err := s.Get(kv.Accounts, []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, sess.Undo())

	v, err = s.Get(kv.Accounts, []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestSessionUndoDeletesNewKey(t *testing.T) {
	db := memdb.New()
	s := NewStore(db)

	sess := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("bob"), []byte("v1")))
	require.NoError(t, sess.Undo())

	v, err := s.Get(kv.Accounts, []byte("bob"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestSessionSquashPreservesOutermostPriorValue(t *testing.T) {
	db := memdb.New()
	s := NewStore(db)
	require.NoError(t, s.Put(kv.Accounts, []byte("alice"), []byte("v0")))

	outer := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("alice"), []byte("v1")))

	inner := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("alice"), []byte("v2")))
	require.NoError(t, inner.Squash())

	require.NoError(t, outer.Undo())

	v, err := s.Get(kv.Accounts, []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), v)
}

func TestUndoTopUndoesOnlyMostRecentSession(t *testing.T) {
	db := memdb.New()
	s := NewStore(db)

	require.NoError(t, s.Put(kv.Accounts, []byte("k"), []byte("v0")))
	first := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("k"), []byte("v1")))
	s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("k"), []byte("v2")))

	require.NoError(t, s.UndoTop())

	v, err := s.Get(kv.Accounts, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	require.Equal(t, first.Revision(), s.Revision())
}

func TestNestedUndoStack(t *testing.T) {
	db := memdb.New()
	s := NewStore(db)

	outer := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("k"), []byte("outer")))
	inner := s.StartSession()
	require.NoError(t, s.Put(kv.Accounts, []byte("k"), []byte("inner")))

	// undoing the outer session must also discard the inner one.
	require.NoError(t, outer.Undo())
	require.True(t, inner.closed)

	v, err := s.Get(kv.Accounts, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)
}
