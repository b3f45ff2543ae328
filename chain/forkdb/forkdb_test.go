package forkdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
)

func bs(num uint32, id, prev byte) *types.BlockState {
	var idh, prevh cmntypes.Hash
	idh[31] = id
	prevh[31] = prev
	return &types.BlockState{
		ID:       idh,
		BlockNum: num,
		Block:    &types.SignedBlock{BlockHeader: types.BlockHeader{Previous: prevh}},
	}
}

func TestAddAndHead(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)

	b2 := bs(2, 2, 1)
	require.NoError(t, f.Add(b2))

	require.Equal(t, b2.ID, f.Head().ID)
}

func TestAddUnlinkableFails(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)
	orphan := bs(5, 9, 8)
	require.Error(t, f.Add(orphan))
}

func TestFetchBranchFromCommonAncestor(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)

	b2 := bs(2, 2, 1)
	require.NoError(t, f.Add(b2))
	b3a := bs(3, 3, 2)
	require.NoError(t, f.Add(b3a))
	b3b := bs(3, 4, 2) // sibling fork at same height
	require.NoError(t, f.Add(b3b))

	branch1, branch2, err := f.FetchBranchFrom(b3a.ID, b3b.ID)
	require.NoError(t, err)
	require.Equal(t, []*types.BlockState{b3a}, branch1)
	require.Equal(t, []*types.BlockState{b3b}, branch2)
}

func TestSetValidityRemovesDescendants(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)
	b2 := bs(2, 2, 1)
	b3 := bs(3, 3, 2)
	require.NoError(t, f.Add(b2))
	require.NoError(t, f.Add(b3))

	f.SetValidity(b2.ID, false)
	require.Nil(t, f.Get(b2.ID))
	require.Nil(t, f.Get(b3.ID))
	require.NotNil(t, f.Get(root.ID))
}

func TestMarkInCurrentChain(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)
	b2 := bs(2, 2, 1)
	require.NoError(t, f.Add(b2))

	f.MarkInCurrentChain(b2.ID, true)
	require.True(t, f.Get(b2.ID).InCurrentChain)
	f.MarkInCurrentChain(b2.ID, false)
	require.False(t, f.Get(b2.ID).InCurrentChain)
}

func TestAdvanceRootPrunesSiblings(t *testing.T) {
	root := bs(1, 1, 0)
	f := New(root)
	b2a := bs(2, 2, 1)
	b2b := bs(2, 3, 1)
	require.NoError(t, f.Add(b2a))
	require.NoError(t, f.Add(b2b))

	var called *types.BlockState
	f.OnIrreversible(func(newRoot *types.BlockState) { called = newRoot })

	f.AdvanceRoot(b2a)
	require.Equal(t, b2a.ID, called.ID)
	require.Nil(t, f.Get(b2b.ID))
	require.NotNil(t, f.Get(b2a.ID))
}
