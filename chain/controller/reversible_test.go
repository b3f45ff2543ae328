package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evt-chain/evtd/chain/blocklog"
	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/consensus/dpos"
	"github.com/evt-chain/evtd/kv/memdb"
)

// TestReplayReversibleBlocksReExecutesCommittedBlocks simulates a node
// restart: a second Controller, wired over the same underlying chain-state
// store but starting from a fresh in-memory fork database at the original
// genesis, must reconstruct the same head and state purely from the
// reversible-block rows the first Controller wrote, without ever seeing
// the original transaction object.
func TestReplayReversibleBlocksReExecutesCommittedBlocks(t *testing.T) {
	priv := testKey("alice")
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	genesisTime := time.Unix(1_700_000_000, 0).UTC()
	var chainID cmntypes.Hash
	chainID[0] = 1

	schedule := types.ProducerSchedule{
		Producers: []types.ProducerKey{{ProducerName: "alice", BlockSigningKey: pub}},
	}
	genesisRoot := func() *types.BlockState {
		return &types.BlockState{
			BlockNum: 1,
			Block: &types.SignedBlock{
				BlockHeader: types.BlockHeader{Timestamp: genesisTime},
			},
			ActiveSchedule: schedule,
		}
	}

	stateDB, tokenDB := memdb.New(), memdb.New()

	dir := t.TempDir()
	bl, err := blocklog.Open(dir, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bl.Close() })

	original := New(chainID, stateDB, tokenDB, bl, genesisRoot(), dpos.New())

	now := genesisTime.Add(dpos.BlockInterval)
	require.NoError(t, original.StartBlock("alice", now))
	trx := newDomainTrx(original.chainID, original.head.BlockNum, original.head.ID, now.Add(time.Hour), "domain1", priv)
	_, err = original.PushTransaction(context.Background(), trx)
	require.NoError(t, err)
	require.NoError(t, original.FinalizeBlock())
	signed, err := original.SignBlock(priv)
	require.NoError(t, err)
	committed, err := original.CommitBlock(context.Background(), signed)
	require.NoError(t, err)

	restarted := New(chainID, stateDB, memdb.New(), bl, genesisRoot(), dpos.New())
	require.NoError(t, restarted.ReplayReversibleBlocks(context.Background(), committed.BlockNum))

	require.Equal(t, committed.ID, restarted.head.ID)
	exists, err := restarted.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists, "replay must re-derive state from the reversible-block row, not copy it")
}
