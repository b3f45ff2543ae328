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

// TestReplayBlockLogReconstructsHeadFromScratch simulates a full node
// restart with empty stores: a second Controller, over brand-new
// stateDB/tokenDB backings and a fresh in-memory fork database, must
// re-derive the same head and token-db content purely by re-executing
// every block recorded in the durable block log, mirroring init()'s first
// replay phase.
func TestReplayBlockLogReconstructsHeadFromScratch(t *testing.T) {
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

	dir := t.TempDir()
	bl, err := blocklog.Open(dir, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bl.Close() })

	original := New(chainID, memdb.New(), memdb.New(), bl, genesisRoot(), dpos.New())
	require.NoError(t, original.Bootstrap(pub))

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

	// Advance LIB to the committed block directly, the same call
	// onIrreversible's caller (the fork database's own irreversibility
	// computation) would make in production: this is what actually writes
	// the block into the durable log.
	original.forkDB.AdvanceRoot(committed)
	require.Equal(t, committed.BlockNum, original.blockLog.HeadBlockNum())

	restarted := New(chainID, memdb.New(), memdb.New(), bl, genesisRoot(), dpos.New())
	require.NoError(t, restarted.Bootstrap(pub))
	require.NoError(t, restarted.ReplayBlockLog(context.Background()))

	require.Equal(t, committed.ID, restarted.head.ID)
	exists, err := restarted.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists, "replay must re-derive token state from the logged transaction, not copy it")
}

// TestBootstrapIsIdempotent exercises the restart-safety property Bootstrap
// documents: calling it twice over the same token store must not error on
// the second call's already-present genesis domains.
func TestBootstrapIsIdempotent(t *testing.T) {
	c, priv, _ := newTestController(t)
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	require.NoError(t, c.Bootstrap(pub))
	require.NoError(t, c.Bootstrap(pub))

	for _, name := range []string{"domain", "group", "account", "delay"} {
		exists, err := c.tokenDB.ExistsDomain(name)
		require.NoError(t, err)
		require.True(t, exists, "genesis domain %s must exist after bootstrap", name)
	}
}
