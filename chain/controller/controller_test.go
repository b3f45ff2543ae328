package controller

import (
	"context"
	"crypto/sha256"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evt-chain/evtd/chain/blocklog"
	"github.com/evt-chain/evtd/chain/contracts"
	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/consensus/dpos"
	"github.com/evt-chain/evtd/kv/memdb"
)

func testKey(seed string) cmntypes.PrivateKey {
	h := sha256.Sum256([]byte(seed))
	k, err := cmntypes.NewPrivateKeyFromBytes(h[:])
	if err != nil {
		panic(err)
	}
	return k
}

// newTestController wires a Controller over in-memory stores and a
// scratch-directory block log, with a single-producer schedule so
// StartBlock's validator check always succeeds for that producer.
func newTestController(t *testing.T) (*Controller, cmntypes.PrivateKey, time.Time) {
	t.Helper()

	priv := testKey("alice")
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	genesisTime := time.Unix(1_700_000_000, 0).UTC()
	var chainID cmntypes.Hash
	chainID[0] = 1

	root := &types.BlockState{
		BlockNum: 1,
		Block: &types.SignedBlock{
			BlockHeader: types.BlockHeader{Timestamp: genesisTime},
		},
		ActiveSchedule: types.ProducerSchedule{
			Producers: []types.ProducerKey{{ProducerName: "alice", BlockSigningKey: pub}},
		},
	}

	dir := t.TempDir()
	bl, err := blocklog.Open(dir, root.BlockNum+1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bl.Close(); _ = os.RemoveAll(dir) })

	c := New(chainID, memdb.New(), memdb.New(), bl, root, dpos.New())
	return c, priv, genesisTime
}

func newDomainTrx(chainID cmntypes.Hash, refBlockNum uint32, refBlockID cmntypes.Hash, expiration time.Time, domain string, priv cmntypes.PrivateKey) types.SignedTransaction {
	trx := types.SignedTransaction{
		Transaction: types.Transaction{
			Actions: []types.Action{{Name: contracts.ActionNewDomain, Domain: domain}},
		},
	}
	trx.Expiration = expiration
	trx.SetReferenceBlock(refBlockNum, refBlockID)
	_, err := trx.Sign(priv, chainID)
	if err != nil {
		panic(err)
	}
	return trx
}

func TestPushTransactionAndCommitBlockAppliesWrites(t *testing.T) {
	c, priv, genesis := newTestController(t)
	now := genesis.Add(dpos.BlockInterval)

	require.NoError(t, c.StartBlock("alice", now))

	trx := newDomainTrx(c.chainID, c.head.BlockNum, c.head.ID, now.Add(time.Hour), "domain1", priv)
	_, err := c.PushTransaction(context.Background(), trx)
	require.NoError(t, err)

	exists, err := c.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists, "domain should be visible to the pending block's own session")

	require.NoError(t, c.FinalizeBlock())
	signed, err := c.SignBlock(priv)
	require.NoError(t, err)

	bs, err := c.CommitBlock(context.Background(), signed)
	require.NoError(t, err)
	require.Equal(t, bs, c.head)
	require.Empty(t, c.UnappliedTransactions())

	exists, err = c.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAbortBlockRollsBackBothStoresAndRequeuesTransaction(t *testing.T) {
	c, priv, genesis := newTestController(t)
	now := genesis.Add(dpos.BlockInterval)

	require.NoError(t, c.StartBlock("alice", now))

	trx := newDomainTrx(c.chainID, c.head.BlockNum, c.head.ID, now.Add(time.Hour), "domain1", priv)
	_, err := c.PushTransaction(context.Background(), trx)
	require.NoError(t, err)

	exists, err := c.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists)

	startSeq := c.globalSeq.Next
	require.NoError(t, c.AbortBlock())

	exists, err = c.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.False(t, exists, "domain write must be undone on abort")

	unapplied := c.UnappliedTransactions()
	_, ok := unapplied[trx.ID()]
	require.True(t, ok, "aborted transaction must be restored to the unapplied pool")
	require.Equal(t, uint64(0), c.globalSeq.Next, "global sequence must roll back to its pre-block value")
	require.NotEqual(t, startSeq, c.globalSeq.Next)

	require.Nil(t, c.pending)
}

// TestPushBlockAppliesExternallyProducedBlock exercises the ingestion path
// (PushBlock -> maybeSwitchForks's linear-extension case -> applyBlock),
// distinct from the local-production path (StartBlock/PushTransaction/
// CommitBlock) exercised above: a block signed by one controller is
// re-executed, not merely copied, by a second controller that never saw the
// original transaction.
func TestPushBlockAppliesExternallyProducedBlock(t *testing.T) {
	producer, priv, genesis := newTestController(t)
	follower, _, _ := newTestController(t)
	now := genesis.Add(dpos.BlockInterval)

	require.NoError(t, producer.StartBlock("alice", now))
	trx := newDomainTrx(producer.chainID, producer.head.BlockNum, producer.head.ID, now.Add(time.Hour), "domain1", priv)
	_, err := producer.PushTransaction(context.Background(), trx)
	require.NoError(t, err)
	require.NoError(t, producer.FinalizeBlock())
	signed, err := producer.SignBlock(priv)
	require.NoError(t, err)
	bs, err := producer.CommitBlock(context.Background(), signed)
	require.NoError(t, err)

	require.NoError(t, follower.PushBlock(context.Background(), signed))
	require.Equal(t, bs.ID, follower.head.ID)

	exists, err := follower.tokenDB.ExistsDomain("domain1")
	require.NoError(t, err)
	require.True(t, exists, "follower must have re-executed the transaction, not merely recorded the header")
}
