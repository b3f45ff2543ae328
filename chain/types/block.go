// Package types defines the chain's block, transaction and schedule data
// model, per the node's data model section, with PackedTransaction's
// compression and id-caching behavior ported from the reference
// transaction implementation.
package types

import (
	"time"

	"github.com/evt-chain/evtd/common/types"
)

// ProducerKey pairs a producer account name with its signing key.
type ProducerKey struct {
	ProducerName string
	BlockSigningKey types.PublicKey
}

// ProducerSchedule is the active or pending ordered producer set for a
// round of block production.
type ProducerSchedule struct {
	Version   uint32
	Producers []ProducerKey
}

// BlockHeader is the unsigned header common to every block.
type BlockHeader struct {
	Previous         types.Hash
	Timestamp        time.Time
	Producer         string
	Confirmed        uint16
	TransactionMRoot types.Hash
	ActionMRoot      types.Hash
	ScheduleVersion  uint32
	NewProducers     *ProducerSchedule // non-nil only on a schedule-change block
}

// ID returns the block id that digestOf computes for h.
func (h BlockHeader) ID(digestOf func(BlockHeader) types.Hash) types.Hash {
	return digestOf(h)
}

// SignedBlock is a BlockHeader plus producer signature and the ordered
// transactions it contains.
type SignedBlock struct {
	BlockHeader
	ProducerSignature types.Signature
	Transactions      []TransactionReceipt
}

// BlockState is the fork-database's per-block bookkeeping node: the signed
// block plus derived fields needed for fork choice and validation, without
// re-deriving them on every traversal.
type BlockState struct {
	ID                types.Hash
	BlockNum          uint32
	Block             *SignedBlock
	ActiveSchedule    ProducerSchedule
	PendingSchedule   *ProducerSchedule
	DPoSIrreversibleBlockNum uint32
	Validated         bool
	InCurrentChain    bool
	// GlobalSeqStart is the chain-wide action-sequence counter's value
	// before this block's transactions ran, recorded so popping the block
	// off the current chain can roll the counter back exactly.
	GlobalSeqStart uint64
}

// BlockSummary is one slot of the TaPoS ring buffer: the id of a recent
// block, indexed by block_num mod len(ring).
type BlockSummary struct {
	BlockID types.Hash
}

// BlockSummaryRingSize is the number of recent blocks retained for
// transaction-as-proof-of-stake reference checking.
const BlockSummaryRingSize = 1 << 16

// GlobalProperty holds the chain-wide mutable configuration and the active/
// pending producer schedules.
type GlobalProperty struct {
	ChainID                types.Hash
	ActiveProducers        ProducerSchedule
	PendingProducerSchedule *ProducerSchedule
}
