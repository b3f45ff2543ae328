// Package controller is the top-level block-processing orchestrator: it
// owns the chain-state and token stores, the fork database, the block log,
// and drives the pending-block lifecycle (StartBlock, PushTransaction,
// FinalizeBlock, SignBlock, CommitBlock, AbortBlock) plus block ingestion
// (PushBlock, PushConfirmation, maybeSwitchForks), ported from
// controller_impl in the reference implementation.
package controller

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/authority"
	"github.com/evt-chain/evtd/chain/blocklog"
	"github.com/evt-chain/evtd/chain/chainerr"
	"github.com/evt-chain/evtd/chain/contracts"
	"github.com/evt-chain/evtd/chain/forkdb"
	"github.com/evt-chain/evtd/chain/log"
	"github.com/evt-chain/evtd/chain/signal"
	"github.com/evt-chain/evtd/chain/state"
	"github.com/evt-chain/evtd/chain/tokendb"
	"github.com/evt-chain/evtd/chain/txctx"
	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/common/merkle"
	"github.com/evt-chain/evtd/common/wire"
	"github.com/evt-chain/evtd/consensus/dpos"
	"github.com/evt-chain/evtd/kv"
)

// pendingState tracks the in-progress block between StartBlock and either
// CommitBlock or AbortBlock, mirroring controller_impl::pending.
type pendingState struct {
	header          types.BlockHeader
	receipts        []types.TransactionReceipt
	stateRevision   uint64
	tokenDBRevision uint64
	// globalSeqStart is the value of the chain-wide action-sequence counter
	// when this pending block was opened, so AbortBlock can roll the counter
	// back exactly — an aborted or popped block must not permanently consume
	// sequence numbers, or re-applying it later would assign different
	// sequence numbers than a node that never aborted, breaking the
	// bit-identical-replay invariant.
	globalSeqStart uint64
	// activeSchedule/pendingSchedule are this block's producer schedules,
	// computed once at StartBlock/applyBlock time (promoting head's pending
	// schedule to active, and possibly promoting a proposed schedule to
	// pending), and reused unchanged when the block is committed.
	activeSchedule  types.ProducerSchedule
	pendingSchedule *types.ProducerSchedule
}

// Controller is the single-owner-thread orchestrator. All exported mutating
// methods assume external serialization.
type Controller struct {
	chainID   cmntypes.Hash
	state     *state.Store
	tokenDB   *tokendb.Store
	forkDB    *forkdb.ForkDB
	blockLog  *blocklog.Log
	registry  *contracts.Registry
	authChecker *authority.Checker
	engine    dpos.Engine

	head    *types.BlockState
	pending *pendingState

	// globalSeq is the chain-wide action sequence counter: it must keep
	// increasing across blocks (not reset per block), since ActionReceipt's
	// global_sequence is a total order over every action ever executed.
	globalSeq txctx.GlobalSequence

	// unapplied holds every known transaction that is not currently included
	// in the chain the controller has applied: transactions popped off a
	// losing fork branch, or discarded by AbortBlock, are restored here so a
	// producer can reconsider them in a later block, mirroring
	// controller_impl::unapplied_transactions.
	unapplied map[cmntypes.Hash]types.SignedTransaction

	// lastIrreversibleNum is the highest block number already removed from
	// the reversible-block store, so onIrreversible knows which range of
	// rows a new LIB value makes prunable.
	lastIrreversibleNum uint32

	// replaying is set for the duration of ReplayBlockLog and
	// ReplayReversibleBlocks: the blocks fed through applyBlock are
	// already durably logged or were already pushed once by this same
	// process, so onIrreversible must not try to append them again, and
	// PushTransaction must not re-run the TaPoS/dedup checks (or
	// re-insert a dedup row) a fresh push already satisfied.
	replaying bool

	onBlockStart  signal.Bus[*types.BlockState]
	onBlockApplied signal.Bus[*types.BlockState]
	onIrreversibleBlock signal.Bus[*types.BlockState]

	fatal error // set once a consensus/storage-fatal error occurs; once set, every method refuses to proceed
}

// New constructs a Controller over already-opened stores, wiring the fork
// database's irreversibility callback to the controller the same way the
// reference implementation's constructor connects
// fork_db.irreversible.connect(...).
func New(chainID cmntypes.Hash, stateDB, tokenDBBacking kv.RwDB, bl *blocklog.Log, root *types.BlockState, engine dpos.Engine) *Controller {
	c := &Controller{
		chainID:  chainID,
		state:    state.New(stateDB),
		tokenDB:  tokendb.New(tokenDBBacking),
		forkDB:   forkdb.New(root),
		blockLog: bl,
		registry: contracts.NewRegistry(),
		engine:   engine,
		head:     root,
		unapplied: make(map[cmntypes.Hash]types.SignedTransaction),
		lastIrreversibleNum: root.BlockNum,
	}
	c.authChecker = authority.NewChecker(c.resolveGroup, authority.MaxDepth)
	c.forkDB.OnIrreversible(c.onIrreversible)
	return c
}

func (c *Controller) resolveGroup(name string) (authority.Authority, bool, error) {
	g, err := c.tokenDB.GetGroup(name)
	if err != nil || g == nil {
		return authority.Authority{}, false, err
	}
	return g.Root.ToAuthority(), true, nil
}

func (c *Controller) Head() *types.BlockState { return c.head }

// Bootstrap seeds the token database's four genesis domains, governed by
// founderKey, the first time a chain starts (an empty block log and a zero
// head). Safe to call unconditionally on every startup: tokendb.Bootstrap
// is itself idempotent.
func (c *Controller) Bootstrap(founderKey cmntypes.PublicKey) error {
	return c.tokenDB.Bootstrap(founderKey.String())
}

// HighestReversibleBlockNum reports the highest block number with a
// recorded reversible-block row, the upper bound ReplayReversibleBlocks
// needs on restart.
func (c *Controller) HighestReversibleBlockNum() (uint32, error) {
	return c.state.HighestReversibleBlockNum()
}

// UnappliedTransactions returns every transaction not currently included in
// the chain the controller has applied, keyed by id. Producers read this to
// pick candidates for the next block.
func (c *Controller) UnappliedTransactions() map[cmntypes.Hash]types.SignedTransaction {
	out := make(map[cmntypes.Hash]types.SignedTransaction, len(c.unapplied))
	for k, v := range c.unapplied {
		out[k] = v
	}
	return out
}

func (c *Controller) checkFatal() error {
	if c.fatal != nil {
		return errors.Wrap(c.fatal, "controller is halted after a fatal error")
	}
	return nil
}

// StartBlock opens a new pending block on top of the current head,
// mirroring controller_impl::start_block: it begins a nested undo session
// on both stores and asks the consensus engine to fill in the
// schedule-dependent header fields.
func (c *Controller) StartBlock(producer string, when time.Time) error {
	if err := c.checkFatal(); err != nil {
		return err
	}
	if c.pending != nil {
		return chainerr.New(chainerr.KindValidation, "StartBlock", "a block is already pending")
	}
	if err := c.engine.CheckValidator(c.head, producer, when); err != nil {
		return chainerr.Wrap(chainerr.KindSubjective, "StartBlock", err, "producer not authorized for this slot")
	}

	header := types.BlockHeader{
		Previous:  c.head.ID,
		Timestamp: when,
		Producer:  producer,
	}
	if err := c.engine.Prepare(c.head, &header); err != nil {
		return chainerr.Wrap(chainerr.KindValidation, "StartBlock", err, "prepare header")
	}

	c.pending = c.openPendingSessions(header)
	if err := c.state.EvictExpiredDedup(when); err != nil {
		c.fatal = err
		return chainerr.Wrap(chainerr.KindStorageFatal, "StartBlock", err, "evict expired dedup rows")
	}
	c.onBlockStart.Emit(c.head)
	return nil
}

// openPendingSessions begins a new nested undo session on the chain-state
// store and a new savepoint on the token store for a block about to be
// built or applied, mirroring start_block's pair of
// db.start_undo_session/token_db.new_savepoint_session calls.
func (c *Controller) openPendingSessions(header types.BlockHeader) *pendingState {
	stateSess := c.state.StartSession()
	tokenRev := c.tokenDB.NewSavepointSession()
	return &pendingState{
		header:          header,
		stateRevision:   stateSess.Revision(),
		tokenDBRevision: tokenRev,
		globalSeqStart:  c.globalSeq.Next,
	}
}

// PushTransaction applies trx against the pending block's state, appending
// its receipt on success. A failed transaction leaves the pending block's
// state exactly as it was before the call.
func (c *Controller) PushTransaction(ctx context.Context, trx types.SignedTransaction) (*types.TransactionReceipt, error) {
	if err := c.checkFatal(); err != nil {
		return nil, err
	}
	if c.pending == nil {
		return nil, chainerr.New(chainerr.KindValidation, "PushTransaction", "no block is pending")
	}

	trxID := trx.ID()

	// A replayed transaction was already validated (and its dedup row
	// already recorded) the first time it ran; re-checking either against a
	// store that already carries that run's effects would reject every
	// replayed transaction as its own duplicate. These checks guard fresh
	// input, not re-derivation of already-accepted history.
	if !c.replaying {
		storedID, err := c.state.GetBlockSummary(uint32(trx.RefBlockNum))
		if err != nil {
			c.fatal = err
			return nil, chainerr.Wrap(chainerr.KindStorageFatal, "PushTransaction", err, "read block summary")
		}
		if !trx.VerifyReferenceBlock(storedID) {
			delete(c.unapplied, trxID)
			return nil, chainerr.New(chainerr.KindValidation, "PushTransaction", "invalid_ref_block_exception")
		}

		duplicate, err := c.state.HasDedup(trxID)
		if err != nil {
			c.fatal = err
			return nil, chainerr.Wrap(chainerr.KindStorageFatal, "PushTransaction", err, "check transaction dedup")
		}
		if duplicate {
			delete(c.unapplied, trxID)
			return nil, chainerr.New(chainerr.KindValidation, "PushTransaction", "tx_duplicate")
		}
	}

	txCtx := &txctx.Context{
		TokenDB:   c.tokenDB,
		Registry:  c.registry,
		Authority: c.authChecker,
		GlobalSeq: &c.globalSeq,
		State:     c.state,
		ChainID:   c.chainID,
	}
	result, err := txCtx.Apply(ctx, trx, c.pending.header.Timestamp)
	if err != nil {
		// Subjective failures (e.g. a blown deadline) leave the transaction
		// eligible for a later block; every other failure drops it, mirroring
		// push_transaction's failure_is_subjective split. Neither case records
		// a dedup row: a subjective failure must remain retryable, and a
		// non-subjective one never touched state worth protecting from replay.
		if chainerr.IsSubjective(err) {
			c.unapplied[trxID] = trx
		} else {
			delete(c.unapplied, trxID)
		}
		return nil, err
	}

	if !c.replaying {
		if err := c.state.PutDedup(trxID, trx.Expiration); err != nil {
			c.fatal = err
			return nil, chainerr.Wrap(chainerr.KindStorageFatal, "PushTransaction", err, "record transaction dedup")
		}
	}

	c.pending.receipts = append(c.pending.receipts, result.Receipt)
	delete(c.unapplied, trxID)
	return &result.Receipt, nil
}

// FinalizeBlock computes and fills in the pending block's transaction and
// action merkle roots, mirroring finalize_block/set_trx_merkle/
// set_action_merkle.
func (c *Controller) FinalizeBlock() error {
	if err := c.checkFatal(); err != nil {
		return err
	}
	if c.pending == nil {
		return chainerr.New(chainerr.KindValidation, "FinalizeBlock", "no block is pending")
	}

	trxDigests := make([]merkle.Digest, len(c.pending.receipts))
	actionDigests := make([]merkle.Digest, 0)
	for i, r := range c.pending.receipts {
		trxDigests[i] = merkle.Digest(r.TrxID)
		for _, ar := range r.ActionReceipts {
			actionDigests = append(actionDigests, merkle.Digest(ar.ActDigest))
		}
	}
	c.pending.header.TransactionMRoot = cmntypes.Hash(merkle.Root(trxDigests))
	c.pending.header.ActionMRoot = cmntypes.Hash(merkle.Root(actionDigests))
	return nil
}

// SignBlock signs the pending block's header with key and returns the
// resulting SignedBlock, without committing it. Callers must still call
// CommitBlock to make it the new head.
func (c *Controller) SignBlock(key cmntypes.PrivateKey) (*types.SignedBlock, error) {
	if err := c.checkFatal(); err != nil {
		return nil, err
	}
	if c.pending == nil {
		return nil, chainerr.New(chainerr.KindValidation, "SignBlock", "no block is pending")
	}

	digest := headerDigest(c.pending.header, c.chainID)
	sig, err := key.Sign(digest)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindSubjective, "SignBlock", err, "sign block header")
	}

	return &types.SignedBlock{
		BlockHeader:       c.pending.header,
		ProducerSignature: sig,
		Transactions:      c.pending.receipts,
	}, nil
}

// CommitBlock makes signed the new head: it folds the pending session into
// the fork database as a BlockState, records its block summary and
// reversible-block row, and clears the pending block. The block reaches the
// block log later, when onIrreversible runs for it.
func (c *Controller) CommitBlock(ctx context.Context, signed *types.SignedBlock) (*types.BlockState, error) {
	if err := c.checkFatal(); err != nil {
		return nil, err
	}
	if c.pending == nil {
		return nil, chainerr.New(chainerr.KindValidation, "CommitBlock", "no block is pending")
	}

	id := headerDigest(signed.BlockHeader, c.chainID)
	bs := &types.BlockState{
		ID:             id,
		BlockNum:       c.head.BlockNum + 1,
		Block:          signed,
		ActiveSchedule: c.head.ActiveSchedule,
		GlobalSeqStart: c.pending.globalSeqStart,
	}
	if signed.NewProducers != nil {
		bs.PendingSchedule = signed.NewProducers
	}

	if err := c.forkDB.Add(bs); err != nil {
		return nil, chainerr.Wrap(chainerr.KindConsensusFatal, "CommitBlock", err, "add block to fork database")
	}
	if err := c.state.SetBlockSummary(bs.BlockNum, bs.ID); err != nil {
		c.fatal = err
		return nil, chainerr.Wrap(chainerr.KindStorageFatal, "CommitBlock", err, "record block summary")
	}
	if err := c.state.PutReversibleBlock(bs.BlockNum, encodeSignedBlock(signed)); err != nil {
		c.fatal = err
		return nil, chainerr.Wrap(chainerr.KindStorageFatal, "CommitBlock", err, "record reversible block")
	}

	for _, r := range signed.Transactions {
		delete(c.unapplied, r.TrxID)
	}
	c.head = bs
	c.pending = nil
	c.onBlockApplied.Emit(bs)
	return bs, nil
}

// AbortBlock discards the pending block, undoing every change it made to
// both stores and moving its transactions back into the unapplied pool,
// mirroring abort_block.
func (c *Controller) AbortBlock() error {
	if c.pending == nil {
		return nil
	}
	for _, r := range c.pending.receipts {
		c.unapplied[r.TrxID] = r.Trx
	}
	c.globalSeq.Next = c.pending.globalSeqStart
	// State and tokendb maintain independent undo stacks, each undone here
	// in LIFO order by UndoTop/RollbackToLatestSavepoint; order between the
	// two stores does not matter, only within each.
	if err := c.state.UndoTop(); err != nil {
		c.fatal = err
		return chainerr.Wrap(chainerr.KindStorageFatal, "AbortBlock", err, "undo chain-state session")
	}
	if err := c.tokenDB.RollbackToLatestSavepoint(); err != nil {
		c.fatal = err
		return chainerr.Wrap(chainerr.KindStorageFatal, "AbortBlock", err, "roll back token-db savepoint")
	}
	c.pending = nil
	return nil
}

// PushBlock validates and applies an externally received block, switching
// forks if it extends a branch that is not the current head, mirroring
// push_block/maybe_switch_forks.
func (c *Controller) PushBlock(ctx context.Context, signed *types.SignedBlock) error {
	if err := c.checkFatal(); err != nil {
		return err
	}

	id := headerDigest(signed.BlockHeader, c.chainID)
	bs := &types.BlockState{
		ID:             id,
		Block:          signed,
		ActiveSchedule: c.head.ActiveSchedule,
	}
	if prevBS := c.forkDB.Get(signed.Previous); prevBS != nil {
		bs.BlockNum = prevBS.BlockNum + 1
	} else if signed.Previous == c.head.ID {
		bs.BlockNum = c.head.BlockNum + 1
	} else {
		return chainerr.New(chainerr.KindValidation, "PushBlock", "unlinkable block")
	}

	if err := c.forkDB.Add(bs); err != nil {
		return chainerr.Wrap(chainerr.KindValidation, "PushBlock", err, "add block to fork database")
	}

	newHead := c.forkDB.Head()
	if newHead.ID != c.head.ID {
		return c.maybeSwitchForks(ctx, newHead)
	}
	return nil
}

// maybeSwitchForks implements the fork-switch procedure of §4.7: a linear
// extension is applied directly on top of the current head; a genuine fork
// switch pops every block unique to the old head (restoring their
// transactions to the unapplied pool and rolling both stores back) before
// applying every block unique to the new head in ancestor-to-descendant
// order. If applying the new branch fails partway, everything applied so
// far is popped and the old branch is re-applied, restoring the pre-switch
// head exactly — the critical correctness property of this procedure. A
// failure during that reversal itself is treated as unrecoverable
// (KindStorageFatal): the node cannot know which store state it is left in,
// mirroring the reference implementation's treatment of that case as fatal.
func (c *Controller) maybeSwitchForks(ctx context.Context, newHead *types.BlockState) error {
	oldHead := c.head
	if newHead.ID == oldHead.ID {
		return nil
	}

	if newHead.Block.Previous == oldHead.ID {
		if err := c.applyBlock(ctx, newHead); err != nil {
			c.forkDB.SetValidity(newHead.ID, false)
			return chainerr.Wrap(chainerr.KindValidation, "maybeSwitchForks", err, "apply linear extension")
		}
		c.forkDB.MarkInCurrentChain(newHead.ID, true)
		newHead.Validated = true
		c.head = newHead
		return nil
	}

	branchNew, branchOld, err := c.forkDB.FetchBranchFrom(newHead.ID, oldHead.ID)
	if err != nil {
		return chainerr.Wrap(chainerr.KindConsensusFatal, "maybeSwitchForks", err, "compute fork branches")
	}

	// Pop branchOld front-to-back (tip down to, but excluding, the common
	// ancestor) — this is exactly LIFO order against the undo-session stack
	// since each block's session was pushed in ascending block-num order.
	for _, bs := range branchOld {
		if err := c.popBlock(bs); err != nil {
			c.fatal = err
			return chainerr.Wrap(chainerr.KindStorageFatal, "maybeSwitchForks", err, "pop old branch")
		}
	}

	applied := make([]*types.BlockState, 0, len(branchNew))
	var applyErr error
	var failed *types.BlockState
	for i := len(branchNew) - 1; i >= 0; i-- {
		bs := branchNew[i]
		if err := c.applyBlock(ctx, bs); err != nil {
			applyErr = err
			failed = bs
			break
		}
		c.forkDB.MarkInCurrentChain(bs.ID, true)
		bs.Validated = true
		c.head = bs
		applied = append(applied, bs)
	}

	if applyErr == nil {
		return nil
	}
	c.forkDB.SetValidity(failed.ID, false)

	// Unwind everything we applied from the new branch, then restore the
	// old branch exactly, ancestor-to-descendant.
	for i := len(applied) - 1; i >= 0; i-- {
		if err := c.popBlock(applied[i]); err != nil {
			c.fatal = err
			return chainerr.Wrap(chainerr.KindStorageFatal, "maybeSwitchForks", err,
				"unrecoverable failure reverting fork switch")
		}
	}
	for i := len(branchOld) - 1; i >= 0; i-- {
		bs := branchOld[i]
		if err := c.applyBlock(ctx, bs); err != nil {
			c.fatal = err
			return chainerr.Wrap(chainerr.KindStorageFatal, "maybeSwitchForks", err,
				"unrecoverable failure re-applying original branch after failed fork switch")
		}
		c.forkDB.MarkInCurrentChain(bs.ID, true)
		bs.Validated = true
		c.head = bs
	}
	return chainerr.Wrap(chainerr.KindValidation, "maybeSwitchForks", applyErr, "apply block from new branch")
}

// applyBlock is the ingestion-side counterpart of StartBlock+PushTransaction*
// +FinalizeBlock for a block that already exists as a BlockState in the fork
// database (received from the network, or being re-applied during a fork
// switch), ported from apply_block. Unlike CommitBlock it never constructs a
// new BlockState or re-adds to the fork database: bs is mutated in place so
// its fork-choice-relevant fields (DPoSIrreversibleBlockNum, and so on) are
// preserved across the switch.
func (c *Controller) applyBlock(ctx context.Context, bs *types.BlockState) error {
	if c.pending != nil {
		return chainerr.New(chainerr.KindValidation, "applyBlock", "a block is already pending")
	}
	c.pending = c.openPendingSessions(bs.Block.BlockHeader)
	bs.GlobalSeqStart = c.pending.globalSeqStart
	c.onBlockStart.Emit(c.head)

	for _, r := range bs.Block.Transactions {
		if _, err := c.PushTransaction(ctx, r.Trx); err != nil {
			_ = c.AbortBlock()
			return chainerr.Wrap(chainerr.KindConsensusFatal, "applyBlock", err, "re-execute transaction")
		}
	}
	if err := c.FinalizeBlock(); err != nil {
		_ = c.AbortBlock()
		return err
	}
	if c.pending.header.TransactionMRoot != bs.Block.TransactionMRoot ||
		c.pending.header.ActionMRoot != bs.Block.ActionMRoot {
		_ = c.AbortBlock()
		return chainerr.New(chainerr.KindConsensusFatal, "applyBlock", "merkle root mismatch")
	}

	if err := c.state.SetBlockSummary(bs.BlockNum, bs.ID); err != nil {
		_ = c.AbortBlock()
		c.fatal = err
		return chainerr.Wrap(chainerr.KindStorageFatal, "applyBlock", err, "record block summary")
	}
	if err := c.state.PutReversibleBlock(bs.BlockNum, encodeSignedBlock(bs.Block)); err != nil {
		_ = c.AbortBlock()
		c.fatal = err
		return chainerr.Wrap(chainerr.KindStorageFatal, "applyBlock", err, "record reversible block")
	}

	c.pending = nil
	c.onBlockApplied.Emit(bs)
	return nil
}

// popBlock removes bs from the current chain: it rolls both stores back by
// one session (undoing exactly the writes bs's application made, since
// sessions are pushed and popped in strict per-block LIFO order), restores
// bs's transactions to the unapplied pool, and marks bs no longer part of
// the current chain, ported from pop_block.
func (c *Controller) popBlock(bs *types.BlockState) error {
	if err := c.state.UndoTop(); err != nil {
		return errors.Wrap(err, "undo chain-state session for popped block")
	}
	if err := c.tokenDB.RollbackToLatestSavepoint(); err != nil {
		return errors.Wrap(err, "roll back token-db savepoint for popped block")
	}
	for _, r := range bs.Block.Transactions {
		c.unapplied[r.TrxID] = r.Trx
	}
	c.globalSeq.Next = bs.GlobalSeqStart
	c.forkDB.MarkInCurrentChain(bs.ID, false)
	return nil
}

// ReplayBlockLog is the first half of init()'s replay procedure: it
// re-applies every durably-logged block after the current head up through
// the block log's own head, rebuilding chain-state/token-db content and the
// fork database's root from scratch. Each replayed block is immediately
// advanced to fork-database root (it is already known irreversible, by
// virtue of being in the block log at all), so onIrreversible fires for it
// — with appending back to the log suppressed via the replaying flag —
// keeping the store-commit and reversible-row-pruning side effects
// consistent with a node that never restarted.
func (c *Controller) ReplayBlockLog(ctx context.Context) error {
	if err := c.checkFatal(); err != nil {
		return err
	}
	c.replaying = true
	defer func() { c.replaying = false }()

	upToNum := c.blockLog.HeadBlockNum()
	for num := c.head.BlockNum + 1; num <= upToNum; num++ {
		raw, err := c.blockLog.ReadByNum(num)
		if err != nil {
			return chainerr.Wrap(chainerr.KindStorageFatal, "ReplayBlockLog", err, "read block log entry")
		}
		if raw == nil {
			return chainerr.New(chainerr.KindStorageFatal, "ReplayBlockLog", "missing block log entry")
		}
		signed, err := decodeSignedBlock(raw)
		if err != nil {
			c.fatal = err
			return chainerr.Wrap(chainerr.KindStorageFatal, "ReplayBlockLog", err, "decode block log entry")
		}

		bs := &types.BlockState{
			ID:             headerDigest(signed.BlockHeader, c.chainID),
			BlockNum:       num,
			Block:          signed,
			ActiveSchedule: c.head.ActiveSchedule,
		}
		if signed.NewProducers != nil {
			bs.PendingSchedule = signed.NewProducers
		}
		if err := c.forkDB.Add(bs); err != nil {
			return chainerr.Wrap(chainerr.KindConsensusFatal, "ReplayBlockLog", err, "add replayed block to fork database")
		}
		if err := c.applyBlock(ctx, bs); err != nil {
			return chainerr.Wrap(chainerr.KindConsensusFatal, "ReplayBlockLog", err, "re-apply logged block")
		}
		c.forkDB.MarkInCurrentChain(bs.ID, true)
		bs.Validated = true
		bs.DPoSIrreversibleBlockNum = num
		c.head = bs
		c.forkDB.AdvanceRoot(bs)
		if err := c.checkFatal(); err != nil {
			return err
		}
	}
	return nil
}

// ReplayReversibleBlocks re-applies every reversible block recorded after
// the current head up to and including upToNum, in ascending order,
// reconstructing each one from the chain-state store's reversible-block
// rows rather than requiring the network to re-send it. This is the second
// half of init()'s replay procedure (the first half is ReplayBlockLog,
// which replays the durable block log), mirroring the reference implementation's "apply the
// block log, then the reversible blocks" restart sequence.
func (c *Controller) ReplayReversibleBlocks(ctx context.Context, upToNum uint32) error {
	if err := c.checkFatal(); err != nil {
		return err
	}
	c.replaying = true
	defer func() { c.replaying = false }()

	for num := c.head.BlockNum + 1; num <= upToNum; num++ {
		raw, err := c.state.GetReversibleBlock(num)
		if err != nil {
			return chainerr.Wrap(chainerr.KindStorageFatal, "ReplayReversibleBlocks", err, "read reversible block row")
		}
		if raw == nil {
			return chainerr.New(chainerr.KindStorageFatal, "ReplayReversibleBlocks", "missing reversible block row")
		}
		signed, err := decodeSignedBlock(raw)
		if err != nil {
			c.fatal = err
			return chainerr.Wrap(chainerr.KindStorageFatal, "ReplayReversibleBlocks", err, "decode reversible block")
		}

		bs := &types.BlockState{
			ID:             headerDigest(signed.BlockHeader, c.chainID),
			BlockNum:       num,
			Block:          signed,
			ActiveSchedule: c.head.ActiveSchedule,
		}
		if signed.NewProducers != nil {
			bs.PendingSchedule = signed.NewProducers
		}
		if err := c.forkDB.Add(bs); err != nil {
			return chainerr.Wrap(chainerr.KindConsensusFatal, "ReplayReversibleBlocks", err, "add replayed block to fork database")
		}
		if err := c.applyBlock(ctx, bs); err != nil {
			return chainerr.Wrap(chainerr.KindConsensusFatal, "ReplayReversibleBlocks", err, "re-apply reversible block")
		}
		c.forkDB.MarkInCurrentChain(bs.ID, true)
		bs.Validated = true
		c.head = bs
	}
	return nil
}

// PushConfirmation raises the DPoS irreversible block number recorded on the
// block identified by blockID to dposIrreversibleBlockNum (it never lowers
// it) and, once that number passes the fork database's root, advances the
// root to the block with that number on blockID's branch, which triggers
// onIrreversible. Confirmations are not counted here: the caller supplies
// the irreversible block number.
func (c *Controller) PushConfirmation(blockID cmntypes.Hash, dposIrreversibleBlockNum uint32) error {
	bs := c.forkDB.Get(blockID)
	if bs == nil {
		return chainerr.New(chainerr.KindValidation, "PushConfirmation", "unknown block")
	}
	if dposIrreversibleBlockNum > bs.DPoSIrreversibleBlockNum {
		bs.DPoSIrreversibleBlockNum = dposIrreversibleBlockNum
	}
	lib := bs.DPoSIrreversibleBlockNum
	if root := c.forkDB.Root(); root != nil && lib <= root.BlockNum {
		return nil
	}
	target := bs
	for target != nil && target.BlockNum > lib {
		target = c.forkDB.Get(target.Block.Previous)
	}
	if target != nil && target.BlockNum == lib {
		c.forkDB.AdvanceRoot(target)
	}
	return nil
}

// onIrreversible is wired to the fork database at construction time; it
// appends the now-irreversible block to the durable block log and commits
// both stores' undo history up to its revision, mirroring
// controller_impl's on_irreversible handler.
func (c *Controller) onIrreversible(bs *types.BlockState) {
	if !c.replaying {
		raw := encodeSignedBlock(bs.Block)
		if _, err := c.blockLog.Append(raw); err != nil {
			log.Error("failed to append irreversible block to block log", "block_num", bs.BlockNum, "err", err)
			c.fatal = err
			return
		}
	}
	c.state.Commit(uint64(bs.BlockNum))
	c.tokenDB.Commit(uint64(bs.BlockNum))
	if bs.BlockNum > c.lastIrreversibleNum {
		if err := c.state.DeleteReversibleBlocksRange(c.lastIrreversibleNum+1, bs.BlockNum); err != nil {
			log.Error("failed to prune reversible block rows", "up_to", bs.BlockNum, "err", err)
		}
		c.lastIrreversibleNum = bs.BlockNum
	}
	c.onIrreversibleBlock.Emit(bs)
}

// headerDigest computes a block's id as the chain-id-bound digest of its
// full header, matching the same signing-digest convention transactions
// use. Every header field is bound into the digest: two blocks that differ
// only in their transactions (and therefore their merkle roots) must never
// collide on id, since forkdb identifies blocks by id and TaPoS verifies
// transactions against ids recorded in the block-summary ring.
func headerDigest(h types.BlockHeader, chainID cmntypes.Hash) cmntypes.Hash {
	b := headerBytes(h)
	full := append(append([]byte{}, chainID[:]...), b...)
	return sha256Sum(full)
}

// headerBytes packs every BlockHeader field in common/wire's canonical
// little-endian, length-prefixed layout.
func headerBytes(h types.BlockHeader) []byte {
	e := wire.NewEncoder(128)
	e.PutRaw(h.Previous[:])
	e.PutString(h.Producer)
	e.PutUint64(uint64(h.Timestamp.UnixNano()))
	e.PutUint16(h.Confirmed)
	e.PutRaw(h.TransactionMRoot[:])
	e.PutRaw(h.ActionMRoot[:])
	e.PutUint32(h.ScheduleVersion)
	if h.NewProducers == nil {
		e.PutBool(false)
	} else {
		e.PutBool(true)
		e.PutUint32(h.NewProducers.Version)
		e.PutUint32(uint32(len(h.NewProducers.Producers)))
		for _, p := range h.NewProducers.Producers {
			e.PutString(p.ProducerName)
			e.PutVarBytes(p.BlockSigningKey.Bytes())
		}
	}
	return e.Bytes()
}

func sha256Sum(b []byte) cmntypes.Hash {
	return sha256.Sum256(b)
}
