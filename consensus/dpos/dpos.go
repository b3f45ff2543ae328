// Package dpos implements delegated-proof-of-stake producer scheduling and
// the per-slot validator check the controller consults at StartBlock time,
// adapted from the reference miner's mintBlock gate and
// the dpos API's GetValidators/GetConfirmedBlockNumber shape.
package dpos

import (
	"time"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/types"
)

// Errors mirroring the reference miner's ErrWaitForPrevBlock /
// ErrMintFutureBlock / ErrInvalidBlockValidator / ErrInvalidMintBlockTime.
var (
	ErrWaitForPrevBlock      = errors.New("wait for last block arrived")
	ErrMintFutureBlock       = errors.New("mint the future block")
	ErrInvalidBlockValidator = errors.New("invalid block validator")
	ErrInvalidMintBlockTime  = errors.New("invalid time to mint the block")
)

// Engine is the narrow consensus interface chain/controller consults; it
// does not own the block-production loop (ticking, tx pool draining),
// which is external to this core per the spec's Non-goals on producer
// scheduling policy.
type Engine interface {
	// CheckValidator reports whether producer is authorized to produce the
	// slot starting at now, given the chain's current head.
	CheckValidator(head *types.BlockState, producer string, now time.Time) error
	// Prepare is a hook for consensus-specific header fields outside of
	// producer-schedule promotion, which chain/controller.StartBlock handles
	// itself since it depends on chain-state's GlobalProperty, not anything
	// engine-specific.
	Prepare(head *types.BlockState, header *types.BlockHeader) error
}

// BlockInterval is the fixed wall-clock spacing between block slots.
const BlockInterval = 500 * time.Millisecond

// engine is the default DPOS Engine: a round-robin schedule over the
// active producer list, one slot per BlockInterval.
type engine struct {
	blockInterval time.Duration
}

func New() Engine {
	return &engine{blockInterval: BlockInterval}
}

// slotAt returns the 0-based slot index for t since epoch (the head's
// timestamp, used as is), or -1 if t is before epoch.
func (e *engine) slotAt(epoch time.Time, t time.Time) int64 {
	d := t.Sub(epoch)
	if d < 0 {
		return -1
	}
	return int64(d / e.blockInterval)
}

func (e *engine) producerForSlot(head *types.BlockState, slot int64) (string, error) {
	sched := head.ActiveSchedule
	if len(sched.Producers) == 0 {
		return "", errors.New("active producer schedule is empty")
	}
	idx := slot % int64(len(sched.Producers))
	if idx < 0 {
		idx += int64(len(sched.Producers))
	}
	return sched.Producers[idx].ProducerName, nil
}

func (e *engine) CheckValidator(head *types.BlockState, producer string, now time.Time) error {
	if head == nil {
		return errors.New("no head block")
	}
	epoch := head.Block.Timestamp
	slot := e.slotAt(epoch, now)
	if slot < 0 {
		return ErrMintFutureBlock
	}
	prevSlot := e.slotAt(epoch, head.Block.Timestamp)
	if slot <= prevSlot {
		return ErrWaitForPrevBlock
	}

	expected, err := e.producerForSlot(head, slot)
	if err != nil {
		return err
	}
	if expected != producer {
		return ErrInvalidBlockValidator
	}

	slotStart := epoch.Add(time.Duration(slot) * e.blockInterval)
	if now.Before(slotStart) {
		return ErrInvalidMintBlockTime
	}
	return nil
}

func (e *engine) Prepare(head *types.BlockState, header *types.BlockHeader) error {
	return nil
}
