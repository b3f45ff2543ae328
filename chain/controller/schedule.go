package controller

import (
	"github.com/evt-chain/evtd/chain/chainerr"
	"github.com/evt-chain/evtd/chain/state"
	"github.com/evt-chain/evtd/chain/types"
)

// promoteSchedule derives the new block's active and pending producer
// schedules from head, promoting head's pending schedule to active at the
// start of the block where it first takes effect, mirroring block_state's
// maybe_promote_pending.
func promoteSchedule(head *types.BlockState) (active types.ProducerSchedule, pending *types.ProducerSchedule, justPromoted bool) {
	if head.PendingSchedule != nil {
		return *head.PendingSchedule, nil, true
	}
	return head.ActiveSchedule, nil, false
}

// maybePromoteProposedSchedule promotes an outstanding proposed schedule to
// pending once its proposing block is irreversible and the pending slot is
// still empty, mirroring start_block's proposed -> pending check. pending
// must be nil on entry and is left nil if no promotion happens.
func (c *Controller) maybePromoteProposedSchedule(pending **types.ProducerSchedule, justPromoted bool) (bool, error) {
	if *pending != nil || justPromoted {
		return false, nil
	}
	gp, err := c.state.GetGlobalProperty()
	if err != nil {
		return false, err
	}
	if gp.ProposedScheduleBlockNum == 0 || gp.ProposedScheduleBlockNum > c.head.DPoSIrreversibleBlockNum {
		return false, nil
	}

	sch := fromStateSchedule(*gp.ProposedSchedule)
	*pending = &sch

	gp.ProposedSchedule = nil
	gp.ProposedScheduleBlockNum = 0
	if err := c.state.SetGlobalProperty(gp); err != nil {
		return false, err
	}
	return true, nil
}

// ProposeProducerSchedule proposes a new producer schedule on behalf of the
// pending block, mirroring controller::set_proposed_producers. The proposal
// becomes the pending schedule once this block becomes irreversible (and
// the pending slot is still empty), then becomes active at the start of the
// first block produced under it. Returns the new schedule's version, or -1
// if the proposal is a no-op: a proposal made for a different block number
// is still outstanding, a proposal for this same block number is already
// outstanding with an identical producer list, or producers is identical to
// the schedule it would replace.
func (c *Controller) ProposeProducerSchedule(producers []types.ProducerKey) (int64, error) {
	if err := c.checkFatal(); err != nil {
		return -1, err
	}
	if c.pending == nil {
		return -1, chainerr.New(chainerr.KindValidation, "ProposeProducerSchedule", "no block is pending")
	}

	gp, err := c.state.GetGlobalProperty()
	if err != nil {
		return -1, chainerr.Wrap(chainerr.KindStorageFatal, "ProposeProducerSchedule", err, "read global property")
	}
	curBlockNum := c.head.BlockNum + 1

	if gp.ProposedScheduleBlockNum != 0 {
		if gp.ProposedScheduleBlockNum != curBlockNum {
			return -1, nil
		}
		if sameProducers(producers, fromStateProducers(gp.ProposedSchedule.Producers)) {
			return -1, nil
		}
	}

	var version uint32
	var basis []types.ProducerKey
	if c.pending.pendingSchedule != nil {
		version = c.pending.pendingSchedule.Version + 1
		basis = c.pending.pendingSchedule.Producers
	} else {
		version = c.pending.activeSchedule.Version + 1
		basis = c.pending.activeSchedule.Producers
	}
	if sameProducers(producers, basis) {
		return -1, nil
	}

	sch := state.ProducerSchedule{Version: version, Producers: toStateProducers(producers)}
	gp.ProposedSchedule = &sch
	gp.ProposedScheduleBlockNum = curBlockNum
	if err := c.state.SetGlobalProperty(gp); err != nil {
		return -1, chainerr.Wrap(chainerr.KindStorageFatal, "ProposeProducerSchedule", err, "write global property")
	}
	return int64(version), nil
}

func toStateProducers(in []types.ProducerKey) []state.ProducerKey {
	out := make([]state.ProducerKey, len(in))
	for i, p := range in {
		out[i] = state.ProducerKey{Name: p.ProducerName, SigningKey: p.BlockSigningKey}
	}
	return out
}

func fromStateProducers(in []state.ProducerKey) []types.ProducerKey {
	out := make([]types.ProducerKey, len(in))
	for i, p := range in {
		out[i] = types.ProducerKey{ProducerName: p.Name, BlockSigningKey: p.SigningKey}
	}
	return out
}

func fromStateSchedule(s state.ProducerSchedule) types.ProducerSchedule {
	return types.ProducerSchedule{Version: s.Version, Producers: fromStateProducers(s.Producers)}
}

func sameProducers(a, b []types.ProducerKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProducerName != b[i].ProducerName || !a[i].BlockSigningKey.Equal(b[i].BlockSigningKey) {
			return false
		}
	}
	return true
}

func sameOptionalSchedule(a, b *types.ProducerSchedule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version == b.Version && sameProducers(a.Producers, b.Producers)
}
