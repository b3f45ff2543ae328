// Package rpc exposes the node's read-only query surface over a
// *controller.Controller: head block number and id, the head block looked
// up by number, and the active producer set. There is no lookup by id, no
// lookup of blocks older than the head, and no global-property query. No
// network transport is
// implemented here; a caller (e.g. cmd/evtd, or an external JSON-RPC
// server built on top of this package) registers these methods for
// whatever wire protocol it speaks.
package rpc

import (
	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/controller"
	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
)

// API is the read-only surface over a running Controller.
type API struct {
	ctrl *controller.Controller
}

func New(ctrl *controller.Controller) *API {
	return &API{ctrl: ctrl}
}

// HeadBlockNum returns the current head's block number.
func (a *API) HeadBlockNum() uint32 {
	return a.ctrl.Head().BlockNum
}

// HeadBlockID returns the current head's id.
func (a *API) HeadBlockID() cmntypes.Hash {
	return a.ctrl.Head().ID
}

// ActiveProducers returns the current head's active producer schedule.
func (a *API) ActiveProducers() types.ProducerSchedule {
	return a.ctrl.Head().ActiveSchedule
}

// FetchBlockByNum returns the current head's block state when num is the
// head's block number, and an error for any other number; neither the fork
// database nor the block log is searched.
func (a *API) FetchBlockByNum(num uint32) (*types.BlockState, error) {
	head := a.ctrl.Head()
	if head == nil {
		return nil, errors.New("chain has no head")
	}
	if num == head.BlockNum {
		return head, nil
	}
	return nil, errors.Errorf("block %d is not the current head; historical lookup requires the block log", num)
}
