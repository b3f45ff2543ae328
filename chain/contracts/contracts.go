// Package contracts is the action dispatch table: it registers a Handler
// per action name and is consulted by chain/txctx while applying a
// transaction's actions, ported from the controller's SET_APP_HANDLER
// registrations.
package contracts

import (
	"context"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/authority"
	"github.com/evt-chain/evtd/chain/tokendb"
	"github.com/evt-chain/evtd/chain/types"
)

// ActionContext is the state an action handler may read and mutate.
type ActionContext struct {
	Ctx       context.Context
	TokenDB   *tokendb.Store
	Authority *authority.Checker
	UsedKeys  []interface{ String() string }
	Action    types.Action
	ChainTime int64 // unix seconds of the containing block's timestamp
}

// Handler applies one action, given the transaction's recovered and
// authority-checked keys.
type Handler func(ctx *ActionContext) error

// Names of the evt action set, matching genesis_state's and controller's
// registered handlers.
const (
	ActionNewDomain     = "newdomain"
	ActionIssueToken    = "issuetoken"
	ActionTransfer      = "transfer"
	ActionNewGroup      = "newgroup"
	ActionUpdateGroup   = "updategroup"
	ActionUpdateDomain  = "updatedomain"
	ActionNewAccount    = "newaccount"
	ActionUpdateOwner   = "updateowner"
	ActionTransferEvt   = "transferevt"
	ActionNewDelay      = "newdelay"
	ActionApproveDelay  = "approvedelay"
	ActionCancelDelay   = "canceldelay"
	ActionExecuteDelay  = "executedelay"
)

// Registry is the action name -> Handler dispatch table.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.registerBuiltins()
	return r
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) Dispatch(ctx *ActionContext) error {
	h, ok := r.handlers[ctx.Action.Name]
	if !ok {
		return errors.Errorf("unknown action %s", ctx.Action.Name)
	}
	return h(ctx)
}

func (r *Registry) registerBuiltins() {
	r.Register(ActionNewDomain, handleNewDomain)
	r.Register(ActionUpdateDomain, handleUpdateDomain)
	r.Register(ActionIssueToken, handleIssueToken)
	r.Register(ActionTransfer, handleTransfer)
	r.Register(ActionNewGroup, handleNewGroup)
	r.Register(ActionUpdateGroup, handleUpdateGroup)
	r.Register(ActionNewAccount, handleNewAccount)
	r.Register(ActionUpdateOwner, handleUpdateOwner)
	r.Register(ActionTransferEvt, handleTransferEvt)
	r.Register(ActionNewDelay, handleNewDelay)
	r.Register(ActionApproveDelay, handleApproveDelay)
	r.Register(ActionCancelDelay, handleCancelDelay)
	r.Register(ActionExecuteDelay, handleExecuteDelay)
}

func handleNewDomain(ctx *ActionContext) error {
	exists, err := ctx.TokenDB.ExistsDomain(ctx.Action.Domain)
	if err != nil {
		return err
	}
	if exists {
		return errors.Errorf("domain %s already exists", ctx.Action.Domain)
	}
	return ctx.TokenDB.AddDomain(tokendb.Domain{Name: ctx.Action.Domain})
}

func handleUpdateDomain(ctx *ActionContext) error {
	d, err := ctx.TokenDB.GetDomain(ctx.Action.Domain)
	if err != nil {
		return err
	}
	if d == nil {
		return errors.Errorf("domain %s does not exist", ctx.Action.Domain)
	}
	return ctx.TokenDB.UpdateDomain(*d)
}

func handleIssueToken(ctx *ActionContext) error {
	if exists, err := ctx.TokenDB.ExistsDomain(ctx.Action.Domain); err != nil {
		return err
	} else if !exists {
		return errors.Errorf("domain %s does not exist", ctx.Action.Domain)
	}
	return ctx.TokenDB.AddToken(tokendb.Token{Domain: ctx.Action.Domain, Name: ctx.Action.Key})
}

func handleTransfer(ctx *ActionContext) error {
	tok, err := ctx.TokenDB.GetToken(ctx.Action.Domain, ctx.Action.Key)
	if err != nil {
		return err
	}
	if tok == nil {
		return errors.Errorf("token %s/%s does not exist", ctx.Action.Domain, ctx.Action.Key)
	}
	return ctx.TokenDB.UpdateToken(*tok)
}

func handleNewGroup(ctx *ActionContext) error {
	if exists, err := ctx.TokenDB.ExistsGroup(ctx.Action.Key); err != nil {
		return err
	} else if exists {
		return errors.Errorf("group %s already exists", ctx.Action.Key)
	}
	return ctx.TokenDB.AddGroup(tokendb.Group{Name: ctx.Action.Key})
}

func handleUpdateGroup(ctx *ActionContext) error {
	g, err := ctx.TokenDB.GetGroup(ctx.Action.Key)
	if err != nil {
		return err
	}
	if g == nil {
		return errors.Errorf("group %s does not exist", ctx.Action.Key)
	}
	return ctx.TokenDB.UpdateGroup(*g)
}

func handleNewAccount(ctx *ActionContext) error {
	return nil // no-op: no account record is created
}

func handleUpdateOwner(ctx *ActionContext) error {
	return nil
}

func handleTransferEvt(ctx *ActionContext) error {
	return nil // no-op: no balance is moved
}

func handleNewDelay(ctx *ActionContext) error {
	return nil
}

func handleApproveDelay(ctx *ActionContext) error {
	return nil
}

func handleCancelDelay(ctx *ActionContext) error {
	return nil
}

func handleExecuteDelay(ctx *ActionContext) error {
	return nil
}
