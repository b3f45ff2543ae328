// Package tokendb is the token store: domains, issued tokens, authority
// groups, EVT-native balances and pending delayed transactions, with
// named savepoints layered over the shared nested undo-session stack
// (ported from token_db's new_savepoint_session/pop_savepoints/
// rollback_to_latest_savepoint).
package tokendb

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/authority"
	"github.com/evt-chain/evtd/chain/undo"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/kv"
)

// Store is the token store.
type Store struct {
	undo       *undo.Store
	savepoints []*undo.Session
}

func New(db kv.RwDB) *Store {
	return &Store{undo: undo.NewStore(db)}
}

// NewSavepointSession pushes a new named undo session on top of the stack
// and remembers it as the latest savepoint.
func (s *Store) NewSavepointSession() uint64 {
	sess := s.undo.StartSession()
	s.savepoints = append(s.savepoints, sess)
	return sess.Revision()
}

// PopSavepoints squashes the n most recent savepoints into their parents,
// keeping their writes but discarding the ability to roll back to them
// individually.
func (s *Store) PopSavepoints(n int) error {
	if n > len(s.savepoints) {
		return errors.Errorf("cannot pop %d savepoints, only %d exist", n, len(s.savepoints))
	}
	for i := 0; i < n; i++ {
		sp := s.savepoints[len(s.savepoints)-1]
		if err := sp.Squash(); err != nil {
			return errors.Wrap(err, "pop savepoint")
		}
		s.savepoints = s.savepoints[:len(s.savepoints)-1]
	}
	return nil
}

// RollbackToLatestSavepoint undoes every write made since the most recent
// savepoint, including any savepoints nested inside it.
func (s *Store) RollbackToLatestSavepoint() error {
	if len(s.savepoints) == 0 {
		return errors.New("no savepoint to roll back to")
	}
	sp := s.savepoints[len(s.savepoints)-1]
	if err := sp.Undo(); err != nil {
		return errors.Wrap(err, "rollback to latest savepoint")
	}
	s.savepoints = s.savepoints[:len(s.savepoints)-1]
	return nil
}

// Commit discards undo history up to and including rev.
func (s *Store) Commit(rev uint64) { s.undo.Commit(rev) }

// Domain is a namespace for tokens, owned and managed by its issuer and
// manager authority groups.
type Domain struct {
	Name      string          `json:"name"`
	Creator   cmntypes.PublicKey `json:"-"`
	CreatorHex string         `json:"creator"`
	Issue     AuthorizerRef   `json:"issue"`
	Transfer  AuthorizerRef   `json:"transfer"`
	Manage    AuthorizerRef   `json:"manage"`
}

// AuthorizerRef is a weighted-threshold authority attached to a domain,
// token, or group: a mix of literal public keys and named sub-groups,
// resolved against chain/authority at execution time.
type AuthorizerRef struct {
	Threshold uint32          `json:"threshold"`
	Keys      []WeightedKey   `json:"keys,omitempty"`
	Groups    []WeightedGroup `json:"groups,omitempty"`
}

// WeightedKey is one public-key entry of an AuthorizerRef.
type WeightedKey struct {
	Key    string `json:"key"` // hex-encoded compressed secp256k1 public key
	Weight uint32 `json:"weight"`
}

// WeightedGroup is one named-group entry of an AuthorizerRef, resolved
// recursively by chain/authority.Checker's GroupResolver.
type WeightedGroup struct {
	Group  string `json:"group"`
	Weight uint32 `json:"weight"`
}

// ToAuthority converts a stored AuthorizerRef into the shape
// chain/authority's Checker walks, dropping any entry whose key fails to
// parse (a malformed stored key can never be satisfied, so it is simply
// never counted rather than failing the whole authority resolution).
func (r AuthorizerRef) ToAuthority() authority.Authority {
	refs := make([]authority.Ref, 0, len(r.Keys)+len(r.Groups))
	for _, k := range r.Keys {
		pub, err := cmntypes.PublicKeyFromHex(k.Key)
		if err != nil {
			continue
		}
		refs = append(refs, authority.Ref{Kind: authority.RefAccountKey, Key: pub, Weight: k.Weight})
	}
	for _, g := range r.Groups {
		refs = append(refs, authority.Ref{Kind: authority.RefGroup, Group: g.Group, Weight: g.Weight})
	}
	return authority.Authority{Threshold: r.Threshold, Refs: refs}
}

// OwnersAuthority builds an all-of AuthorizerRef over a token's current
// owner key list: every listed owner must sign, matching the reference's
// token-ownership authorization rule.
func OwnersAuthority(owners []string) AuthorizerRef {
	keys := make([]WeightedKey, len(owners))
	for i, o := range owners {
		keys[i] = WeightedKey{Key: o, Weight: 1}
	}
	return AuthorizerRef{Threshold: uint32(len(owners)), Keys: keys}
}

func (s *Store) GetDomain(name string) (*Domain, error) {
	v, err := s.undo.Get(kv.Domains, []byte(name))
	if err != nil || v == nil {
		return nil, err
	}
	var d Domain
	if err := json.Unmarshal(v, &d); err != nil {
		return nil, errors.Wrap(err, "decode domain")
	}
	return &d, nil
}

func (s *Store) ExistsDomain(name string) (bool, error) {
	d, err := s.GetDomain(name)
	return d != nil, err
}

func (s *Store) AddDomain(d Domain) error {
	if exists, err := s.ExistsDomain(d.Name); err != nil {
		return err
	} else if exists {
		return errors.Errorf("domain %s already exists", d.Name)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode domain")
	}
	return s.undo.Put(kv.Domains, []byte(d.Name), b)
}

func (s *Store) UpdateDomain(d Domain) error {
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode domain")
	}
	return s.undo.Put(kv.Domains, []byte(d.Name), b)
}

// genesisDomains are the four built-in namespaces every chain starts with,
// matching genesis_state.hpp's bootstrap set: "domain" governs creation of
// further domains, "group" governs authority-group management, "account"
// governs EVT-native account creation, and "delay" governs delayed
// transaction proposals. All four are issued/managed by the genesis key
// until reassigned by a later updatedomain action.
var genesisDomains = []string{"domain", "group", "account", "delay"}

// Bootstrap creates the four genesis domains if they are not already
// present, all governed by founderKey, mirroring controller_impl's startup
// behavior of seeding the token database before block 1 is ever produced.
// It is idempotent: re-running it against an already-bootstrapped store (as
// happens when replaying the block log from scratch) is a no-op.
func (s *Store) Bootstrap(founderKey string) error {
	owner := AuthorizerRef{Threshold: 1, Keys: []WeightedKey{{Key: founderKey, Weight: 1}}}
	for _, name := range genesisDomains {
		exists, err := s.ExistsDomain(name)
		if err != nil {
			return errors.Wrapf(err, "check genesis domain %s", name)
		}
		if exists {
			continue
		}
		if err := s.AddDomain(Domain{
			Name:       name,
			CreatorHex: founderKey,
			Issue:      owner,
			Transfer:   owner,
			Manage:     owner,
		}); err != nil {
			return errors.Wrapf(err, "create genesis domain %s", name)
		}
	}
	return nil
}

// Token is one issued instance of a domain's token.
type Token struct {
	Domain string          `json:"domain"`
	Name   string          `json:"name"`
	Owner  []string         `json:"owner"`
	Metas  json.RawMessage `json:"metas,omitempty"`
}

func tokenKey(domain, name string) []byte {
	return append([]byte(domain), []byte(name)...)
}

func (s *Store) GetToken(domain, name string) (*Token, error) {
	v, err := s.undo.Get(kv.Tokens, tokenKey(domain, name))
	if err != nil || v == nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, errors.Wrap(err, "decode token")
	}
	return &t, nil
}

func (s *Store) ExistsToken(domain, name string) (bool, error) {
	t, err := s.GetToken(domain, name)
	return t != nil, err
}

func (s *Store) AddToken(t Token) error {
	if exists, err := s.ExistsToken(t.Domain, t.Name); err != nil {
		return err
	} else if exists {
		return errors.Errorf("token %s/%s already exists", t.Domain, t.Name)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	return s.undo.Put(kv.Tokens, tokenKey(t.Domain, t.Name), b)
}

func (s *Store) UpdateToken(t Token) error {
	b, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	return s.undo.Put(kv.Tokens, tokenKey(t.Domain, t.Name), b)
}

// Group is a named weighted-threshold authority, resolved by chain/authority.
type Group struct {
	Name string        `json:"name"`
	Key  cmntypes.PublicKey `json:"-"`
	Root AuthorizerRef `json:"root"`
}

func (s *Store) GetGroup(name string) (*Group, error) {
	v, err := s.undo.Get(kv.Groups, []byte(name))
	if err != nil || v == nil {
		return nil, err
	}
	var g Group
	if err := json.Unmarshal(v, &g); err != nil {
		return nil, errors.Wrap(err, "decode group")
	}
	return &g, nil
}

func (s *Store) ExistsGroup(name string) (bool, error) {
	g, err := s.GetGroup(name)
	return g != nil, err
}

func (s *Store) AddGroup(g Group) error {
	if exists, err := s.ExistsGroup(g.Name); err != nil {
		return err
	} else if exists {
		return errors.Errorf("group %s already exists", g.Name)
	}
	b, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "encode group")
	}
	return s.undo.Put(kv.Groups, []byte(g.Name), b)
}

func (s *Store) UpdateGroup(g Group) error {
	b, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "encode group")
	}
	return s.undo.Put(kv.Groups, []byte(g.Name), b)
}

// TokenAccount is an EVT-native (chain's base currency) balance, separate
// from the per-domain token ownership tracked in Tokens.
type TokenAccount struct {
	Name    string
	Balance cmntypes.Amount
}

func (s *Store) GetTokenAccount(name string) (*TokenAccount, error) {
	v, err := s.undo.Get(kv.TokenAccounts, []byte(name))
	if err != nil || v == nil {
		return nil, err
	}
	if len(v) < 32 {
		return nil, errors.New("truncated token account record")
	}
	bal := cmntypes.NewAmount(0)
	bal.Value.SetBytes32(v)
	return &TokenAccount{Name: name, Balance: bal}, nil
}

func (s *Store) PutTokenAccount(a TokenAccount) error {
	var buf [32]byte
	a.Balance.Value.WriteToArray32(&buf)
	return s.undo.Put(kv.TokenAccounts, []byte(a.Name), buf[:])
}

// DelayedTransaction is a transaction pending the elapse of its delay
// window, or explicit approval/cancellation.
type DelayedTransaction struct {
	TrxID    cmntypes.Hash
	Proposer string
	Status   DelayStatus
}

type DelayStatus uint8

const (
	DelayPending DelayStatus = iota
	DelayExecuted
	DelayCancelled
)

func (s *Store) GetDelay(trxID cmntypes.Hash) (*DelayedTransaction, error) {
	v, err := s.undo.Get(kv.Delays, trxID[:])
	if err != nil || v == nil {
		return nil, err
	}
	if len(v) < 41 {
		return nil, errors.New("truncated delay record")
	}
	d := &DelayedTransaction{TrxID: trxID}
	copy(d.TrxID[:], v[:32])
	nameLen := v[32]
	d.Proposer = string(v[33 : 33+nameLen])
	d.Status = DelayStatus(v[33+nameLen])
	return d, nil
}

func (s *Store) PutDelay(d DelayedTransaction) error {
	buf := make([]byte, 33+len(d.Proposer)+1)
	copy(buf[:32], d.TrxID[:])
	buf[32] = byte(len(d.Proposer))
	copy(buf[33:], d.Proposer)
	buf[33+len(d.Proposer)] = byte(d.Status)
	return s.undo.Put(kv.Delays, d.TrxID[:], buf)
}

func (s *Store) RemoveDelay(trxID cmntypes.Hash) error {
	return s.undo.Delete(kv.Delays, trxID[:])
}
