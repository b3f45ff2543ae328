// Package state is the chain-state store: accounts, global properties and
// the TaPoS block-summary ring, sitting on the shared nested undo-session
// stack.
package state

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/undo"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/kv"
)

// Store is the chain-state store.
type Store struct {
	undo *undo.Store
}

func New(db kv.RwDB) *Store {
	return &Store{undo: undo.NewStore(db)}
}

// Session is an open nested undo session against the chain-state store.
type Session struct {
	*undo.Session
}

// StartSession begins a new pending-block (or nested) undo session.
func (s *Store) StartSession() Session {
	return Session{Session: s.undo.StartSession()}
}

// Commit discards undo history up to and including rev, matching
// controller_impl's db.commit(block_num) call after irreversibility
// advances.
func (s *Store) Commit(rev uint64) { s.undo.Commit(rev) }

// UndoTop reverts and discards the most recently started session, matching
// controller_impl's db.undo() call in pop_block.
func (s *Store) UndoTop() error { return s.undo.UndoTop() }

var globalPropertyKey = []byte{0}

// ProducerKey and ProducerSchedule mirror chain/types' identically-named
// types; they are re-declared here rather than imported, so chain/state
// does not depend on chain/types. chain/controller maps between the two.
type ProducerKey struct {
	Name       string
	SigningKey cmntypes.PublicKey
}

type ProducerSchedule struct {
	Version   uint32
	Producers []ProducerKey
}

// GlobalProperty holds chain-wide configuration plus the pending producer-
// schedule proposal, mirroring global_property_object's
// proposed_schedule/proposed_schedule_block_num fields. ProposedScheduleBlockNum
// of 0 means no proposal is outstanding.
type GlobalProperty struct {
	ChainID                  cmntypes.Hash
	ProposedSchedule         *ProducerSchedule
	ProposedScheduleBlockNum uint32
}

func (s *Store) GetGlobalProperty() (GlobalProperty, error) {
	v, err := s.undo.Get(kv.GlobalProperty, globalPropertyKey)
	if err != nil {
		return GlobalProperty{}, err
	}
	if v == nil {
		// Nothing recorded yet: no chain id bound, no proposal outstanding.
		return GlobalProperty{}, nil
	}
	return decodeGlobalProperty(v)
}

func (s *Store) SetGlobalProperty(gp GlobalProperty) error {
	return s.undo.Put(kv.GlobalProperty, globalPropertyKey, encodeGlobalProperty(gp))
}

func encodeGlobalProperty(gp GlobalProperty) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, gp.ChainID[:]...)
	if gp.ProposedSchedule == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], gp.ProposedSchedule.Version)
	buf = append(buf, v[:]...)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(gp.ProposedSchedule.Producers)))
	buf = append(buf, cnt[:]...)
	for _, p := range gp.ProposedSchedule.Producers {
		var nl [2]byte
		binary.BigEndian.PutUint16(nl[:], uint16(len(p.Name)))
		buf = append(buf, nl[:]...)
		buf = append(buf, []byte(p.Name)...)
		buf = append(buf, p.SigningKey.Bytes()...)
	}
	var bn [4]byte
	binary.BigEndian.PutUint32(bn[:], gp.ProposedScheduleBlockNum)
	return append(buf, bn[:]...)
}

func decodeGlobalProperty(v []byte) (GlobalProperty, error) {
	if len(v) < 33 {
		return GlobalProperty{}, errors.New("truncated global property record")
	}
	var gp GlobalProperty
	copy(gp.ChainID[:], v[0:32])
	if v[32] == 0 {
		return gp, nil
	}
	pos := 33
	if pos+6 > len(v) {
		return GlobalProperty{}, errors.New("truncated global property record")
	}
	version := binary.BigEndian.Uint32(v[pos : pos+4])
	pos += 4
	count := int(binary.BigEndian.Uint16(v[pos : pos+2]))
	pos += 2

	producers := make([]ProducerKey, 0, count)
	for i := 0; i < count; i++ {
		if pos+2 > len(v) {
			return GlobalProperty{}, errors.New("truncated global property record")
		}
		nl := int(binary.BigEndian.Uint16(v[pos : pos+2]))
		pos += 2
		if pos+nl+33 > len(v) {
			return GlobalProperty{}, errors.New("truncated global property record")
		}
		name := string(v[pos : pos+nl])
		pos += nl
		key, err := cmntypes.NewPublicKeyFromBytes(v[pos : pos+33])
		if err != nil {
			return GlobalProperty{}, err
		}
		pos += 33
		producers = append(producers, ProducerKey{Name: name, SigningKey: key})
	}
	if pos+4 > len(v) {
		return GlobalProperty{}, errors.New("truncated global property record")
	}
	gp.ProposedSchedule = &ProducerSchedule{Version: version, Producers: producers}
	gp.ProposedScheduleBlockNum = binary.BigEndian.Uint32(v[pos : pos+4])
	return gp, nil
}

// blockSummaryRingSize duplicates chain/types.BlockSummaryRingSize so that
// chain/state does not import chain/types.
const blockSummaryRingSize = 1 << 16

func summaryKey(blockNum uint32) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(blockNum%blockSummaryRingSize))
	return k[:]
}

// SetBlockSummary records blockID as the summary for blockNum's ring slot.
func (s *Store) SetBlockSummary(blockNum uint32, blockID cmntypes.Hash) error {
	return s.undo.Put(kv.BlockSummaries, summaryKey(blockNum), blockID[:])
}

// GetBlockSummary returns the block id stored for blockNum's ring slot,
// which may belong to a different (older or newer) block number if that
// slot has since been overwritten — callers must verify the TaPoS prefix
// themselves.
func (s *Store) GetBlockSummary(blockNum uint32) (cmntypes.Hash, error) {
	v, err := s.undo.Get(kv.BlockSummaries, summaryKey(blockNum))
	if err != nil {
		return cmntypes.Hash{}, err
	}
	var h cmntypes.Hash
	copy(h[:], v)
	return h, nil
}

func reversibleKey(blockNum uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], blockNum)
	return k[:]
}

// PutReversibleBlock records an applied-but-not-yet-irreversible block's
// encoded bytes, so a restarting node can replay it without waiting to
// re-receive it from peers, matching the reversible-block store of spec.md
// §6.
func (s *Store) PutReversibleBlock(blockNum uint32, raw []byte) error {
	return s.undo.Put(kv.ReversibleBlocks, reversibleKey(blockNum), raw)
}

// GetReversibleBlock returns the encoded bytes stored for blockNum, or nil
// if none is recorded there.
func (s *Store) GetReversibleBlock(blockNum uint32) ([]byte, error) {
	return s.undo.Get(kv.ReversibleBlocks, reversibleKey(blockNum))
}

// HighestReversibleBlockNum returns the highest block number with a
// recorded reversible-block row, or 0 if none are recorded, so a restarting
// node knows how far ReplayReversibleBlocks needs to go without maintaining
// a separate persisted counter.
func (s *Store) HighestReversibleBlockNum() (uint32, error) {
	k, err := s.undo.LastKey(kv.ReversibleBlocks)
	if err != nil || k == nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(k), nil
}

// DeleteReversibleBlocksRange removes every reversible-block row in
// [fromNum, toNum], matching controller_impl::on_irreversible's step of
// dropping ReversibleBlock rows once their block number falls at or below
// the new LIB. Deleting an absent key is a no-op.
func (s *Store) DeleteReversibleBlocksRange(fromNum, toNum uint32) error {
	for n := fromNum; n <= toNum; n++ {
		if err := s.undo.Delete(kv.ReversibleBlocks, reversibleKey(n)); err != nil {
			return err
		}
		if n == toNum { // guard against uint32 wraparound when toNum == max uint32
			break
		}
	}
	return nil
}

func recvSequenceKey(receiver string) []byte { return []byte(fitName(receiver)) }

// NextRecvSequence returns receiver's next receive-sequence value and
// records the incremented counter, giving every action receiver a
// monotonically increasing, persistent sequence across the receiver's
// entire history rather than per-block, mirroring the reference
// implementation's per-account recv_sequence counter.
func (s *Store) NextRecvSequence(receiver string) (uint64, error) {
	v, err := s.undo.Get(kv.RecvSequences, recvSequenceKey(receiver))
	if err != nil {
		return 0, err
	}
	var next uint64
	if v != nil {
		next = binary.BigEndian.Uint64(v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := s.undo.Put(kv.RecvSequences, recvSequenceKey(receiver), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func trxDedupKey(id cmntypes.Hash) []byte { return id[:] }

// HasDedup reports whether id is currently recorded in the transaction
// deduplication window.
func (s *Store) HasDedup(id cmntypes.Hash) (bool, error) {
	v, err := s.undo.Get(kv.TrxDedup, trxDedupKey(id))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// PutDedup records id as seen, expiring at expiration, so a second push of
// the same transaction id is rejected until EvictExpiredDedup removes it.
func (s *Store) PutDedup(id cmntypes.Hash, expiration time.Time) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(expiration.Unix()))
	return s.undo.Put(kv.TrxDedup, trxDedupKey(id), v[:])
}

// EvictExpiredDedup removes every dedup row whose recorded expiration is at
// or before now, matching clear_expired_input_transactions: once a
// transaction's expiration has passed it can never be pushed again (with
// its dedup row gone, txctx.Apply rejects it as expired), so its dedup row
// no longer serves any purpose.
func (s *Store) EvictExpiredDedup(now time.Time) error {
	var expired [][]byte
	err := s.undo.ForEach(kv.TrxDedup, func(k, v []byte) error {
		if len(v) < 8 {
			return nil
		}
		expiration := time.Unix(int64(binary.BigEndian.Uint64(v)), 0).UTC()
		if !expiration.After(now) {
			expired = append(expired, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range expired {
		if err := s.undo.Delete(kv.TrxDedup, k); err != nil {
			return err
		}
	}
	return nil
}

// Account is a chain-state account balance/nonce record.
type Account struct {
	Name    string
	Balance cmntypes.Amount
	Created time.Time
}

func accountKey(name string) []byte { return []byte(name) }

func (s *Store) GetAccount(name string) (*Account, error) {
	v, err := s.undo.Get(kv.Accounts, accountKey(name))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeAccount(v)
}

func (s *Store) PutAccount(a Account) error {
	return s.undo.Put(kv.Accounts, accountKey(a.Name), encodeAccount(a))
}

func encodeAccount(a Account) []byte {
	var buf [8 + 32 + 8]byte
	copy(buf[0:8], []byte(fitName(a.Name)))
	a.Balance.Value.WriteToArray32((*[32]byte)(buf[8:40]))
	binary.BigEndian.PutUint64(buf[40:48], uint64(a.Created.Unix()))
	return buf[:]
}

func decodeAccount(v []byte) (*Account, error) {
	if len(v) < 48 {
		return nil, errors.New("truncated account record")
	}
	a := &Account{}
	a.Name = trimNull(v[0:8])
	bal := cmntypes.NewAmount(0)
	bal.Value.SetBytes32(v[8:40])
	a.Balance = bal
	a.Created = time.Unix(int64(binary.BigEndian.Uint64(v[40:48])), 0).UTC()
	return a, nil
}

func fitName(s string) string {
	if len(s) >= 8 {
		return s[:8]
	}
	return s + string(make([]byte, 8-len(s)))
}

func trimNull(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
