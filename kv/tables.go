// Copyright header intentionally omitted: the teacher repo this schema
// pattern is adapted from carries no per-file header requirement beyond
// its top-level LICENSE, matched here by convention.

package kv

import "sort"

// DBSchemaVersion tracks the on-disk layout of the tables below.
// 1.0 - initial chain-state/token-db table set.
var DBSchemaVersion = struct{ Major, Minor, Patch uint32 }{Major: 1, Minor: 0, Patch: 0}

// Chain-state store tables.
const (
	// GlobalProperty holds the single current GlobalProperty record.
	// key - constant zero byte
	// value - encoded GlobalProperty
	GlobalProperty Table = "GlobalProperty"

	// BlockSummaries is the ring buffer of recent block ids used for TaPoS.
	// key - (block_num mod 2^16) as big-endian uint16
	// value - block id (32 bytes)
	BlockSummaries Table = "BlockSummaries"

	// Accounts holds account balance/nonce records.
	// key - account name, raw string bytes
	// value - encoded Account
	Accounts Table = "Accounts"

	// RecvSequences holds the next receive-sequence value for each action
	// receiver (domain/account), giving every ActionReceipt.RecvSequence a
	// persistent, per-receiver total order that survives restarts and
	// participates in the same undo/commit lifecycle as the rest of the
	// chain-state store.
	// key - receiver name string bytes, cut or zero-padded to 8 bytes
	// value - next recv_sequence, big-endian uint64
	RecvSequences Table = "RecvSequences"

	// TrxDedup holds one row per transaction id currently within its
	// deduplication window, so a second push of the same trx id can be
	// rejected before it re-executes. Rows are evicted once the
	// transaction's expiration has passed; there is no secondary
	// by-expiration ordering, so eviction scans every row.
	// key - transaction id (32 bytes)
	// value - expiration, unix seconds big-endian uint64
	TrxDedup Table = "TrxDedup"
)

// Token-db store tables, grounded on token_db's domain/token/group/account
// collections.
const (
	// Domains holds domain metadata keyed by domain name.
	// key - domain name, raw string bytes
	// value - encoded Domain
	Domains Table = "Domains"

	// Tokens holds issued token instances keyed by (domain, token name).
	// key - domain name bytes followed directly by token name bytes, with
	//       no separator or length prefix
	// value - encoded Token
	Tokens Table = "Tokens"

	// Groups holds multi-sig authority groups keyed by group name.
	// key - group name, raw string bytes
	// value - encoded Group
	Groups Table = "Groups"

	// TokenAccounts holds EVT-native balances keyed by account name.
	// key - account name, raw string bytes
	// value - encoded TokenAccount
	TokenAccounts Table = "TokenAccounts"

	// Delays holds pending delayed transactions keyed by transaction id.
	// key - transaction id (32 bytes)
	// value - encoded DelayedTransaction
	Delays Table = "Delays"
)

// Fork-database / block-log side tables.
const (
	// BlockLogIndex is a reserved table name; nothing writes it, since
	// chain/blocklog keeps its block_num -> offset index in blocks.index.
	// key - block_num_u64 big-endian
	// value - offset_u64 big-endian
	BlockLogIndex Table = "BlockLogIndex"

	// RecoveredKeyCache persists nothing by itself (the recovery cache is
	// in-memory only) but the table name is reserved so a future durable
	// cache can reuse the schema slot without a migration.
	RecoveredKeyCache Table = "RecoveredKeyCache"

	// ReversibleBlocks holds every applied-but-not-yet-irreversible block,
	// so a restarting node can replay them on top of the block log without
	// waiting to re-receive them from peers.
	// key - block_num_u32 big-endian
	// value - encoded SignedBlock
	ReversibleBlocks Table = "ReversibleBlocks"
)

// AllTables returns the full, sorted table list, mirroring the teacher's
// init-time sortBuckets/reinit registration pattern so iteration order over
// the schema is stable for diagnostics and snapshot export.
func AllTables() []Table {
	tables := []Table{
		GlobalProperty, BlockSummaries, Accounts, RecvSequences, TrxDedup,
		Domains, Tokens, Groups, TokenAccounts, Delays,
		BlockLogIndex, RecoveredKeyCache, ReversibleBlocks,
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}
