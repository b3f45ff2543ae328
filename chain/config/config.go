// Package config defines the node's genesis and runtime configuration,
// decoded from TOML.
package config

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/common/types"
)

// ChainConfig mirrors the tunable consensus parameters carried in genesis,
// grounded on genesis_state's initial_configuration.
type ChainConfig struct {
	MaxBlockNetUsage        uint32 `toml:"max_block_net_usage"`
	TargetBlockNetUsagePct  uint32 `toml:"target_block_net_usage_pct"`
	MaxTransactionNetUsage  uint32 `toml:"max_transaction_net_usage"`
	MaxTransactionCPUUsage  uint32 `toml:"max_transaction_cpu_usage_ms"`
	MaxTransactionLifetime  uint32 `toml:"max_transaction_lifetime_sec"`
	DeferredTrxExpirWindow  uint32 `toml:"deferred_trx_expiration_window_sec"`
	MaxAuthorityDepth       uint16 `toml:"max_authority_depth"`
	ProducersPerRound       uint32 `toml:"producers_per_round"`
	BlockIntervalMs         uint32 `toml:"block_interval_ms"`
}

// DefaultChainConfig returns the reference parameter set used when no
// override is supplied, matching genesis_state's built-in defaults.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxBlockNetUsage:       1024 * 1024,
		TargetBlockNetUsagePct: 10000,
		MaxTransactionNetUsage: 512 * 1024,
		MaxTransactionCPUUsage: 200,
		MaxTransactionLifetime: 60 * 60,
		DeferredTrxExpirWindow: 10 * 60,
		MaxAuthorityDepth:      6,
		ProducersPerRound:      21,
		BlockIntervalMs:        500,
	}
}

// Genesis is the immutable genesis state: the initial configuration, the
// chain's genesis timestamp, and the key authorized to act until the first
// producer schedule takes effect. Grounded on genesis_state.hpp.
type Genesis struct {
	InitialTimestamp time.Time        `toml:"initial_timestamp"`
	InitialKey       string           `toml:"initial_key"` // hex-encoded compressed public key
	InitialConfig    ChainConfig      `toml:"initial_configuration"`
}

// ComputeChainID derives the chain id by hashing the genesis bytes, matching
// genesis_state::compute_chain_id's "hash of the serialized genesis state"
// scheme.
func (g Genesis) ComputeChainID() (types.Hash, error) {
	b, err := toml.Marshal(g)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "marshal genesis for chain id")
	}
	return types.Hash(sha256.Sum256(b)), nil
}

// Config is the full node configuration: genesis plus local runtime
// options (data directory, listen address) that have no consensus meaning.
type Config struct {
	Genesis     Genesis `toml:"genesis"`
	DataDir     string  `toml:"data_dir"`
	ListenAddr  string  `toml:"listen_addr"`
}

// Load reads and decodes a TOML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// blockNumFromSeconds derives a deterministic pseudo block-num ordinal from
// a timestamp: the low 32 bits of its Unix seconds.
func blockNumFromSeconds(t time.Time) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.Unix()))
	return binary.BigEndian.Uint32(b[4:])
}
