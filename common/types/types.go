// Package types defines the chain's cryptographic primitive wrappers:
// digests, public/private keys and signatures, built over the node's
// secp256k1 and uint256 dependencies.
package types

import (
	"encoding/hex"
	"fmt"

	"github.com/erigontech/secp256k1"
	"github.com/holiman/uint256"
)

// Hash is a 256-bit digest, used for block ids, transaction ids and state
// commitments.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// BlockNum reads the first four bytes of h as a big-endian number. Block ids
// computed by chain/controller's headerDigest are plain SHA-256 digests and
// do not carry the block number in these bytes.
func (h Hash) BlockNum() uint32 {
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

// Amount is a 256-bit unsigned fixed-point token amount.
type Amount struct {
	Value *uint256.Int
}

func NewAmount(v uint64) Amount {
	return Amount{Value: uint256.NewInt(v)}
}

func (a Amount) Add(b Amount) Amount {
	var out uint256.Int
	out.Add(a.Value, b.Value)
	return Amount{Value: &out}
}

func (a Amount) Sub(b Amount) (Amount, bool) {
	if a.Value.Lt(b.Value) {
		return Amount{}, false
	}
	var out uint256.Int
	out.Sub(a.Value, b.Value)
	return Amount{Value: &out}, true
}

func (a Amount) String() string {
	return a.Value.String()
}

// PublicKey is a compressed secp256k1 public key.
type PublicKey struct {
	data []byte
}

// NewPublicKeyFromBytes wraps a raw compressed secp256k1 public key.
func NewPublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != 33 {
		return PublicKey{}, fmt.Errorf("public key must be 33 bytes, got %d", len(b))
	}
	cp := make([]byte, 33)
	copy(cp, b)
	return PublicKey{data: cp}, nil
}

// PublicKeyFromHex parses a hex-encoded compressed secp256k1 public key, the
// encoding used for keys stored in the token/chain-state stores' JSON
// records.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key hex: %w", err)
	}
	return NewPublicKeyFromBytes(b)
}

func (k PublicKey) Bytes() []byte { return k.data }

func (k PublicKey) String() string { return hex.EncodeToString(k.data) }

func (k PublicKey) Equal(o PublicKey) bool {
	if len(k.data) != len(o.data) {
		return false
	}
	for i := range k.data {
		if k.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	data []byte
}

// NewPrivateKeyFromBytes wraps a raw 32-byte scalar.
func NewPrivateKeyFromBytes(b []byte) (PrivateKey, error) {
	if len(b) != 32 {
		return PrivateKey{}, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	cp := make([]byte, 32)
	copy(cp, b)
	return PrivateKey{data: cp}, nil
}

// PublicKey derives the corresponding public key.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	pub, err := secp256k1.GeneratePublicKey(k.data)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{data: pub}, nil
}

// Signature is a recoverable secp256k1 signature (r, s, recovery id).
type Signature [65]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// Sign produces a recoverable signature over digest.
func (k PrivateKey) Sign(digest Hash) (Signature, error) {
	sig, err := secp256k1.Sign(digest[:], k.data)
	if err != nil {
		return Signature{}, err
	}
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// RecoverPublicKey recovers the public key that produced sig over digest.
func RecoverPublicKey(digest Hash, sig Signature) (PublicKey, error) {
	pub, err := secp256k1.RecoverPubkey(digest[:], sig[:])
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{data: pub}, nil
}
