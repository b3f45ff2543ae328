package types

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/common/wire"
)

// Action is a single contract invocation within a transaction: the domain/
// key it targets and the opaque, action-specific payload.
type Action struct {
	Name   string // e.g. "newdomain", "issuetoken", "transfer"
	Domain string
	Key    string
	Data   []byte
}

// TransactionHeader carries the TaPoS reference fields and expiration,
// ported from transaction_header::set_reference_block/verify_reference_block.
type TransactionHeader struct {
	Expiration     time.Time
	RefBlockNum    uint16
	RefBlockPrefix uint32
}

// SetReferenceBlock records the TaPoS fields for a recent block: the low
// 16 bits of its block number (which select the block-summary ring slot a
// verifier must look up) and the second 32-bit word of its id (an
// anti-replay prefix guarding against that slot having since been
// overwritten by a different block).
func (h *TransactionHeader) SetReferenceBlock(blockNum uint32, refBlockID cmntypes.Hash) {
	h.RefBlockNum = uint16(blockNum)
	h.RefBlockPrefix = binary.LittleEndian.Uint32(refBlockID[4:8])
}

// VerifyReferenceBlock reports whether refBlockID — the block a verifier
// found occupying the ring slot RefBlockNum selects — matches the prefix
// recorded by SetReferenceBlock.
func (h TransactionHeader) VerifyReferenceBlock(refBlockID cmntypes.Hash) bool {
	return h.RefBlockPrefix == binary.LittleEndian.Uint32(refBlockID[4:8])
}

// Transaction is an ordered list of actions sharing one TaPoS header and
// expiration.
type Transaction struct {
	TransactionHeader
	Actions []Action
}

// pack packs the transaction deterministically for id/signature purposes,
// in common/wire's canonical layout: every action (name, domain, key,
// data) is included, so two transactions differing only in an action's
// payload never collide on id or signing digest.
func (t Transaction) pack() []byte {
	e := wire.NewEncoder(64 + 32*len(t.Actions))
	e.PutUint64(uint64(t.Expiration.Unix()))
	e.PutUint16(t.RefBlockNum)
	e.PutUint32(t.RefBlockPrefix)
	e.PutUint32(uint32(len(t.Actions)))
	for _, a := range t.Actions {
		e.PutString(a.Name)
		e.PutString(a.Domain)
		e.PutString(a.Key)
		e.PutVarBytes(a.Data)
	}
	return e.Bytes()
}

// ID returns the transaction's content-addressed id.
func (t Transaction) ID() cmntypes.Hash {
	return sha256.Sum256(t.pack())
}

// SigDigest is the digest actually signed: the chain id bound to the
// transaction bytes, so a signature over one chain can't be replayed on
// another.
func (t Transaction) SigDigest(chainID cmntypes.Hash) cmntypes.Hash {
	h := sha256.New()
	h.Write(chainID[:])
	h.Write(t.pack())
	var out cmntypes.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SignedTransaction is a Transaction plus its signatures.
type SignedTransaction struct {
	Transaction
	Signatures []cmntypes.Signature
}

// Sign appends a new signature over the transaction using key, and returns
// it.
func (t *SignedTransaction) Sign(key cmntypes.PrivateKey, chainID cmntypes.Hash) (cmntypes.Signature, error) {
	sig, err := key.Sign(t.SigDigest(chainID))
	if err != nil {
		return cmntypes.Signature{}, err
	}
	t.Signatures = append(t.Signatures, sig)
	return sig, nil
}

// recoveryCacheSize bounds the LRU recovery cache, matching the reference
// recovery_cache_type's fixed size of 1000 entries.
const recoveryCacheSize = 1000

type cachedKey struct {
	txID cmntypes.Hash
	pub  cmntypes.PublicKey
}

var recoveryCache, _ = lru.New[cmntypes.Signature, cachedKey](recoveryCacheSize)

// GetSignatureKeys recovers the public key for each signature over the
// transaction's sig digest, using a process-wide LRU cache keyed by
// signature (validated against the transaction id on hit, since the same
// signature bytes recovered against a different digest would be wrong).
// allowDuplicateKeys controls whether two signatures recovering to the same
// key are rejected, matching get_signature_keys's tx_duplicate_sig check.
func (t SignedTransaction) GetSignatureKeys(chainID cmntypes.Hash, allowDuplicateKeys bool) ([]cmntypes.PublicKey, error) {
	digest := t.SigDigest(chainID)
	txID := t.ID()

	seen := make(map[string]bool, len(t.Signatures))
	out := make([]cmntypes.PublicKey, 0, len(t.Signatures))

	for _, sig := range t.Signatures {
		var pub cmntypes.PublicKey
		if ck, ok := recoveryCache.Get(sig); ok && ck.txID == txID {
			pub = ck.pub
		} else {
			var err error
			pub, err = cmntypes.RecoverPublicKey(digest, sig)
			if err != nil {
				return nil, errors.Wrap(err, "recover signature key")
			}
			recoveryCache.Add(sig, cachedKey{txID: txID, pub: pub})
		}
		key := pub.String()
		if seen[key] && !allowDuplicateKeys {
			return nil, errors.Errorf("transaction includes more than one signature from key %s", key)
		}
		seen[key] = true
		out = append(out, pub)
	}
	return out, nil
}

// CompressionType selects PackedTransaction's wire representation.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionZlib
)

// maxDecompressedTransactionSize bounds zlib-decompressed transaction size,
// matching transaction.cpp's read_limiter<1*1024*1024> zip-bomb guard.
const maxDecompressedTransactionSize = 1 * 1024 * 1024

// PackedTransaction is the wire/storage form of a signed transaction: the
// packed (optionally zlib-compressed) transaction body plus its
// signatures, with lazy, memoized unpacking.
type PackedTransaction struct {
	Compression CompressionType
	PackedTrx   []byte
	Signatures  []cmntypes.Signature

	unpacked *Transaction
}

// NewPackedTransaction packs t, compressing it with zlib if requested.
func NewPackedTransaction(t Transaction, sigs []cmntypes.Signature, compression CompressionType) (*PackedTransaction, error) {
	raw := t.pack()
	packed := raw
	if compression == CompressionZlib {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, errors.Wrap(err, "zlib compress transaction")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "zlib compress transaction")
		}
		packed = buf.Bytes()
	}
	return &PackedTransaction{
		Compression: compression,
		PackedTrx:   packed,
		Signatures:  sigs,
		unpacked:    &t,
	}, nil
}

// GetRawTransaction returns the uncompressed packed transaction bytes.
func (p *PackedTransaction) GetRawTransaction() ([]byte, error) {
	switch p.Compression {
	case CompressionNone:
		return p.PackedTrx, nil
	case CompressionZlib:
		return zlibDecompress(p.PackedTrx)
	default:
		return nil, errors.New("unknown transaction compression algorithm")
	}
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open zlib reader")
	}
	defer r.Close()
	limited := io.LimitReader(r, maxDecompressedTransactionSize+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "zlib decompress transaction")
	}
	if len(out) > maxDecompressedTransactionSize {
		return nil, errors.New("exceeded maximum decompressed transaction size")
	}
	return out, nil
}

// localUnpack lazily unpacks and memoizes the transaction body, mirroring
// packed_transaction::local_unpack.
func (p *PackedTransaction) localUnpack() error {
	if p.unpacked != nil {
		return nil
	}
	raw, err := p.GetRawTransaction()
	if err != nil {
		return err
	}
	t, err := unpackTransaction(raw)
	if err != nil {
		return err
	}
	p.unpacked = t
	return nil
}

// unpackTransaction is the decode side of Transaction.pack, using
// common/wire to recover every action (name, domain, key, data) along with
// the TaPoS header and expiration, so unpack(pack(trx)) round-trips the
// full transaction rather than discarding its actions.
func unpackTransaction(data []byte) (*Transaction, error) {
	d := wire.NewDecoder(data)
	var t Transaction

	expSec, err := d.Uint64()
	if err != nil {
		return nil, errors.Wrap(err, "decode expiration")
	}
	t.Expiration = time.Unix(int64(expSec), 0).UTC()

	if t.RefBlockNum, err = d.Uint16(); err != nil {
		return nil, errors.Wrap(err, "decode ref_block_num")
	}
	if t.RefBlockPrefix, err = d.Uint32(); err != nil {
		return nil, errors.Wrap(err, "decode ref_block_prefix")
	}

	count, err := d.Uint32()
	if err != nil {
		return nil, errors.Wrap(err, "decode action count")
	}
	t.Actions = make([]Action, count)
	for i := range t.Actions {
		if t.Actions[i].Name, err = d.String(); err != nil {
			return nil, errors.Wrap(err, "decode action name")
		}
		if t.Actions[i].Domain, err = d.String(); err != nil {
			return nil, errors.Wrap(err, "decode action domain")
		}
		if t.Actions[i].Key, err = d.String(); err != nil {
			return nil, errors.Wrap(err, "decode action key")
		}
		if t.Actions[i].Data, err = d.VarBytes(); err != nil {
			return nil, errors.Wrap(err, "decode action data")
		}
	}
	return &t, nil
}

// GetTransaction returns the unpacked Transaction, unpacking on first use.
func (p *PackedTransaction) GetTransaction() (Transaction, error) {
	if err := p.localUnpack(); err != nil {
		return Transaction{}, err
	}
	return *p.unpacked, nil
}

// ID returns the wrapped transaction's id, unpacking on first use.
func (p *PackedTransaction) ID() (cmntypes.Hash, error) {
	t, err := p.GetTransaction()
	if err != nil {
		return cmntypes.Hash{}, err
	}
	return t.ID(), nil
}

// ActionReceipt records one action's execution outcome within a
// transaction: its position in the chain-wide action sequence and the
// per-receiver receive sequence.
type ActionReceipt struct {
	Receiver       string
	ActDigest      cmntypes.Hash
	GlobalSequence uint64
	RecvSequence   uint64
}

// TransactionReceiptStatus classifies how a transaction's inclusion in a
// block resolved, per the reference transaction_receipt_header::status_enum.
type TransactionReceiptStatus uint8

const (
	TransactionStatusExecuted TransactionReceiptStatus = iota
	TransactionStatusSoftFail
	TransactionStatusHardFail
	TransactionStatusDelayed
	TransactionStatusExpired
)

// TransactionReceipt records a transaction's outcome within a block: the
// signed transaction that produced it (so a receiving node can re-execute
// the block deterministically) and the ordered action receipts it produced.
type TransactionReceipt struct {
	Status         TransactionReceiptStatus
	TrxID          cmntypes.Hash
	Trx            SignedTransaction
	CPUUsageUs     uint32
	NetUsageWords  uint32
	ActionReceipts []ActionReceipt
}
