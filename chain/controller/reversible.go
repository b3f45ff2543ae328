package controller

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
)

func unixToTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// encodeSignedBlock serializes a SignedBlock for the reversible-block store:
// enough to re-derive chain state on restart by re-executing every
// transaction through applyBlock, per spec.md's ReversibleBlock record. This
// is a bespoke fixed-layout encoding in the same style as chain/state's and
// chain/tokendb's hand-rolled record formats, not a reuse of the teacher's
// wire codec (see DESIGN.md for why google.golang.org/protobuf, a real
// teacher dependency, isn't wired in here).
func encodeSignedBlock(b *types.SignedBlock) []byte {
	var buf []byte
	buf = encodeHeader(buf, b.BlockHeader)
	buf = append(buf, b.ProducerSignature[:]...)

	if b.NewProducers == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendUint32(buf, b.NewProducers.Version)
		buf = appendUint32(buf, uint32(len(b.NewProducers.Producers)))
		for _, p := range b.NewProducers.Producers {
			buf = appendString(buf, p.ProducerName)
			buf = appendBytes(buf, p.BlockSigningKey.Bytes())
		}
	}

	buf = appendUint32(buf, uint32(len(b.Transactions)))
	for _, r := range b.Transactions {
		buf = append(buf, byte(r.Status))
		buf = append(buf, r.TrxID[:]...)
		buf = appendUint32(buf, r.CPUUsageUs)
		buf = appendUint32(buf, r.NetUsageWords)
		buf = encodeSignedTransaction(buf, r.Trx)
	}
	return buf
}

// encodeHeader writes every BlockHeader field except NewProducers, which
// encodeSignedBlock writes separately. Its layout is independent of
// headerBytes, which binds every header field into a block's id digest.
func encodeHeader(buf []byte, h types.BlockHeader) []byte {
	buf = append(buf, h.Previous[:]...)
	buf = appendString(buf, h.Producer)
	buf = appendUint64(buf, uint64(h.Timestamp.UnixNano()))
	buf = appendUint16(buf, h.Confirmed)
	buf = append(buf, h.TransactionMRoot[:]...)
	buf = append(buf, h.ActionMRoot[:]...)
	buf = appendUint32(buf, h.ScheduleVersion)
	return buf
}

func decodeHeader(d *decoder) (types.BlockHeader, error) {
	var h types.BlockHeader
	var err error

	prev, err := d.bytes(32)
	if err != nil {
		return h, err
	}
	copy(h.Previous[:], prev)

	if h.Producer, err = d.str(); err != nil {
		return h, err
	}
	tsBytes, err := d.bytes(8)
	if err != nil {
		return h, err
	}
	h.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(tsBytes))).UTC()

	if h.Confirmed, err = d.uint16(); err != nil {
		return h, err
	}
	trxRoot, err := d.bytes(32)
	if err != nil {
		return h, err
	}
	copy(h.TransactionMRoot[:], trxRoot)
	actRoot, err := d.bytes(32)
	if err != nil {
		return h, err
	}
	copy(h.ActionMRoot[:], actRoot)
	if h.ScheduleVersion, err = d.uint32(); err != nil {
		return h, err
	}
	return h, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func encodeSignedTransaction(buf []byte, t types.SignedTransaction) []byte {
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(t.Expiration.Unix()))
	buf = append(buf, expBuf[:]...)
	buf = appendUint16(buf, t.RefBlockNum)
	buf = appendUint32(buf, t.RefBlockPrefix)

	buf = appendUint16(buf, uint16(len(t.Actions)))
	for _, a := range t.Actions {
		buf = appendString(buf, a.Name)
		buf = appendString(buf, a.Domain)
		buf = appendString(buf, a.Key)
		buf = appendBytes(buf, a.Data)
	}

	buf = append(buf, byte(len(t.Signatures)))
	for _, sig := range t.Signatures {
		buf = append(buf, sig[:]...)
	}
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// decoder reads sequentially from a fixed buffer, erroring on truncation
// rather than panicking, matching the defensive style of chain/state's and
// chain/tokendb's decode helpers.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, errors.New("truncated reversible block record")
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) uint16() (uint16, error) {
	b, err := d.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	b, err := d.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) byteSlice() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	b, err := d.bytes(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// decodeSignedTransaction parses the encoding produced by
// encodeSignedTransaction, used both to replay a reversible block on
// restart and (indirectly, via its test) to validate the encoding round
// trips.
func decodeSignedTransaction(d *decoder) (types.SignedTransaction, error) {
	var t types.SignedTransaction

	expBytes, err := d.bytes(8)
	if err != nil {
		return t, err
	}
	t.Expiration = unixToTime(int64(binary.BigEndian.Uint64(expBytes)))

	if t.RefBlockNum, err = d.uint16(); err != nil {
		return t, err
	}
	if t.RefBlockPrefix, err = d.uint32(); err != nil {
		return t, err
	}

	actionCount, err := d.uint16()
	if err != nil {
		return t, err
	}
	t.Actions = make([]types.Action, actionCount)
	for i := range t.Actions {
		if t.Actions[i].Name, err = d.str(); err != nil {
			return t, err
		}
		if t.Actions[i].Domain, err = d.str(); err != nil {
			return t, err
		}
		if t.Actions[i].Key, err = d.str(); err != nil {
			return t, err
		}
		if t.Actions[i].Data, err = d.byteSlice(); err != nil {
			return t, err
		}
	}

	sigCount, err := d.bytes(1)
	if err != nil {
		return t, err
	}
	t.Signatures = make([]cmntypes.Signature, sigCount[0])
	for i := range t.Signatures {
		b, err := d.bytes(65)
		if err != nil {
			return t, err
		}
		copy(t.Signatures[i][:], b)
	}
	return t, nil
}

// decodeSignedBlock parses the encoding produced by encodeSignedBlock,
// reconstructing a SignedBlock suitable for re-execution via applyBlock.
func decodeSignedBlock(raw []byte) (*types.SignedBlock, error) {
	d := &decoder{buf: raw}
	b := &types.SignedBlock{}

	header, err := decodeHeader(d)
	if err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	b.BlockHeader = header

	sig, err := d.bytes(65)
	if err != nil {
		return nil, errors.Wrap(err, "decode producer signature")
	}
	copy(b.ProducerSignature[:], sig)

	hasSchedule, err := d.bytes(1)
	if err != nil {
		return nil, errors.Wrap(err, "decode schedule presence flag")
	}
	if hasSchedule[0] != 0 {
		sched := &types.ProducerSchedule{}
		if sched.Version, err = d.uint32(); err != nil {
			return nil, errors.Wrap(err, "decode schedule version")
		}
		n, err := d.uint32()
		if err != nil {
			return nil, errors.Wrap(err, "decode producer count")
		}
		sched.Producers = make([]types.ProducerKey, n)
		for i := range sched.Producers {
			if sched.Producers[i].ProducerName, err = d.str(); err != nil {
				return nil, errors.Wrap(err, "decode producer name")
			}
			keyBytes, err := d.byteSlice()
			if err != nil {
				return nil, errors.Wrap(err, "decode producer key")
			}
			pub, err := cmntypes.NewPublicKeyFromBytes(keyBytes)
			if err != nil {
				return nil, errors.Wrap(err, "parse producer key")
			}
			sched.Producers[i].BlockSigningKey = pub
		}
		b.NewProducers = sched
	}

	trxCount, err := d.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "decode transaction count")
	}
	b.Transactions = make([]types.TransactionReceipt, trxCount)
	for i := range b.Transactions {
		r := &b.Transactions[i]
		statusByte, err := d.bytes(1)
		if err != nil {
			return nil, errors.Wrap(err, "decode receipt status")
		}
		r.Status = types.TransactionReceiptStatus(statusByte[0])
		trxID, err := d.bytes(32)
		if err != nil {
			return nil, errors.Wrap(err, "decode trx id")
		}
		copy(r.TrxID[:], trxID)
		if r.CPUUsageUs, err = d.uint32(); err != nil {
			return nil, errors.Wrap(err, "decode cpu usage")
		}
		if r.NetUsageWords, err = d.uint32(); err != nil {
			return nil, errors.Wrap(err, "decode net usage")
		}
		trx, err := decodeSignedTransaction(d)
		if err != nil {
			return nil, errors.Wrap(err, "decode transaction")
		}
		r.Trx = trx
	}
	return b, nil
}
