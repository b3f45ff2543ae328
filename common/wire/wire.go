// Package wire is the canonical binary codec for the chain's digest inputs
// and packed transactions: block-header digests, transaction packing and
// action digests. It fixes one layout rule set — integers are
// little-endian, byte strings and Go strings are length-prefixed with a
// uint32 — so that two implementations given the same value always produce
// the same bytes. The reversible-block and block-log records written by
// chain/controller/reversible.go do not use it; they keep their own
// big-endian layout.
package wire

import "github.com/pkg/errors"

// Encoder appends values to a growing byte buffer in the package's
// canonical layout. The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with buf as its initial capacity hint.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded buffer so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutRaw appends b verbatim, with no length prefix: for fixed-size fields
// (hashes, public keys, signatures) whose length the decoder already knows.
func (e *Encoder) PutRaw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// PutByte appends a single byte, typically a status/presence flag.
func (e *Encoder) PutByte(b byte) *Encoder {
	e.buf = append(e.buf, b)
	return e
}

// PutBool appends a presence/boolean flag as one byte.
func (e *Encoder) PutBool(v bool) *Encoder {
	if v {
		return e.PutByte(1)
	}
	return e.PutByte(0)
}

// PutUint16 appends v as a little-endian uint16.
func (e *Encoder) PutUint16(v uint16) *Encoder {
	e.buf = append(e.buf, byte(v), byte(v>>8))
	return e
}

// PutUint32 appends v as a little-endian uint32.
func (e *Encoder) PutUint32(v uint32) *Encoder {
	e.buf = append(e.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return e
}

// PutUint64 appends v as a little-endian uint64.
func (e *Encoder) PutUint64(v uint64) *Encoder {
	e.buf = append(e.buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	return e
}

// PutVarBytes appends b as a uint32 length prefix followed by its content.
func (e *Encoder) PutVarBytes(b []byte) *Encoder {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// PutString appends s as a uint32 length prefix followed by its bytes.
func (e *Encoder) PutString(s string) *Encoder {
	return e.PutVarBytes([]byte(s))
}

// Decoder reads sequentially from a fixed buffer in the package's canonical
// layout, reporting a truncation error instead of panicking on a short
// read.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Raw reads and returns the next n bytes without copying.
func (d *Decoder) Raw(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, errors.New("wire: truncated input")
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// Byte reads the next single byte.
func (d *Decoder) Byte() (byte, error) {
	b, err := d.Raw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a one-byte presence/boolean flag.
func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Uint16 reads a little-endian uint16.
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.Raw(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// Uint32 reads a little-endian uint32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Uint64 reads a little-endian uint64.
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

// VarBytes reads a uint32-length-prefixed byte slice, copied out of the
// underlying buffer so the caller may retain it past the Decoder's
// lifetime.
func (d *Decoder) VarBytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := d.Raw(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// String reads a uint32-length-prefixed string.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.Raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
