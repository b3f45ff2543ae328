package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint16(0x0102).
		PutUint32(0x01020304).
		PutUint64(0x0102030405060708).
		PutString("newdomain").
		PutVarBytes([]byte{0xde, 0xad, 0xbe, 0xef}).
		PutBool(true).
		PutBool(false).
		PutRaw([]byte{1, 2, 3})

	d := NewDecoder(e.Bytes())
	u16, err := d.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), u16)

	u32, err := d.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x01020304), u32)

	u64, err := d.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	s, err := d.String()
	require.NoError(t, err)
	require.Equal(t, "newdomain", s)

	vb, err := d.VarBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, vb)

	b1, err := d.Bool()
	require.NoError(t, err)
	require.True(t, b1)
	b2, err := d.Bool()
	require.NoError(t, err)
	require.False(t, b2)

	raw, err := d.Raw(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)

	require.Equal(t, 0, d.Remaining())
}

func TestUint16IsLittleEndian(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint16(0x0102)
	require.Equal(t, []byte{0x02, 0x01}, e.Bytes())
}

func TestDecodeTruncatedInputErrors(t *testing.T) {
	d := NewDecoder([]byte{0x01})
	_, err := d.Uint32()
	require.Error(t, err)
}

func TestVarBytesTruncatedLengthPrefixErrors(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint32(100)
	d := NewDecoder(e.Bytes())
	_, err := d.VarBytes()
	require.Error(t, err)
}
