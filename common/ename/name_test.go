package ename

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	cases := []string{"domain", "a", "abc123", "12345abcdefg", "z"}
	for _, s := range cases {
		n, err := NewName(s)
		require.NoError(t, err, s)
		require.Equal(t, s, n.String(), s)
	}
}

func TestNameTooLong(t *testing.T) {
	_, err := NewName("12345678901234")
	require.Error(t, err)
}

func TestNameInvalidChar(t *testing.T) {
	_, err := NewName("DOMAIN")
	require.Error(t, err)
}

func TestName128RoundTrip(t *testing.T) {
	cases := []string{"mytoken", "A-Z-0-9", "x"}
	for _, s := range cases {
		n, err := NewName128(s, 0)
		require.NoError(t, err, s)
		require.Equal(t, s, n.String(), s)
		require.Equal(t, uint8(0), n.Tag())
	}
}

func TestName128Tag(t *testing.T) {
	n, err := NewName128("sym", 2)
	require.NoError(t, err)
	require.Equal(t, uint8(2), n.Tag())
	require.Equal(t, "sym", n.String())
}
