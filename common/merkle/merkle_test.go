package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leaf(b byte) Digest {
	var d Digest
	d[0] = b
	return d
}

func TestRootEmpty(t *testing.T) {
	require.Equal(t, Digest{}, Root(nil))
}

func TestRootSingle(t *testing.T) {
	l := leaf(1)
	require.Equal(t, l, Root([]Digest{l}))
}

func TestRootOddDuplicatesLast(t *testing.T) {
	leaves := []Digest{leaf(1), leaf(2), leaf(3)}
	withDup := Root([]Digest{leaf(1), leaf(2), leaf(3), leaf(3)})
	require.Equal(t, withDup, Root(leaves))
}

func TestRootDeterministic(t *testing.T) {
	leaves := []Digest{leaf(1), leaf(2), leaf(3), leaf(4)}
	require.Equal(t, Root(leaves), Root(leaves))
	require.NotEqual(t, Root(leaves), Root([]Digest{leaf(4), leaf(3), leaf(2), leaf(1)}))
}
