package authority

import (
	"testing"

	"github.com/stretchr/testify/require"

	cmntypes "github.com/evt-chain/evtd/common/types"
)

func pk(b byte) cmntypes.PublicKey {
	priv, err := cmntypes.NewPrivateKeyFromBytes(bytes32(b))
	if err != nil {
		panic(err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		panic(err)
	}
	return pub
}

func bytes32(b byte) []byte {
	buf := make([]byte, 32)
	buf[31] = b
	buf[0] = 1 // avoid the all-zero scalar, which is not a valid private key
	return buf
}

func TestSingleKeyThresholdSatisfied(t *testing.T) {
	key := pk(1)
	auth := Authority{Threshold: 1, Refs: []Ref{{Kind: RefAccountKey, Key: key, Weight: 1}}}

	c := NewChecker(nil, 0)
	ok, used, err := c.Satisfied(auth, []cmntypes.PublicKey{key})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, used, 1)
}

func TestThresholdNotMet(t *testing.T) {
	key1, key2 := pk(1), pk(2)
	auth := Authority{Threshold: 2, Refs: []Ref{
		{Kind: RefAccountKey, Key: key1, Weight: 1},
		{Kind: RefAccountKey, Key: key2, Weight: 1},
	}}
	c := NewChecker(nil, 0)
	ok, _, err := c.Satisfied(auth, []cmntypes.PublicKey{key1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGroupResolution(t *testing.T) {
	key1 := pk(1)
	groupAuth := Authority{Threshold: 1, Refs: []Ref{{Kind: RefAccountKey, Key: key1, Weight: 1}}}
	resolver := func(name string) (Authority, bool, error) {
		if name == "mygroup" {
			return groupAuth, true, nil
		}
		return Authority{}, false, nil
	}
	auth := Authority{Threshold: 1, Refs: []Ref{{Kind: RefGroup, Group: "mygroup", Weight: 1}}}

	c := NewChecker(resolver, 0)
	ok, _, err := c.Satisfied(auth, []cmntypes.PublicKey{key1})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnknownGroupErrors(t *testing.T) {
	auth := Authority{Threshold: 1, Refs: []Ref{{Kind: RefGroup, Group: "nope", Weight: 1}}}
	c := NewChecker(func(string) (Authority, bool, error) { return Authority{}, false, nil }, 0)
	_, _, err := c.Satisfied(auth, nil)
	require.Error(t, err)
}
