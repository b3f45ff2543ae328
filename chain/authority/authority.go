// Package authority implements the weighted-threshold authority graph walk
// used to decide whether a transaction's recovered signing keys satisfy a
// domain's, group's, or account's authorization requirements.
package authority

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	cmntypes "github.com/evt-chain/evtd/common/types"
)

// RefKind distinguishes the three kinds of node an AuthorizerRef can name.
type RefKind int

const (
	RefAccountKey RefKind = iota // a literal public key
	RefGroup                     // a named authority group, resolved recursively
	RefOwnerGroup                // the "OWNER" pseudo-group carried on a token/account
)

// Ref is one weighted entry in an authority's threshold set.
type Ref struct {
	Kind   RefKind
	Key    cmntypes.PublicKey // valid when Kind == RefAccountKey
	Group  string             // valid when Kind == RefGroup
	Weight uint32
}

// Authority is a weighted-threshold set: it is satisfied when the sum of
// weights of refs transitively satisfied by usedKeys meets Threshold.
type Authority struct {
	Threshold uint32
	Refs      []Ref
}

// GroupResolver looks up a named group's Authority, for recursive
// resolution of RefGroup entries.
type GroupResolver func(name string) (Authority, bool, error)

// MaxDepth bounds recursive group resolution, mirroring the node's
// max_authority_depth configuration default.
const MaxDepth = 6

// Checker walks an Authority against a set of recovered public keys,
// tracking which keys it has already counted so the same key cannot
// satisfy two different weighted refs (matching the reference
// authority_checker's used-key bookkeeping).
type Checker struct {
	resolveGroup GroupResolver
	maxDepth     int
}

func NewChecker(resolveGroup GroupResolver, maxDepth int) *Checker {
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	return &Checker{resolveGroup: resolveGroup, maxDepth: maxDepth}
}

// Satisfied reports whether providedKeys satisfies auth, and which of the
// provided keys were actually used (useful for rejecting transactions that
// carry signatures beyond what their authorities require).
func (c *Checker) Satisfied(auth Authority, providedKeys []cmntypes.PublicKey) (bool, []cmntypes.PublicKey, error) {
	available := mapset.NewSet[string]()
	byKeyStr := make(map[string]cmntypes.PublicKey, len(providedKeys))
	for _, k := range providedKeys {
		available.Add(k.String())
		byKeyStr[k.String()] = k
	}
	used := mapset.NewSet[string]()

	ok, err := c.satisfies(auth, available, used, 0)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	usedKeys := make([]cmntypes.PublicKey, 0, used.Cardinality())
	for _, s := range used.ToSlice() {
		usedKeys = append(usedKeys, byKeyStr[s])
	}
	return true, usedKeys, nil
}

func (c *Checker) satisfies(auth Authority, available, used mapset.Set[string], depth int) (bool, error) {
	if depth > c.maxDepth {
		return false, errors.New("authority graph exceeds max depth")
	}

	var weight uint32
	for _, ref := range auth.Refs {
		ok, err := c.refSatisfied(ref, available, used, depth)
		if err != nil {
			return false, err
		}
		if ok {
			weight += ref.Weight
			if weight >= auth.Threshold {
				return true, nil
			}
		}
	}
	return weight >= auth.Threshold, nil
}

func (c *Checker) refSatisfied(ref Ref, available, used mapset.Set[string], depth int) (bool, error) {
	switch ref.Kind {
	case RefAccountKey:
		keyStr := ref.Key.String()
		if !available.Contains(keyStr) || used.Contains(keyStr) {
			return false, nil
		}
		used.Add(keyStr)
		return true, nil
	case RefGroup, RefOwnerGroup:
		if c.resolveGroup == nil {
			return false, errors.New("no group resolver configured")
		}
		groupAuth, ok, err := c.resolveGroup(ref.Group)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.Errorf("unknown authority group %s", strings.TrimSpace(ref.Group))
		}
		return c.satisfies(groupAuth, available, used, depth+1)
	default:
		return false, errors.Errorf("unknown authorizer ref kind %d", ref.Kind)
	}
}
