// Package forkdb is the in-memory fork database: the DAG of candidate
// blocks the controller has validated but not yet irreversibly committed,
// with head computation and branch-from-common-ancestor support for
// fork-switch, ported from fork_db's add/fetch_branch_from/head semantics.
package forkdb

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
)

// byNumID orders BlockState pointers by (block_num, id), the secondary
// index fetch_branch_from and head selection both rely on, ported onto
// google/btree's ordered-item interface.
type byNumID struct {
	num uint32
	id  cmntypes.Hash
}

func (a byNumID) Less(than btree.Item) bool {
	b := than.(byNumID)
	if a.num != b.num {
		return a.num < b.num
	}
	return bytesLess(a.id[:], b.id[:])
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ForkDB holds every BlockState the controller has validated since the
// last irreversible block, indexed by id and by (num,id).
type ForkDB struct {
	mu           sync.RWMutex
	byID         map[cmntypes.Hash]*types.BlockState
	byPrevious   map[cmntypes.Hash][]*types.BlockState
	index        *btree.BTree // byNumID -> *types.BlockState via numIDItem
	root         *types.BlockState
	onIrreversible func(*types.BlockState)
}

type numIDItem struct {
	byNumID
	bs *types.BlockState
}

func (a numIDItem) Less(than btree.Item) bool {
	return a.byNumID.Less(than.(numIDItem).byNumID)
}

func New(root *types.BlockState) *ForkDB {
	f := &ForkDB{
		byID:       make(map[cmntypes.Hash]*types.BlockState),
		byPrevious: make(map[cmntypes.Hash][]*types.BlockState),
		index:      btree.New(32),
		root:       root,
	}
	if root != nil {
		f.byID[root.ID] = root
		f.index.ReplaceOrInsert(numIDItem{byNumID{root.BlockNum, root.ID}, root})
	}
	return f
}

// OnIrreversible registers the callback invoked each time AdvanceRoot moves
// the root forward, mirroring fork_db.irreversible.connect(...).
func (f *ForkDB) OnIrreversible(fn func(*types.BlockState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onIrreversible = fn
}

// Add inserts bs into the DAG. A non-zero bs.Block.Previous must already be
// present or Add returns an error; a zero Previous is accepted without a
// linkage check. Adding an id that is already present is a no-op.
func (f *ForkDB) Add(bs *types.BlockState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byID[bs.ID]; exists {
		return nil
	}
	prev := bs.Block.Previous
	if prev != (cmntypes.Hash{}) {
		if _, ok := f.byID[prev]; !ok {
			return errors.Errorf("unlinkable block %s: previous %s not in fork database", bs.ID, prev)
		}
	}
	f.byID[bs.ID] = bs
	f.byPrevious[prev] = append(f.byPrevious[prev], bs)
	f.index.ReplaceOrInsert(numIDItem{byNumID{bs.BlockNum, bs.ID}, bs})
	return nil
}

// Get returns the BlockState for id, or nil.
func (f *ForkDB) Get(id cmntypes.Hash) *types.BlockState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byID[id]
}

// Head returns the best block by the fork-choice rule: highest
// dpos_irreversible_block_num, tie-broken by highest block_num, tie-broken
// by lowest id (a deterministic, arbitrary tiebreak every node computes the
// same way), mirroring fork_database::head's comparator.
func (f *ForkDB) Head() *types.BlockState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var best *types.BlockState
	for _, bs := range f.byID {
		if best == nil || better(bs, best) {
			best = bs
		}
	}
	return best
}

func better(a, b *types.BlockState) bool {
	if a.DPoSIrreversibleBlockNum != b.DPoSIrreversibleBlockNum {
		return a.DPoSIrreversibleBlockNum > b.DPoSIrreversibleBlockNum
	}
	if a.BlockNum != b.BlockNum {
		return a.BlockNum > b.BlockNum
	}
	return bytesLess(a.ID[:], b.ID[:])
}

// FetchBranchFrom returns (branchOfFirst, branchOfSecond), the lists of
// blocks from first/second back down to (but excluding) their common
// ancestor, each ordered from the tip down toward the ancestor — mirroring
// fork_database::fetch_branch_from exactly.
func (f *ForkDB) FetchBranchFrom(first, second cmntypes.Hash) (branch1, branch2 []*types.BlockState, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	a, ok := f.byID[first]
	if !ok {
		return nil, nil, errors.Errorf("block %s not in fork database", first)
	}
	b, ok := f.byID[second]
	if !ok {
		return nil, nil, errors.Errorf("block %s not in fork database", second)
	}

	for a.ID != b.ID {
		switch {
		case a.BlockNum > b.BlockNum:
			branch1 = append(branch1, a)
			next, ok := f.byID[a.Block.Previous]
			if !ok {
				return branch1, branch2, errors.New("fork database is missing ancestor block")
			}
			a = next
		case b.BlockNum > a.BlockNum:
			branch2 = append(branch2, b)
			next, ok := f.byID[b.Block.Previous]
			if !ok {
				return branch1, branch2, errors.New("fork database is missing ancestor block")
			}
			b = next
		default:
			branch1 = append(branch1, a)
			branch2 = append(branch2, b)
			nextA, okA := f.byID[a.Block.Previous]
			nextB, okB := f.byID[b.Block.Previous]
			if !okA || !okB {
				return branch1, branch2, errors.New("fork database is missing ancestor block")
			}
			a, b = nextA, nextB
		}
	}
	return branch1, branch2, nil
}

// AdvanceRoot moves the fork database's root forward to newRoot, pruning
// every block that is not a descendant of newRoot (siblings of the
// now-irreversible chain), and invokes the irreversibility callback for
// newRoot.
func (f *ForkDB) AdvanceRoot(newRoot *types.BlockState) {
	f.mu.Lock()
	cb := f.onIrreversible
	if f.root != nil && f.root.ID == newRoot.ID {
		f.mu.Unlock()
		return
	}

	keep := make(map[cmntypes.Hash]bool)
	keep[newRoot.ID] = true
	// Mark every descendant of newRoot as kept via BFS over byPrevious.
	queue := []cmntypes.Hash{newRoot.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range f.byPrevious[id] {
			if !keep[child.ID] {
				keep[child.ID] = true
				queue = append(queue, child.ID)
			}
		}
	}
	for id, bs := range f.byID {
		if !keep[id] {
			delete(f.byID, id)
			f.index.Delete(numIDItem{byNumID{bs.BlockNum, bs.ID}, bs})
		}
	}
	for prevID := range f.byPrevious {
		if !keep[prevID] && prevID != newRoot.Block.Previous {
			delete(f.byPrevious, prevID)
		}
	}
	f.root = newRoot
	f.mu.Unlock()

	if cb != nil {
		cb(newRoot)
	}
}

// Root returns the fork database's current (most recently advanced) root.
func (f *ForkDB) Root() *types.BlockState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.root
}

// MarkInCurrentChain sets bs's in_current_chain flag, mirroring
// fork_database::mark_in_current_chain. The fork-switch procedure uses this
// to track which branch is currently reflected in the stores.
func (f *ForkDB) MarkInCurrentChain(id cmntypes.Hash, inChain bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bs, ok := f.byID[id]; ok {
		bs.InCurrentChain = inChain
	}
}

// SetValidity marks bs valid or invalid. Marking a block invalid removes it
// and every descendant from the index, mirroring fork_database::set_validity.
func (f *ForkDB) SetValidity(id cmntypes.Hash, valid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bs, ok := f.byID[id]
	if !ok {
		return
	}
	bs.Validated = valid
	if valid {
		return
	}
	f.removeSubtreeLocked(id)
}

func (f *ForkDB) removeSubtreeLocked(id cmntypes.Hash) {
	bs, ok := f.byID[id]
	if !ok {
		return
	}
	children := f.byPrevious[id]
	delete(f.byPrevious, id)
	for _, child := range children {
		f.removeSubtreeLocked(child.ID)
	}
	delete(f.byID, id)
	f.index.Delete(numIDItem{byNumID{bs.BlockNum, bs.ID}, bs})
}
