package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/fracmash/fracmash/src/bloom"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
)

// SBT is the Sequence Bloom Tree index variant: a binary tree whose leaves hold
// signatures and whose internal nodes hold bloom filters summarising the union
// of all hashes beneath them. Because the filters have no false negatives, a
// subtree whose filter cannot reach the search threshold can be pruned without
// ever missing a true match.
//
// A single read-write lock guards the whole tree: searches share it, inserts
// take it exclusively, so readers observe either the pre- or post-insert state
// and never a partially refreshed one. A finer scheme (per-subtree locks keyed
// by node id) would allow concurrent inserts into disjoint subtrees; the coarse
// lock is deliberate for now as insert cost is dominated by filter ORs.
type SBT struct {
	root       *sbtNode
	filterBits uint64 // every filter in the tree shares this size
	numHashes  uint8  // and this hash function count
	lock       sync.RWMutex
}

// sbtNode is one tree node: an internal node owns exactly two children, a leaf
// owns a signature. Every node carries a filter over its subtree's hashes.
type sbtNode struct {
	filter    *bloom.Filter
	left      *sbtNode
	right     *sbtNode
	sig       *signature.Signature
	leafCount int
}

// isLeaf reports whether a node holds a signature
func (sbtNode *sbtNode) isLeaf() bool {
	return sbtNode.sig != nil
}

// NewSBT is the SBT constructor. The filters of every node share one shape,
// sized for the expected number of hashes per signature and a target false
// positive rate (see the bloom package for the formula).
func NewSBT(expectedHashes uint64, fpRate float64) *SBT {
	prototype := bloom.New(expectedHashes, fpRate)
	return &SBT{
		filterBits: prototype.NumBits(),
		numHashes:  prototype.NumHashes(),
	}
}

// NumSignatures returns the number of leaves in the tree
func (SBT *SBT) NumSignatures() int {
	SBT.lock.RLock()
	defer SBT.lock.RUnlock()
	if SBT.root == nil {
		return 0
	}
	return SBT.root.leafCount
}

// sigHashes collects the distinct hash values across every sketch of a signature
func sigHashes(sig *signature.Signature) []uint64 {
	seen := make(map[uint64]struct{})
	hashes := []uint64{}
	for _, s := range sig.Sketches {
		for _, hv := range s.GetSketch() {
			if _, ok := seen[hv]; ok {
				continue
			}
			seen[hv] = struct{}{}
			hashes = append(hashes, hv)
		}
	}
	return hashes
}

// Insert is a method to add a signature to the tree. The insertion point is
// found by a similarity-guided descent: at each internal node the child whose
// filter better contains the new signature's hashes is taken, ties going to the
// smaller subtree. All replacement filters for the affected root-to-leaf path
// are built off to the side and only committed once every one has been computed,
// so a failed insert leaves the tree in its last consistent state.
func (SBT *SBT) Insert(sig *signature.Signature) error {
	if sig == nil || len(sig.Sketches) == 0 {
		return fmt.Errorf("can't index an empty signature")
	}
	hashes := sigHashes(sig)
	if len(hashes) == 0 {
		return fmt.Errorf("signature %v has no hashes to index", sig.Name)
	}

	// the new leaf is built before any lock is taken
	leafFilter := bloom.NewWithSize(SBT.filterBits, SBT.numHashes)
	for _, hv := range hashes {
		leafFilter.Add(hv)
	}
	newLeaf := &sbtNode{filter: leafFilter, sig: sig, leafCount: 1}

	SBT.lock.Lock()
	defer SBT.lock.Unlock()

	// an empty tree becomes a single queryable leaf
	if SBT.root == nil {
		SBT.root = newLeaf
		return nil
	}

	// locate the insertion point
	path := []*sbtNode{}
	cursor := SBT.root
	for !cursor.isLeaf() {
		path = append(path, cursor)
		cursor = SBT.descend(cursor, hashes)
	}

	// phase 1: compute every replacement filter without touching the tree
	splitFilter := cursor.filter.Copy()
	if err := splitFilter.Union(leafFilter); err != nil {
		return err
	}
	refreshed := make([]*bloom.Filter, len(path))
	for i, ancestor := range path {
		refreshed[i] = ancestor.filter.Copy()
		if err := refreshed[i].Union(leafFilter); err != nil {
			return err
		}
	}

	// phase 2: commit - convert the leaf to an internal node and swap in the
	// refreshed ancestor filters
	split := &sbtNode{
		filter:    splitFilter,
		left:      cursor,
		right:     newLeaf,
		leafCount: cursor.leafCount + 1,
	}
	if len(path) == 0 {
		SBT.root = split
	} else {
		parent := path[len(path)-1]
		if parent.left == cursor {
			parent.left = split
		} else {
			parent.right = split
		}
	}
	for i, ancestor := range path {
		ancestor.filter = refreshed[i]
		ancestor.leafCount++
	}
	return nil
}

// descend picks the child whose filter better contains the incoming hashes,
// ties going to the smaller subtree to keep the tree balanced
func (SBT *SBT) descend(internal *sbtNode, hashes []uint64) *sbtNode {
	estLeft := internal.left.filter.EstimateContainment(hashes)
	estRight := internal.right.filter.EstimateContainment(hashes)
	if estLeft > estRight {
		return internal.left
	}
	if estRight > estLeft {
		return internal.right
	}
	if internal.right.leafCount < internal.left.leafCount {
		return internal.right
	}
	return internal.left
}

// Search is a method to find every signature scoring at least threshold against
// the query. At each node the filter gives an upper bound on the achievable
// score for the whole subtree (the no-false-negative property makes the bound
// safe); subtrees below threshold are pruned, surviving leaves are scored
// exactly. Cancellation is checked between node visits and leaves the tree
// unmodified.
func (SBT *SBT) Search(ctx context.Context, query *sketch.Sketch, threshold float64, mode SearchMode) ([]Result, error) {
	SBT.lock.RLock()
	defer SBT.lock.RUnlock()
	if SBT.root == nil {
		return nil, ErrNotFound
	}
	queryHashes := query.GetSketch()
	results := []Result{}
	if len(queryHashes) == 0 {
		return results, nil
	}

	stack := []*sbtNode{SBT.root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// the subtree's best possible score is the fraction of query hashes its
		// filter might contain; below threshold the whole subtree is pruned
		if cursor.filter.EstimateContainment(queryHashes) < threshold {
			continue
		}
		if !cursor.isLeaf() {
			stack = append(stack, cursor.left, cursor.right)
			continue
		}
		score, sharedKmers, comparable, err := scoreSignature(query, cursor.sig, mode)
		if err != nil {
			return nil, err
		}
		if !comparable || score < threshold {
			continue
		}
		results = append(results, Result{
			ID:        cursor.sig.ID(),
			Name:      cursor.sig.Name,
			Score:     score,
			Intersect: sharedKmers,
		})
	}
	sortResults(results)
	return results, nil
}

// Signatures returns the leaf signatures in left-to-right tree order
func (SBT *SBT) Signatures() []*signature.Signature {
	SBT.lock.RLock()
	defer SBT.lock.RUnlock()
	sigs := []*signature.Signature{}
	var walk func(*sbtNode)
	walk = func(cursor *sbtNode) {
		if cursor == nil {
			return
		}
		if cursor.isLeaf() {
			sigs = append(sigs, cursor.sig)
			return
		}
		walk(cursor.left)
		walk(cursor.right)
	}
	walk(SBT.root)
	return sigs
}
