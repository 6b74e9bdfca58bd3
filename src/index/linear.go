package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
)

// LinearIndex is the flat index variant: a slice of signatures searched by
// brute force. It is the reference implementation the SBT is checked against.
type LinearIndex struct {
	sigs []*signature.Signature
	lock sync.RWMutex
}

// NewLinearIndex is the LinearIndex constructor
func NewLinearIndex() *LinearIndex {
	return &LinearIndex{}
}

// Insert is a method to add a signature to the index
func (LinearIndex *LinearIndex) Insert(sig *signature.Signature) error {
	if sig == nil || len(sig.Sketches) == 0 {
		return fmt.Errorf("can't index an empty signature")
	}
	LinearIndex.lock.Lock()
	LinearIndex.sigs = append(LinearIndex.sigs, sig)
	LinearIndex.lock.Unlock()
	return nil
}

// Search is a method to score the query against every indexed signature
func (LinearIndex *LinearIndex) Search(ctx context.Context, query *sketch.Sketch, threshold float64, mode SearchMode) ([]Result, error) {
	LinearIndex.lock.RLock()
	defer LinearIndex.lock.RUnlock()
	if len(LinearIndex.sigs) == 0 {
		return nil, ErrNotFound
	}
	results := []Result{}
	for _, sig := range LinearIndex.sigs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, sharedKmers, comparable, err := scoreSignature(query, sig, mode)
		if err != nil {
			return nil, err
		}
		if !comparable || score < threshold {
			continue
		}
		results = append(results, Result{
			ID:        sig.ID(),
			Name:      sig.Name,
			Score:     score,
			Intersect: sharedKmers,
		})
	}
	sortResults(results)
	return results, nil
}

// Signatures returns the indexed signatures in insertion order
func (LinearIndex *LinearIndex) Signatures() []*signature.Signature {
	LinearIndex.lock.RLock()
	defer LinearIndex.lock.RUnlock()
	sigs := make([]*signature.Signature, len(LinearIndex.sigs))
	copy(sigs, LinearIndex.sigs)
	return sigs
}
