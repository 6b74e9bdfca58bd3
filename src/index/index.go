// Package index organises signature collections for search. Two implementations
// are provided behind one capability interface: a flat linear scan (LinearIndex)
// and a Sequence Bloom Tree (SBT), a binary tree of bloom filters that prunes
// whole subtrees which cannot beat the search threshold. The variant is selected
// at construction and persisted index files record which variant wrote them.
package index

import (
	"context"
	"errors"
	"sort"

	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
)

// ErrNotFound is returned when a query is run against an empty index
var ErrNotFound = errors.New("no signatures in the index")

// ErrFormat is returned when a persisted index has a version outside the
// compatible range
var ErrFormat = errors.New("unsupported index format version")

// ErrCorruptData is returned when a persisted index fails its structural checks
var ErrCorruptData = errors.New("corrupt index data")

// SearchMode selects the score reported by a search
type SearchMode uint8

const (
	// SimilaritySearch ranks by Jaccard similarity between query and reference
	SimilaritySearch SearchMode = iota

	// ContainmentSearch ranks by the fraction of the query found in the reference
	ContainmentSearch
)

// String returns the mode name used in logs and reports
func (mode SearchMode) String() string {
	if mode == ContainmentSearch {
		return "containment"
	}
	return "similarity"
}

// Result is a single search hit
type Result struct {
	ID        string  // content hash of the matched signature
	Name      string  // name of the matched signature
	Score     float64 // similarity or containment, per the search mode
	Intersect uint64  // estimated number of shared k-mers
}

// Index is the capability interface shared by the index variants
type Index interface {

	// Insert adds a signature to the index
	Insert(sig *signature.Signature) error

	// Search returns every signature scoring at least threshold against the
	// query, sorted by descending score (ties broken by signature id).
	// Cancellation is cooperative via the context.
	Search(ctx context.Context, query *sketch.Sketch, threshold float64, mode SearchMode) ([]Result, error)

	// Signatures returns the indexed signatures in a deterministic order
	Signatures() []*signature.Signature

	// Dump writes the index to file
	Dump(path string) error
}

// scoreSignature computes the exact score of a query against one signature,
// returning false when the signature holds no sketch comparable with the query
func scoreSignature(query *sketch.Sketch, sig *signature.Signature, mode SearchMode) (float64, uint64, bool, error) {
	ref := sig.SketchCompatibleWith(query)
	if ref == nil {
		return 0.0, 0, false, nil
	}
	_, sharedKmers, err := query.Containment(ref)
	if err != nil {
		return 0.0, 0, false, err
	}
	var score float64
	if mode == ContainmentSearch {
		score, _, err = query.Containment(ref)
	} else {
		score, err = query.Similarity(ref)
	}
	if err != nil {
		return 0.0, 0, false, err
	}
	return score, sharedKmers, true, nil
}

// sortResults orders search hits by descending score, ties broken by id so
// repeated runs over the same inputs are identical
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
