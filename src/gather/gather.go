// Package gather decomposes a query sketch into its best-matching reference
// signatures by greedy minimum set cover: the reference with the highest
// containment in the residual query is selected, its hashes are subtracted from
// the residual, and the loop repeats until no reference passes the threshold or
// the residual is empty. Each round strictly shrinks the residual, so the loop
// terminates after at most as many rounds as the query has distinct hashes.
package gather

import (
	"context"
	"fmt"

	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
)

// Collection is the view of an index the gather loop needs: every implementation
// in the index package satisfies it. The loop re-scores all references against
// the shrinking residual each round, so a flat view is sufficient; tree pruning
// buys nothing here because the residual changes between rounds.
type Collection interface {
	Signatures() []*signature.Signature
}

// Match is one reference selected by the gather loop
type Match struct {
	ID                string  // content hash of the matched signature
	Name              string  // name of the matched signature
	FractionExplained float64 // fraction of the original query's hashes this match explains
	Intersect         uint64  // estimated number of k-mers shared with the residual query
	RefContainment    float64 // containment of the reference within the residual at selection time
}

// Option is a functional option for configuring a gather run
type Option func(*config) error

type config struct {
	abundanceAware bool
}

// WithAbundance selects abundance-aware gather: matched hashes have their
// abundance decremented rather than being removed outright, and only leave the
// residual once their count reaches zero. The query must track abundances.
func WithAbundance() Option {
	return func(c *config) error {
		c.abundanceAware = true
		return nil
	}
}

// Gather runs the greedy decomposition of a query against a reference
// collection. Matches are reported in selection order; ties in containment are
// broken by signature id so repeated runs are identical. Cancellation is
// cooperative, checked once per round.
func Gather(ctx context.Context, query *sketch.Sketch, refs Collection, minThreshold float64, options ...Option) ([]Match, error) {
	conf := &config{}
	for _, option := range options {
		if err := option(conf); err != nil {
			return nil, err
		}
	}
	if query == nil {
		return nil, fmt.Errorf("no query sketch provided")
	}
	if conf.abundanceAware && !query.Tracking() {
		return nil, sketch.ErrNoAbundance
	}
	sigs := refs.Signatures()
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no reference signatures to gather against")
	}

	// the residual starts as a copy of the query; the query itself is never touched
	residual := query.Clone()
	originalSize := residual.Cardinality()
	matches := []Match{}
	if originalSize == 0 {
		return matches, nil
	}

	for residual.Cardinality() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// find the reference with the highest containment in the residual - the
		// direction matters: this asks how much of the reference the remaining
		// unexplained query covers, i.e. how much new material the match explains
		var best *signature.Signature
		var bestSketch *sketch.Sketch
		var bestID string
		bestContainment := 0.0
		for _, sig := range sigs {
			ref := sig.SketchCompatibleWith(residual)
			if ref == nil {
				continue
			}
			containment, _, err := ref.Containment(residual)
			if err != nil {
				return nil, err
			}
			if containment < bestContainment {
				continue
			}
			id := sig.ID()
			if containment == bestContainment && (best != nil && id >= bestID) {
				continue
			}
			best, bestSketch, bestID, bestContainment = sig, ref, id, containment
		}
		if best == nil || bestContainment < minThreshold {
			break
		}

		// record the match before shrinking the residual
		shared := residual.Intersection(bestSketch)
		if len(shared) == 0 {
			break
		}
		intersect := uint64(len(shared))
		if residual.IsScaled() {
			intersect *= residual.Scaled()
		}
		matches = append(matches, Match{
			ID:                bestID,
			Name:              best.Name,
			FractionExplained: float64(len(shared)) / float64(originalSize),
			Intersect:         intersect,
			RefContainment:    bestContainment,
		})

		// subtract the explained hashes: plain set difference, or abundance
		// decrement when abundance-aware gather was selected
		if conf.abundanceAware {
			if err := residual.SubtractCounts(bestSketch); err != nil {
				return nil, err
			}
		} else {
			residual.Remove(shared)
		}
	}
	return matches, nil
}
