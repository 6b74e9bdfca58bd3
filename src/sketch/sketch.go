// Package sketch contains a FracMinHash implementation for summarising the k-mer
// content of nucleotide sequences. A sketch is sized in one of two ways: bounded
// to the `num` smallest hash values ever seen (classic bottom-k MinHash), or scaled
// so that every hash below a fixed fraction of the hash space is retained
// (FracMinHash), which keeps sketch size proportional to input size and supports
// unbiased containment estimation. The sizing mode is fixed at construction.
package sketch

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/fracmash/fracmash/src/kmers"
)

// ErrIncompatibleParameters is returned when two sketches with mismatched
// k-mer size, sizing mode or strandedness are merged or compared
var ErrIncompatibleParameters = errors.New("incompatible sketch parameters")

// ErrInvalidParameters is returned when a sketch is requested with nonsensical parameters
var ErrInvalidParameters = errors.New("invalid sketch parameters")

// ErrNoAbundance is returned when an abundance-weighted operation is requested
// of a sketch that is not tracking abundances
var ErrNoAbundance = errors.New("sketch is not tracking abundances")

// Sketch is the bounded MinHash summary of a k-mer set
type Sketch struct {
	kmerSize       uint
	numMin         uint   // sketch bound for num mode (0 in scaled mode)
	scaled         uint64 // scaling factor for scaled mode (0 in num mode)
	maxHash        uint64 // retention threshold for scaled mode (0 in num mode)
	canonical      bool
	strict         bool
	trackAbundance bool

	hashes map[uint64]uint32 // retained hash values -> abundance count
	heap   *intHeap          // orders the retained hashes for num mode eviction
}

// Option is a functional option for configuring a sketch
type Option func(*Sketch) error

// WithNum bounds the sketch to the n smallest hash values ever seen
func WithNum(n uint) Option {
	return func(s *Sketch) error {
		if n == 0 {
			return fmt.Errorf("%w: num must be a positive integer", ErrInvalidParameters)
		}
		if s.scaled != 0 {
			return fmt.Errorf("%w: num and scaled are mutually exclusive", ErrInvalidParameters)
		}
		s.numMin = n
		return nil
	}
}

// WithScaled retains every hash value below MaxUint64/scaled
func WithScaled(scaled uint64) Option {
	return func(s *Sketch) error {
		if scaled == 0 {
			return fmt.Errorf("%w: scaled must be a positive integer", ErrInvalidParameters)
		}
		if s.numMin != 0 {
			return fmt.Errorf("%w: num and scaled are mutually exclusive", ErrInvalidParameters)
		}
		s.scaled = scaled
		s.maxHash = math.MaxUint64 / scaled
		return nil
	}
}

// WithAbundance enables per-hash occurrence counting
func WithAbundance() Option {
	return func(s *Sketch) error {
		s.trackAbundance = true
		return nil
	}
}

// WithNoCanonical hashes the forward strand only, rather than the canonical k-mer
func WithNoCanonical() Option {
	return func(s *Sketch) error {
		s.canonical = false
		return nil
	}
}

// WithStrict fails AddSequence on the first non-nucleotide character, rather
// than skipping the windows that overlap it
func WithStrict() Option {
	return func(s *Sketch) error {
		s.strict = true
		return nil
	}
}

// New is the Sketch constructor. Exactly one sizing mode (WithNum or WithScaled)
// must be supplied.
func New(kmerSize uint, options ...Option) (*Sketch, error) {
	if kmerSize == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, kmers.ErrInvalidK)
	}
	s := &Sketch{
		kmerSize:  kmerSize,
		canonical: true,
		hashes:    make(map[uint64]uint32),
		heap:      &intHeap{},
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if s.numMin == 0 && s.scaled == 0 {
		return nil, fmt.Errorf("%w: a sizing mode (num or scaled) is required", ErrInvalidParameters)
	}
	heap.Init(s.heap)
	return s, nil
}

// KmerSize returns the k-mer size of the sketch
func (Sketch *Sketch) KmerSize() uint { return Sketch.kmerSize }

// Num returns the sketch bound (0 for a scaled sketch)
func (Sketch *Sketch) Num() uint { return Sketch.numMin }

// Scaled returns the scaling factor (0 for a num sketch)
func (Sketch *Sketch) Scaled() uint64 { return Sketch.scaled }

// IsScaled reports whether this is a FracMinHash (scaled) sketch
func (Sketch *Sketch) IsScaled() bool { return Sketch.scaled != 0 }

// Tracking reports whether the sketch records abundances
func (Sketch *Sketch) Tracking() bool { return Sketch.trackAbundance }

// Canonical reports whether k-mers were canonicalised before hashing
func (Sketch *Sketch) Canonical() bool { return Sketch.canonical }

// Cardinality returns the number of retained hash values
func (Sketch *Sketch) Cardinality() int { return len(Sketch.hashes) }

// AddHash is a method to offer a single hash value to the sketch, obeying the
// sizing mode invariant
func (Sketch *Sketch) AddHash(hv uint64) {
	Sketch.addWithCount(hv, 1)
}

// addWithCount offers a hash value with an occurrence count (used by merge)
func (Sketch *Sketch) addWithCount(hv uint64, count uint32) {

	// scaled mode: a pure threshold test
	if Sketch.maxHash != 0 {
		if hv >= Sketch.maxHash {
			return
		}
		Sketch.bump(hv, count)
		return
	}

	// num mode: already retained hashes just update their count
	if _, ok := Sketch.hashes[hv]; ok {
		Sketch.bump(hv, count)
		return
	}

	// if the sketch isn't full yet, go ahead and add the hash
	if uint(len(Sketch.hashes)) < Sketch.numMin {
		Sketch.hashes[hv] = count
		heap.Push(Sketch.heap, hv)
		return
	}

	// or if the incoming hash is smaller than the current maximum, replace the maximum
	if hv < (*Sketch.heap)[0] {
		delete(Sketch.hashes, (*Sketch.heap)[0])
		(*Sketch.heap)[0] = hv
		heap.Fix(Sketch.heap, 0)
		Sketch.hashes[hv] = count
	}
}

// bump updates the abundance count for a retained hash. When abundance tracking
// is off the count is pinned to 1 so repeated insertion stays a no-op.
func (Sketch *Sketch) bump(hv uint64, count uint32) {
	if Sketch.trackAbundance {
		Sketch.hashes[hv] += count
	} else {
		Sketch.hashes[hv] = 1
	}
}

// AddSequence is a method to decompose a sequence into k-mers, hash them and
// offer each hash to the sketch. A sequence shorter than k adds nothing.
func (Sketch *Sketch) AddSequence(sequence []byte) error {
	extractor, err := kmers.NewExtractor(Sketch.kmerSize, Sketch.canonical, Sketch.strict)
	if err != nil {
		return err
	}
	hvChan, err := extractor.Hashes(sequence)
	if err != nil {
		return err
	}
	for hv := range hvChan {
		Sketch.AddHash(hv)
	}
	return nil
}

// compatible checks that two sketches can be compared. When requireEqualSizing
// is set the sizing parameter itself must also match (merge semantics); otherwise
// two scaled sketches with different scaling factors are still comparable, as the
// comparison will downsample to the coarser threshold first.
func (Sketch *Sketch) compatible(other *Sketch, requireEqualSizing bool) error {
	if Sketch.kmerSize != other.kmerSize {
		return fmt.Errorf("%w: k-mer size %d vs %d", ErrIncompatibleParameters, Sketch.kmerSize, other.kmerSize)
	}
	if Sketch.canonical != other.canonical {
		return fmt.Errorf("%w: mixed strand handling", ErrIncompatibleParameters)
	}
	if Sketch.IsScaled() != other.IsScaled() {
		return fmt.Errorf("%w: mixed sizing modes (num vs scaled)", ErrIncompatibleParameters)
	}
	if !Sketch.IsScaled() && Sketch.numMin != other.numMin {
		return fmt.Errorf("%w: num %d vs %d", ErrIncompatibleParameters, Sketch.numMin, other.numMin)
	}
	if requireEqualSizing && Sketch.scaled != other.scaled {
		return fmt.Errorf("%w: scaled %d vs %d", ErrIncompatibleParameters, Sketch.scaled, other.scaled)
	}
	return nil
}

// Merge is a method to union another sketch into this one. The sketches must
// share identical k, sizing mode and sizing parameter.
func (Sketch *Sketch) Merge(other *Sketch) error {
	if err := Sketch.compatible(other, true); err != nil {
		return err
	}
	for hv, count := range other.hashes {
		Sketch.addWithCount(hv, count)
	}
	return nil
}

// Clone returns a deep copy of the sketch
func (sk *Sketch) Clone() *Sketch {
	cp := &Sketch{
		kmerSize:       sk.kmerSize,
		numMin:         sk.numMin,
		scaled:         sk.scaled,
		maxHash:        sk.maxHash,
		canonical:      sk.canonical,
		strict:         sk.strict,
		trackAbundance: sk.trackAbundance,
		hashes:         make(map[uint64]uint32, len(sk.hashes)),
		heap:           &intHeap{},
	}
	for hv, count := range sk.hashes {
		cp.hashes[hv] = count
	}
	cp.rebuildHeap()
	return cp
}

// Downsample returns a copy of a scaled sketch re-thresholded to a coarser
// scaling factor. This is a pure filter: no hash excluded by the new threshold
// survives and nothing is ever added.
func (Sketch *Sketch) Downsample(newScaled uint64) (*Sketch, error) {
	if !Sketch.IsScaled() {
		return nil, fmt.Errorf("%w: downsample requires a scaled sketch", ErrInvalidParameters)
	}
	if newScaled < Sketch.scaled {
		return nil, fmt.Errorf("%w: cannot downsample from scaled=%d to finer scaled=%d", ErrInvalidParameters, Sketch.scaled, newScaled)
	}
	cp := Sketch.Clone()
	cp.scaled = newScaled
	cp.maxHash = math.MaxUint64 / newScaled
	for hv := range cp.hashes {
		if hv >= cp.maxHash {
			delete(cp.hashes, hv)
		}
	}
	return cp, nil
}

// GetSketch is a method to return the retained hash values, sorted min > max
func (Sketch *Sketch) GetSketch() []uint64 {
	sketch := make([]uint64, 0, len(Sketch.hashes))
	for hv := range Sketch.hashes {
		sketch = append(sketch, hv)
	}
	sort.Slice(sketch, func(i, j int) bool { return sketch[i] < sketch[j] })
	return sketch
}

// Abundances returns the retained hashes (sorted) and their aligned abundance
// counts; counts are nil when abundance tracking is off
func (Sketch *Sketch) Abundances() ([]uint64, []uint32) {
	hashes := Sketch.GetSketch()
	if !Sketch.trackAbundance {
		return hashes, nil
	}
	counts := make([]uint32, len(hashes))
	for i, hv := range hashes {
		counts[i] = Sketch.hashes[hv]
	}
	return hashes, counts
}

// Intersection returns the hash values retained by both sketches, sorted
func (Sketch *Sketch) Intersection(other *Sketch) []uint64 {
	small, large := Sketch, other
	if len(other.hashes) < len(Sketch.hashes) {
		small, large = other, Sketch
	}
	shared := []uint64{}
	for hv := range small.hashes {
		if _, ok := large.hashes[hv]; ok {
			shared = append(shared, hv)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })
	return shared
}

// Similarity estimates the Jaccard similarity of the two underlying k-mer sets.
// Scaled sketches with different scaling factors are first downsampled to the
// coarser threshold, keeping the estimate unbiased. For num sketches the classic
// bottom-k estimator |A∩B| / max(|A|,|B|) is used. Two empty sketches have
// similarity 1.0 by convention; one empty sketch gives 0.0.
func (Sketch *Sketch) Similarity(other *Sketch) (float64, error) {
	if err := Sketch.compatible(other, false); err != nil {
		return 0.0, err
	}
	a, b, err := align(Sketch, other)
	if err != nil {
		return 0.0, err
	}
	if len(a.hashes) == 0 && len(b.hashes) == 0 {
		return 1.0, nil
	}
	if len(a.hashes) == 0 || len(b.hashes) == 0 {
		return 0.0, nil
	}
	intersect := len(a.Intersection(b))
	if a.IsScaled() {
		union := len(a.hashes) + len(b.hashes) - intersect
		return float64(intersect) / float64(union), nil
	}
	maxlength := len(a.hashes)
	if maxlength < len(b.hashes) {
		maxlength = len(b.hashes)
	}
	return float64(intersect) / float64(maxlength), nil
}

// Containment estimates what fraction of this sketch's k-mer content is found in
// the other sketch (|A∩B| / |A|, asymmetric) along with the estimated number of
// shared k-mers. Two empty sketches have containment 1.0; otherwise an empty
// side gives 0.0.
func (Sketch *Sketch) Containment(other *Sketch) (float64, uint64, error) {
	if err := Sketch.compatible(other, false); err != nil {
		return 0.0, 0, err
	}
	a, b, err := align(Sketch, other)
	if err != nil {
		return 0.0, 0, err
	}
	intersect := uint64(len(a.Intersection(b)))
	sharedKmers := intersect
	if a.IsScaled() {
		sharedKmers = intersect * a.scaled
	}
	if len(a.hashes) == 0 && len(b.hashes) == 0 {
		return 1.0, 0, nil
	}
	if len(a.hashes) == 0 || len(b.hashes) == 0 {
		return 0.0, 0, nil
	}
	return float64(intersect) / float64(len(a.hashes)), sharedKmers, nil
}

// AngularSimilarity is the abundance-weighted similarity of two sketches: the
// cosine of their abundance vectors mapped to [0,1] via the angular distance.
// This is a distinct code path from the unweighted Similarity and requires both
// sketches to be tracking abundances.
func (Sketch *Sketch) AngularSimilarity(other *Sketch) (float64, error) {
	if !Sketch.trackAbundance || !other.trackAbundance {
		return 0.0, ErrNoAbundance
	}
	if err := Sketch.compatible(other, false); err != nil {
		return 0.0, err
	}
	a, b, err := align(Sketch, other)
	if err != nil {
		return 0.0, err
	}
	if len(a.hashes) == 0 && len(b.hashes) == 0 {
		return 1.0, nil
	}
	if len(a.hashes) == 0 || len(b.hashes) == 0 {
		return 0.0, nil
	}
	var dot, normA, normB float64
	for hv, count := range a.hashes {
		c := float64(count)
		normA += c * c
		if otherCount, ok := b.hashes[hv]; ok {
			dot += c * float64(otherCount)
		}
	}
	for _, count := range b.hashes {
		normB += float64(count) * float64(count)
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	// sqrt rounding can leave the cosine of identical vectors a hair either
	// side of 1, which acos would turn into a nonzero angle
	if cos >= 1.0-1e-14 {
		cos = 1.0
	}
	return 1.0 - (2.0 * math.Acos(cos) / math.Pi), nil
}

// Remove deletes the given hash values from the sketch (set difference)
func (Sketch *Sketch) Remove(hashes []uint64) {
	for _, hv := range hashes {
		delete(Sketch.hashes, hv)
	}
	Sketch.rebuildHeap()
}

// SubtractCounts decrements the abundance of every hash shared with the other
// sketch by the other's count, removing a hash only once its abundance reaches
// zero. Used by abundance-aware gather; the receiver must track abundances
// (a non-tracking other sketch decrements by one per shared hash).
func (Sketch *Sketch) SubtractCounts(other *Sketch) error {
	if !Sketch.trackAbundance {
		return ErrNoAbundance
	}
	for hv, count := range other.hashes {
		current, ok := Sketch.hashes[hv]
		if !ok {
			continue
		}
		if current <= count {
			delete(Sketch.hashes, hv)
		} else {
			Sketch.hashes[hv] = current - count
		}
	}
	Sketch.rebuildHeap()
	return nil
}

// rebuildHeap re-establishes the num mode ordering after bulk removal
func (Sketch *Sketch) rebuildHeap() {
	if Sketch.IsScaled() {
		return
	}
	newHeap := make(intHeap, 0, len(Sketch.hashes))
	for hv := range Sketch.hashes {
		newHeap = append(newHeap, hv)
	}
	Sketch.heap = &newHeap
	heap.Init(Sketch.heap)
}

// align prepares two sketches for comparison, downsampling scaled sketches to
// the coarser threshold when their scaling factors differ
func align(a, b *Sketch) (*Sketch, *Sketch, error) {
	if !a.IsScaled() || a.scaled == b.scaled {
		return a, b, nil
	}
	coarse := a.scaled
	if b.scaled > coarse {
		coarse = b.scaled
	}
	downA, err := a.Downsample(coarse)
	if err != nil {
		return nil, nil, err
	}
	downB, err := b.Downsample(coarse)
	if err != nil {
		return nil, nil, err
	}
	return downA, downB, nil
}

// Restore rebuilds a sketch from persisted fields, checking the sizing mode
// invariants hold. It is used by the signature decoder; a non-nil error there
// indicates corrupt data.
func Restore(kmerSize, numMin uint, scaled uint64, canonical, trackAbundance bool, hashes []uint64, abundances []uint32) (*Sketch, error) {
	options := []Option{}
	if numMin != 0 {
		options = append(options, WithNum(numMin))
	}
	if scaled != 0 {
		options = append(options, WithScaled(scaled))
	}
	if !canonical {
		options = append(options, WithNoCanonical())
	}
	if trackAbundance {
		options = append(options, WithAbundance())
	}
	s, err := New(kmerSize, options...)
	if err != nil {
		return nil, err
	}
	if trackAbundance && len(abundances) != len(hashes) {
		return nil, fmt.Errorf("%d hashes declared but %d abundances", len(hashes), len(abundances))
	}
	if !trackAbundance && len(abundances) != 0 {
		return nil, fmt.Errorf("abundances present but abundance tracking is off")
	}
	if numMin != 0 && uint(len(hashes)) > numMin {
		return nil, fmt.Errorf("%d hashes exceed the declared sketch bound (num=%d)", len(hashes), numMin)
	}
	for i, hv := range hashes {
		if s.maxHash != 0 && hv >= s.maxHash {
			return nil, fmt.Errorf("hash %d exceeds the declared scaled threshold", hv)
		}
		if _, ok := s.hashes[hv]; ok {
			return nil, fmt.Errorf("duplicate hash %d", hv)
		}
		count := uint32(1)
		if trackAbundance {
			count = abundances[i]
		}
		s.hashes[hv] = count
		if !s.IsScaled() {
			heap.Push(s.heap, hv)
		}
	}
	return s, nil
}
