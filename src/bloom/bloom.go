// Package bloom contains the bloom filter used by the SBT index nodes. A filter
// never produces false negatives; the false positive rate is engineered from the
// expected number of inserted hashes (n) and a target rate (p) using the standard
// sizing formula:
//
//	m = ceil(-n * ln(p) / ln(2)^2)   bits in the filter
//	k = round(m/n * ln(2))           hash functions, clamped to [1,16]
//
// giving a realised false positive rate of (1 - e^(-kn/m))^k. With the default
// target of 1% this works out at ~9.6 bits and 7 hash functions per element.
package bloom

import (
	"errors"
	"math"
	"sync"
)

// DefaultFPrate is the target false positive rate used when none is supplied
const DefaultFPrate = 0.01

// the two seeds used to derive the independent bit positions for a hash value
const (
	seed1 uint64 = 0x9e3779b97f4a7c15
	seed2 uint64 = 0xbf58476d1ce4e5b9
)

// ErrSizeMismatch is returned when a union of differently sized filters is requested
var ErrSizeMismatch = errors.New("bloom filters differ in size or hash count")

// mask holds the 64 single-bit masks used to set/check bits in a filter word
var mask [64]uint64

// init will prepare the mask prior to creating a bloom filter
func init() {
	mask[0] = 1
	for i := 1; i < len(mask); i++ {
		mask[i] = 2 * mask[i-1]
	}
}

// Filter is the bloom filter type
type Filter struct {
	numBits   uint64
	numHashes uint8
	bits      []uint64
	count     uint64       // estimate of the number of distinct hashes inserted
	lock      sync.RWMutex // lock the filter for read/write access
}

// New is a Filter constructor sized for an expected number of elements and a
// target false positive rate (see the package comment for the formula)
func New(expectedN uint64, fpRate float64) *Filter {
	if expectedN == 0 {
		expectedN = 1
	}
	if fpRate <= 0.0 || fpRate >= 1.0 {
		fpRate = DefaultFPrate
	}
	ln2 := math.Ln2
	mBits := uint64(math.Ceil(-float64(expectedN) * math.Log(fpRate) / (ln2 * ln2)))
	numHashes := int(math.Round(float64(mBits) / float64(expectedN) * ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 16 {
		numHashes = 16
	}
	return NewWithSize(mBits, uint8(numHashes))
}

// NewWithSize is a Filter constructor for an explicit bit count and hash
// function count, used when every node of a tree must share one filter shape
func NewWithSize(numBits uint64, numHashes uint8) *Filter {
	words := numBits / 64
	if numBits%64 != 0 || words == 0 {
		words++
	}
	if numHashes == 0 {
		numHashes = 1
	}
	return &Filter{
		numBits:   words * 64,
		numHashes: numHashes,
		bits:      make([]uint64, words),
	}
}

// NumBits returns the size of the bit array
func (Filter *Filter) NumBits() uint64 { return Filter.numBits }

// NumHashes returns the number of hash functions applied per insertion
func (Filter *Filter) NumHashes() uint8 { return Filter.numHashes }

// Count returns an estimate of the number of distinct hashes inserted
func (Filter *Filter) Count() uint64 { return Filter.count }

// splitmix64 is the finaliser of the SplitMix64 generator, used here as a cheap
// seeded mix to derive independent bit positions from one hash value
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// positions derives the bit positions for a hash value via double hashing:
// g_i(h) = h1 + i*h2 (mod m), with h1 and h2 from two seeded mixes of h
func (Filter *Filter) positions(hv uint64, out []uint64) []uint64 {
	h1 := splitmix64(hv ^ seed1)
	h2 := splitmix64(hv^seed2) | 1
	for i := uint8(0); i < Filter.numHashes; i++ {
		out = append(out, (h1+uint64(i)*h2)%Filter.numBits)
	}
	return out
}

// Add is a method to mark a hash value as present in the filter
func (Filter *Filter) Add(hv uint64) {
	positions := Filter.positions(hv, make([]uint64, 0, Filter.numHashes))
	Filter.lock.Lock()
	for _, pos := range positions {
		Filter.bits[pos/64] |= mask[pos%64]
	}
	Filter.count++
	Filter.lock.Unlock()
}

// Check is a method to test a hash value against the filter: a false return is
// definitive, a true return may be a false positive
func (Filter *Filter) Check(hv uint64) bool {
	positions := Filter.positions(hv, make([]uint64, 0, Filter.numHashes))
	Filter.lock.RLock()
	defer Filter.lock.RUnlock()
	for _, pos := range positions {
		if Filter.bits[pos/64]&mask[pos%64] == 0 {
			return false
		}
	}
	return true
}

// EstimateContainment returns the fraction of the given hash values that test
// positive against the filter. As the filter has no false negatives this is a
// safe upper bound on the true containment of the hash set in the filtered set.
func (Filter *Filter) EstimateContainment(hashes []uint64) float64 {
	if len(hashes) == 0 {
		return 0.0
	}
	scratch := make([]uint64, 0, Filter.numHashes)
	hits := 0
	Filter.lock.RLock()
	defer Filter.lock.RUnlock()
	for _, hv := range hashes {
		scratch = Filter.positions(hv, scratch[:0])
		present := true
		for _, pos := range scratch {
			if Filter.bits[pos/64]&mask[pos%64] == 0 {
				present = false
				break
			}
		}
		if present {
			hits++
		}
	}
	return float64(hits) / float64(len(hashes))
}

// Union is a method to bitwise OR another filter into this one. Both filters
// must have identical size and hash function count.
func (Filter *Filter) Union(other *Filter) error {
	if Filter.numBits != other.numBits || Filter.numHashes != other.numHashes {
		return ErrSizeMismatch
	}
	other.lock.RLock()
	Filter.lock.Lock()
	for i := range Filter.bits {
		Filter.bits[i] |= other.bits[i]
	}
	Filter.count += other.count
	Filter.lock.Unlock()
	other.lock.RUnlock()
	return nil
}

// Copy returns a deep copy of the filter
func (bf *Filter) Copy() *Filter {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	cp := &Filter{
		numBits:   bf.numBits,
		numHashes: bf.numHashes,
		bits:      make([]uint64, len(bf.bits)),
		count:     bf.count,
	}
	copy(cp.bits, bf.bits)
	return cp
}

// FillRatio returns the fraction of set bits, a cheap saturation check
func (Filter *Filter) FillRatio() float64 {
	Filter.lock.RLock()
	defer Filter.lock.RUnlock()
	set := 0
	for _, word := range Filter.bits {
		for ; word != 0; word &= word - 1 {
			set++
		}
	}
	return float64(set) / float64(Filter.numBits)
}

// Words returns a copy of the underlying bit array, used for persistence
func (Filter *Filter) Words() []uint64 {
	Filter.lock.RLock()
	defer Filter.lock.RUnlock()
	words := make([]uint64, len(Filter.bits))
	copy(words, Filter.bits)
	return words
}

// FromWords rebuilds a filter from persisted fields
func FromWords(words []uint64, numHashes uint8, count uint64) *Filter {
	bits := make([]uint64, len(words))
	copy(bits, words)
	return &Filter{
		numBits:   uint64(len(words)) * 64,
		numHashes: numHashes,
		bits:      bits,
		count:     count,
	}
}
