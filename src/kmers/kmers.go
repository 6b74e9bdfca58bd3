// Package kmers decomposes nucleotide sequences into k-mers and emits one 64-bit
// hash value per window, using the ntHash rolling hash function. Canonical hashing
// (the smaller of the forward and reverse complement hash) is the default.
package kmers

import (
	"errors"
	"fmt"

	"github.com/will-rowe/ntHash"
)

// ErrInvalidK is returned when a k-mer size of zero is requested
var ErrInvalidK = errors.New("k-mer size must be a positive integer")

// seqNT4table maps nucleotides (either case) to 0-3, with 4 marking anything
// that cannot be part of a k-mer window (ambiguity codes, gaps etc.)
var seqNT4table [256]uint8

func init() {
	for i := range seqNT4table {
		seqNT4table[i] = 4
	}
	seqNT4table['A'], seqNT4table['a'] = 0, 0
	seqNT4table['C'], seqNT4table['c'] = 1, 1
	seqNT4table['G'], seqNT4table['g'] = 2, 2
	seqNT4table['T'], seqNT4table['t'] = 3, 3
}

// toUpper converts a nucleotide to upper case without touching non-letters
func toUpper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 32
	}
	return b
}

// Extractor slides a window of length k over a sequence and hashes each window
type Extractor struct {
	kmerSize  uint
	canonical bool // hash the canonical k-mer, rather than the forward strand only
	strict    bool // fail a sequence on the first non-nucleotide character
}

// NewExtractor is the Extractor constructor
func NewExtractor(kmerSize uint, canonical, strict bool) (*Extractor, error) {
	if kmerSize == 0 {
		return nil, ErrInvalidK
	}
	return &Extractor{
		kmerSize:  kmerSize,
		canonical: canonical,
		strict:    strict,
	}, nil
}

// KmerSize returns the window length used by the extractor
func (Extractor *Extractor) KmerSize() uint {
	return Extractor.kmerSize
}

// Hashes is a method to decompose a sequence into k-mers and stream their hash values.
// A sequence shorter than k yields an empty stream, not an error. In strict mode the
// first non-nucleotide character fails the whole sequence; in the default lenient mode
// every window overlapping such a character is skipped and hashing continues either side.
// The returned channel is closed once the sequence is exhausted; calling Hashes again
// restarts the decomposition from the beginning. The caller must drain the channel:
// abandoning it mid-stream blocks the emitting goroutine forever, as the underlying
// ntHash stream carries the same contract and cannot be stopped early.
func (Extractor *Extractor) Hashes(sequence []byte) (<-chan uint64, error) {

	// the ambiguity scan happens up front so that strict failures are synchronous
	runs, err := Extractor.validRuns(sequence)
	if err != nil {
		return nil, err
	}

	hvChan := make(chan uint64, 64)
	go func() {
		defer close(hvChan)
		for _, run := range runs {
			seq := run
			hasher, err := ntHash.New(&seq, Extractor.kmerSize)
			if err != nil {
				continue
			}
			for hv := range hasher.Hash(Extractor.canonical) {
				hvChan <- hv
			}
		}
	}()
	return hvChan, nil
}

// validRuns splits a sequence into maximal runs of unambiguous nucleotides,
// upper-cased and copied so the caller's buffer can be recycled. Runs shorter
// than k can't contain a window and are discarded.
func (Extractor *Extractor) validRuns(sequence []byte) ([][]byte, error) {
	runs := [][]byte{}
	runStart := -1
	for i := 0; i < len(sequence); i++ {
		if seqNT4table[sequence[i]] > 3 {
			if Extractor.strict {
				return nil, fmt.Errorf("non-nucleotide character %q at position %d", string(sequence[i]), i)
			}
			if runStart >= 0 && i-runStart >= int(Extractor.kmerSize) {
				runs = append(runs, copyUpper(sequence[runStart:i]))
			}
			runStart = -1
			continue
		}
		if runStart < 0 {
			runStart = i
		}
	}
	if runStart >= 0 && len(sequence)-runStart >= int(Extractor.kmerSize) {
		runs = append(runs, copyUpper(sequence[runStart:]))
	}
	return runs, nil
}

// copyUpper returns an upper-cased copy of a sequence chunk
func copyUpper(chunk []byte) []byte {
	cp := make([]byte, len(chunk))
	for i := range chunk {
		cp[i] = toUpper(chunk[i])
	}
	return cp
}
