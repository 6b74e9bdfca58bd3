/*
	the seqio package contains custom types and methods for holding and processing sequence data
*/
package seqio

import (
	"fmt"
	"unicode"
)

// complementBases is the lookup table used during reverse complementation
var complementBases = []byte{
	'A': 'T',
	'T': 'A',
	'C': 'G',
	'G': 'C',
	'N': 'N',
}

// Sequence is the base type for a sequence record
type Sequence struct {
	ID  []byte
	Seq []byte
}

// NewSequence is the Sequence constructor, copying the provided slices so that
// upstream buffers can be recycled by the reader
func NewSequence(id, seq []byte) *Sequence {
	return &Sequence{
		ID:  append([]byte(nil), id...),
		Seq: append([]byte(nil), seq...),
	}
}

// BaseCheck is a method to check for ACTGN bases and also to convert bases to upper case.
// Unrecognised bases are replaced with N, which the k-mer decomposition will then skip or
// reject depending on the requested ambiguity policy.
func (Sequence *Sequence) BaseCheck() error {
	if len(Sequence.Seq) == 0 {
		return fmt.Errorf("sequence %v is empty", string(Sequence.ID))
	}
	for i, j := 0, len(Sequence.Seq); i < j; i++ {
		switch base := unicode.ToUpper(rune(Sequence.Seq[i])); base {
		case 'A':
			Sequence.Seq[i] = byte(base)
		case 'C':
			Sequence.Seq[i] = byte(base)
		case 'T':
			Sequence.Seq[i] = byte(base)
		case 'G':
			Sequence.Seq[i] = byte(base)
		case 'N':
			Sequence.Seq[i] = byte(base)
		default:
			Sequence.Seq[i] = byte('N')
		}
	}
	return nil
}

// RevComplement is a method to reverse complement the sequence held by a Sequence
func (Sequence *Sequence) RevComplement() {
	for i, j := 0, len(Sequence.Seq); i < j; i++ {
		Sequence.Seq[i] = complementBases[Sequence.Seq[i]]
	}
	for i, j := 0, len(Sequence.Seq)-1; i <= j; i, j = i+1, j-1 {
		Sequence.Seq[i], Sequence.Seq[j] = Sequence.Seq[j], Sequence.Seq[i]
	}
}
