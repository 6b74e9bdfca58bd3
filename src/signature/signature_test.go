package signature

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/fracmash/fracmash/src/sketch"
)

// setup variables
var (
	kmerSize = uint(7)
	seqA     = []byte("ACTGCGTGCGTGAAACGTGCACGTGACGTG")
)

// testSignature is a helper function to build a signature for the tests
func testSignature(t *testing.T) *Signature {
	s1, err := sketch.New(kmerSize, sketch.WithScaled(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.AddSequence(seqA); err != nil {
		t.Fatal(err)
	}
	s2, err := sketch.New(kmerSize+4, sketch.WithNum(10))
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.AddSequence(seqA); err != nil {
		t.Fatal(err)
	}
	return New("test genome", "test.fna", s1, s2)
}

// Constructor test
func TestSignatureConstructor(t *testing.T) {
	sig := testSignature(t)
	if sig.Name != "test genome" || sig.Filename != "test.fna" || len(sig.Sketches) != 2 {
		t.Fatal("constructor did not initiate the signature correctly")
	}
	if sig.License != DefaultLicense {
		t.Fatalf("constructor should apply the default license, got: %v", sig.License)
	}
	if sig.Created == "" {
		t.Fatal("constructor should record a creation timestamp")
	}
}

// the content hash must track hash content only, never metadata
func TestSignatureID(t *testing.T) {
	sig := testSignature(t)
	id := sig.ID()
	sig.Rename("something else")
	if sig.ID() != id {
		t.Fatal("a metadata edit should not change the signature ID")
	}
	// different hash content means a different ID
	other := testSignature(t)
	other.Sketches[0].AddHash(42)
	if other.ID() == id {
		t.Fatal("different hash content should give a different signature ID")
	}

	// strandedness is part of the content: identical hashes sketched with and
	// without canonical k-mer hashing must not share an ID
	canonical, err := sketch.New(kmerSize, sketch.WithScaled(1))
	if err != nil {
		t.Fatal(err)
	}
	forwardOnly, err := sketch.New(kmerSize, sketch.WithScaled(1), sketch.WithNoCanonical())
	if err != nil {
		t.Fatal(err)
	}
	canonical.AddHash(42)
	forwardOnly.AddHash(42)
	if New("a", "a.fna", canonical).ID() == New("a", "a.fna", forwardOnly).ID() {
		t.Fatal("the strand flag should be part of the signature ID")
	}
}

// compatible sketch selection
func TestCompatibleSketch(t *testing.T) {
	sig := testSignature(t)
	query, err := sketch.New(kmerSize, sketch.WithScaled(500))
	if err != nil {
		t.Fatal(err)
	}
	if found := sig.SketchCompatibleWith(query); found == nil || found.KmerSize() != kmerSize {
		t.Fatal("the scaled sketch should be comparable with a scaled query at the same k")
	}
	// a num query at the scaled sketch's k finds nothing
	numQuery, err := sketch.New(kmerSize, sketch.WithNum(10))
	if err != nil {
		t.Fatal(err)
	}
	if found := sig.SketchCompatibleWith(numQuery); found != nil {
		t.Fatal("mixed sizing modes should find no comparable sketch")
	}
	// pair selection between signatures
	if _, _, err := CompatibleSketchPair(sig, testSignature(t)); err != nil {
		t.Fatal(err)
	}
	lonely, err := sketch.New(kmerSize+2, sketch.WithScaled(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := CompatibleSketchPair(sig, New("lonely", "", lonely)); err != ErrNoCompatibleSketch {
		t.Fatal("signatures with no shared parameters should report ErrNoCompatibleSketch")
	}
}

// encode/decode round trip through a file
func TestSignatureRoundTrip(t *testing.T) {
	sig := testSignature(t)
	path := filepath.Join(t.TempDir(), "test.sig")
	if err := sig.Dump(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !sig.Equal(loaded) {
		t.Fatal("the loaded signature does not match the original")
	}
	// abundance counts must survive the round trip
	tracked, err := sketch.New(kmerSize, sketch.WithScaled(1), sketch.WithAbundance())
	if err != nil {
		t.Fatal(err)
	}
	tracked.AddHash(7)
	tracked.AddHash(7)
	trackedSig := New("tracked", "", tracked)
	data, err := trackedSig.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	_, counts := decoded.Sketches[0].Abundances()
	if len(counts) != 1 || counts[0] != 2 {
		t.Fatalf("abundance counts did not survive the round trip: %v", counts)
	}
}

// decode failure modes
func TestDecodeErrors(t *testing.T) {
	// empty and garbage records are corrupt
	if _, err := DecodeFromBytes(nil); !errors.Is(err, ErrCorruptData) {
		t.Fatal("an empty record should report ErrCorruptData")
	}
	if _, err := DecodeFromBytes([]byte("not msgpack")); !errors.Is(err, ErrCorruptData) {
		t.Fatal("a garbage record should report ErrCorruptData")
	}

	// a version from the future is a format error
	future := sigRecord{
		FormatVersion: formatVersion + 1,
		Sketches:      []sketchRecord{{KmerSize: kmerSize, Scaled: 1, Canonical: true, Hashes: []uint64{1}}},
	}
	data, err := msgpack.Marshal(future)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFromBytes(data); !errors.Is(err, ErrFormat) {
		t.Fatal("a future format version should report ErrFormat")
	}

	// hash content violating the declared sizing mode is corrupt
	corrupt := sigRecord{
		FormatVersion: formatVersion,
		Sketches:      []sketchRecord{{KmerSize: kmerSize, Scaled: 1, Canonical: true, Hashes: []uint64{1, 1}}},
	}
	data, err = msgpack.Marshal(corrupt)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFromBytes(data); !errors.Is(err, ErrCorruptData) {
		t.Fatal("duplicate hashes should report ErrCorruptData")
	}

	// a signature without sketches is corrupt
	empty := sigRecord{FormatVersion: formatVersion}
	data, err = msgpack.Marshal(empty)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFromBytes(data); !errors.Is(err, ErrCorruptData) {
		t.Fatal("a signature without sketches should report ErrCorruptData")
	}

	// a short read from disk surfaces as a plain file error
	if _, err := Load(filepath.Join(t.TempDir(), "missing.sig")); !os.IsNotExist(err) {
		t.Fatal("loading a missing file should report the file error")
	}
}
