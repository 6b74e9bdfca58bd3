package index

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/fracmash/fracmash/src/bloom"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
)

// setup variables
var (
	kmerSize = uint(7)
	fpRate   = bloom.DefaultFPrate
)

// sigFromHashes is a helper function to build a one-sketch signature holding
// the given hash values
func sigFromHashes(t testing.TB, name string, hashes []uint64) *signature.Signature {
	s, err := sketch.New(kmerSize, sketch.WithScaled(1))
	if err != nil {
		t.Fatal(err)
	}
	for _, hv := range hashes {
		s.AddHash(hv)
	}
	return signature.New(name, "", s)
}

// queryFromHashes is a helper function to build a query sketch
func queryFromHashes(t testing.TB, hashes []uint64) *sketch.Sketch {
	s, err := sketch.New(kmerSize, sketch.WithScaled(1))
	if err != nil {
		t.Fatal(err)
	}
	for _, hv := range hashes {
		s.AddHash(hv)
	}
	return s
}

// rangeHashes is a helper function for contiguous hash sets
func rangeHashes(from, to uint64) []uint64 {
	hashes := make([]uint64, 0, to-from)
	for hv := from; hv < to; hv++ {
		hashes = append(hashes, hv)
	}
	return hashes
}

// basic linear index behaviour
func TestLinearIndex(t *testing.T) {
	db := NewLinearIndex()
	if _, err := db.Search(context.Background(), queryFromHashes(t, rangeHashes(0, 10)), 0.0, SimilaritySearch); err != ErrNotFound {
		t.Fatal("searching an empty index should report ErrNotFound")
	}
	if err := db.Insert(nil); err == nil {
		t.Fatal("inserting a nil signature should fail")
	}
	if err := db.Insert(sigFromHashes(t, "ref1", rangeHashes(0, 100))); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(sigFromHashes(t, "ref2", rangeHashes(1000, 1100))); err != nil {
		t.Fatal(err)
	}
	results, err := db.Search(context.Background(), queryFromHashes(t, rangeHashes(0, 100)), 0.95, SimilaritySearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Name != "ref1" || results[0].Score != 1.0 {
		t.Fatalf("expected a single perfect match to ref1, got: %v", results)
	}
	if len(db.Signatures()) != 2 {
		t.Fatal("the index should report both signatures")
	}
}

// containment mode ranks by the fraction of the query found in the reference
func TestContainmentSearch(t *testing.T) {
	db := NewLinearIndex()
	if err := db.Insert(sigFromHashes(t, "superset", rangeHashes(0, 200))); err != nil {
		t.Fatal(err)
	}
	query := queryFromHashes(t, rangeHashes(0, 100))
	results, err := db.Search(context.Background(), query, 0.9, ContainmentSearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 1.0 {
		t.Fatalf("the query is fully contained, expected a containment of 1.0, got: %v", results)
	}
	if results[0].Intersect != 100 {
		t.Fatalf("expected 100 shared k-mers, got: %d", results[0].Intersect)
	}
	// in similarity mode the same pair scores 0.5
	results, err = db.Search(context.Background(), query, 0.0, SimilaritySearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 0.5 {
		t.Fatalf("expected a similarity of 0.5, got: %v", results)
	}
}

// basic tree behaviour
func TestSBT(t *testing.T) {
	db := NewSBT(100, fpRate)
	if _, err := db.Search(context.Background(), queryFromHashes(t, rangeHashes(0, 10)), 0.0, SimilaritySearch); err != ErrNotFound {
		t.Fatal("searching an empty tree should report ErrNotFound")
	}
	if err := db.Insert(sigFromHashes(t, "empty", nil)); err == nil {
		t.Fatal("inserting a signature with no hashes should fail")
	}
	for i := 0; i < 5; i++ {
		from := uint64(i * 1000)
		if err := db.Insert(sigFromHashes(t, fmt.Sprintf("ref%d", i), rangeHashes(from, from+100))); err != nil {
			t.Fatal(err)
		}
	}
	if db.NumSignatures() != 5 {
		t.Fatalf("expected 5 leaves, got %d", db.NumSignatures())
	}
	if len(db.Signatures()) != 5 {
		t.Fatal("the tree should report every inserted signature")
	}
	results, err := db.Search(context.Background(), queryFromHashes(t, rangeHashes(2000, 2100)), 0.95, SimilaritySearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Name != "ref2" || results[0].Score != 1.0 {
		t.Fatalf("expected a single perfect match to ref2, got: %v", results)
	}
	// an empty query matches nothing
	results, err = db.Search(context.Background(), queryFromHashes(t, nil), 0.5, SimilaritySearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("an empty query should return no results, got: %v", results)
	}
}

// the pruned tree search must return exactly what the exhaustive scan returns
func TestSBTMatchesLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := NewSBT(60, fpRate)
	flat := NewLinearIndex()

	// random signatures over a small hash universe so overlaps are common
	for i := 0; i < 20; i++ {
		hashes := make(map[uint64]struct{})
		for len(hashes) < 40+rng.Intn(20) {
			hashes[uint64(rng.Intn(400))] = struct{}{}
		}
		flatHashes := make([]uint64, 0, len(hashes))
		for hv := range hashes {
			flatHashes = append(flatHashes, hv)
		}
		sig := sigFromHashes(t, fmt.Sprintf("ref%d", i), flatHashes)
		if err := tree.Insert(sig); err != nil {
			t.Fatal(err)
		}
		if err := flat.Insert(sig); err != nil {
			t.Fatal(err)
		}
	}

	for trial := 0; trial < 10; trial++ {
		queryHashes := []uint64{}
		for hv := uint64(0); hv < 400; hv++ {
			if rng.Intn(8) == 0 {
				queryHashes = append(queryHashes, hv)
			}
		}
		query := queryFromHashes(t, queryHashes)
		for _, mode := range []SearchMode{SimilaritySearch, ContainmentSearch} {
			for _, threshold := range []float64{0.05, 0.2, 0.5} {
				fromTree, err := tree.Search(context.Background(), query, threshold, mode)
				if err != nil {
					t.Fatal(err)
				}
				fromFlat, err := flat.Search(context.Background(), query, threshold, mode)
				if err != nil {
					t.Fatal(err)
				}
				if len(fromTree) != len(fromFlat) {
					t.Fatalf("%v search at %.2f: tree found %d results, scan found %d", mode, threshold, len(fromTree), len(fromFlat))
				}
				for i := range fromTree {
					if fromTree[i] != fromFlat[i] {
						t.Fatalf("%v search at %.2f: result %d differs (%v vs %v)", mode, threshold, i, fromTree[i], fromFlat[i])
					}
				}
			}
		}
	}
}

// dump/load round trips for both variants
func TestIndexRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	query := queryFromHashes(t, rangeHashes(0, 100))

	tree := NewSBT(100, fpRate)
	flat := NewLinearIndex()
	for i := 0; i < 4; i++ {
		from := uint64(i * 50)
		sig := sigFromHashes(t, fmt.Sprintf("ref%d", i), rangeHashes(from, from+100))
		if err := tree.Insert(sig); err != nil {
			t.Fatal(err)
		}
		if err := flat.Insert(sig); err != nil {
			t.Fatal(err)
		}
	}

	for name, db := range map[string]Index{"sbt": tree, "linear": flat} {
		path := filepath.Join(tmp, name+".index")
		if err := db.Dump(path); err != nil {
			t.Fatal(err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(loaded.Signatures()) != 4 {
			t.Fatalf("%v: expected 4 signatures after the round trip, got %d", name, len(loaded.Signatures()))
		}
		want, err := db.Search(context.Background(), query, 0.1, SimilaritySearch)
		if err != nil {
			t.Fatal(err)
		}
		got, err := loaded.Search(context.Background(), query, 0.1, SimilaritySearch)
		if err != nil {
			t.Fatal(err)
		}
		if len(want) != len(got) {
			t.Fatalf("%v: search results changed across the round trip", name)
		}
		for i := range want {
			if want[i] != got[i] {
				t.Fatalf("%v: result %d changed across the round trip (%v vs %v)", name, i, want[i], got[i])
			}
		}
	}

	// an empty tree survives the round trip too
	empty := NewSBT(100, fpRate)
	path := filepath.Join(tmp, "empty.index")
	if err := empty.Dump(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Signatures()) != 0 {
		t.Fatal("an empty tree should load as an empty tree")
	}
}

// load failure modes
func TestLoadErrors(t *testing.T) {
	if _, err := LoadFromBytes(nil); !errors.Is(err, ErrCorruptData) {
		t.Fatal("an empty file should report ErrCorruptData")
	}
	if _, err := LoadFromBytes([]byte("not msgpack")); !errors.Is(err, ErrCorruptData) {
		t.Fatal("a garbage file should report ErrCorruptData")
	}

	marshal := func(record indexFileRecord) []byte {
		data, err := msgpack.Marshal(record)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	// a version from the future is a format error
	if _, err := LoadFromBytes(marshal(indexFileRecord{FormatVersion: indexFormatVersion + 1, IndexType: typeLinear})); !errors.Is(err, ErrFormat) {
		t.Fatal("a future format version should report ErrFormat")
	}

	// an unknown variant tag is corrupt
	if _, err := LoadFromBytes(marshal(indexFileRecord{FormatVersion: indexFormatVersion, IndexType: "btree"})); !errors.Is(err, ErrCorruptData) {
		t.Fatal("an unknown index type should report ErrCorruptData")
	}

	// a decodable leaf payload, so topology checks are what each fixture trips on
	leafSig, err := sigFromHashes(t, "leaf", rangeHashes(0, 5)).Encode()
	if err != nil {
		t.Fatal(err)
	}

	// a dangling child id is corrupt
	broken := indexFileRecord{
		FormatVersion: indexFormatVersion,
		IndexType:     typeSBT,
		FilterBits:    64,
		NumHashes:     1,
		RootID:        1,
		Nodes: []nodeRecord{
			{ID: 1, LeftID: 2, RightID: 3, FilterWords: []uint64{0}},
			{ID: 2, FilterWords: []uint64{0}, Sig: leafSig},
		},
	}
	if _, err := LoadFromBytes(marshal(broken)); !errors.Is(err, ErrCorruptData) {
		t.Fatal("a dangling child id should report ErrCorruptData")
	}

	// duplicate node ids are corrupt
	broken.Nodes = []nodeRecord{
		{ID: 1, FilterWords: []uint64{0}, Sig: leafSig},
		{ID: 1, FilterWords: []uint64{0}, Sig: leafSig},
	}
	if _, err := LoadFromBytes(marshal(broken)); !errors.Is(err, ErrCorruptData) {
		t.Fatal("duplicate node ids should report ErrCorruptData")
	}

	// a filter that disagrees with the declared tree shape is corrupt
	broken.Nodes = []nodeRecord{{ID: 1, FilterWords: []uint64{0, 0}, Sig: leafSig}}
	if _, err := LoadFromBytes(marshal(broken)); !errors.Is(err, ErrCorruptData) {
		t.Fatal("a mis-sized filter should report ErrCorruptData")
	}

	// an undecodable leaf payload is corrupt
	broken.Nodes = []nodeRecord{{ID: 1, FilterWords: []uint64{0}, Sig: []byte{1}}}
	if _, err := LoadFromBytes(marshal(broken)); !errors.Is(err, ErrCorruptData) {
		t.Fatal("an undecodable leaf payload should report ErrCorruptData")
	}

	// a declared filter shape the tree cannot search with is corrupt: these
	// records must be rejected at load, not blow up on the first lookup
	for _, shape := range []struct {
		bits      uint64
		numHashes uint8
	}{
		{0, 1},
		{100, 1},
		{64, 0},
	} {
		broken.FilterBits = shape.bits
		broken.NumHashes = shape.numHashes
		loaded, err := LoadFromBytes(marshal(broken))
		if !errors.Is(err, ErrCorruptData) {
			t.Fatalf("filter shape %d bits / %d hashes should report ErrCorruptData", shape.bits, shape.numHashes)
		}
		if loaded != nil {
			t.Fatal("a rejected record should not produce an index")
		}
	}
}

// searches stop promptly once the context is cancelled
func TestSearchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	query := queryFromHashes(t, rangeHashes(0, 10))

	tree := NewSBT(100, fpRate)
	if err := tree.Insert(sigFromHashes(t, "ref", rangeHashes(0, 100))); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Search(ctx, query, 0.0, SimilaritySearch); err != context.Canceled {
		t.Fatal("a cancelled tree search should report context.Canceled")
	}

	flat := NewLinearIndex()
	if err := flat.Insert(sigFromHashes(t, "ref", rangeHashes(0, 100))); err != nil {
		t.Fatal(err)
	}
	if _, err := flat.Search(ctx, query, 0.0, SimilaritySearch); err != context.Canceled {
		t.Fatal("a cancelled scan should report context.Canceled")
	}
}

// benchmark tree search against 50 signatures
func BenchmarkSBTSearch(b *testing.B) {
	rng := rand.New(rand.NewSource(7))
	tree := NewSBT(1000, fpRate)
	for i := 0; i < 50; i++ {
		hashes := make([]uint64, 1000)
		for j := range hashes {
			hashes[j] = rng.Uint64()
		}
		if err := tree.Insert(sigFromHashes(b, fmt.Sprintf("ref%d", i), hashes)); err != nil {
			b.Fatal(err)
		}
	}
	query := queryFromHashes(b, rangeHashes(0, 1000))
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := tree.Search(context.Background(), query, 0.5, SimilaritySearch); err != nil {
			b.Fatal(err)
		}
	}
}
