package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/fracmash/fracmash/src/version"
)

///////////////////////////////////////////////////////////////////////////////////////////////

/*
TEST DATA
*/
// a small FASTA file with three contigs, one containing an ambiguous base
var fastaList = []string{"test-data/test-genomes.fna"}

///////////////////////////////////////////////////////////////////////////////////////////////

/*
TEST PARAMETERS
*/
var testParameters = &Info{
	NumProc:      2,
	Version:      version.GetVersion(),
	KmerSizes:    []uint{7, 11},
	SketchScaled: 1,
	FPrate:       0.01,
}

///////////////////////////////////////////////////////////////////////////////////////////////

// test the pipeline assembly
func TestPipeline(t *testing.T) {
	newPipeline := NewPipeline()
	if newPipeline.GetNumProcesses() != 0 {
		t.Fatal("pipeline setup failed")
	}
	streamer := NewSeqStreamer(testParameters)
	checker := NewSeqChecker(testParameters)
	minions := NewSketchMinions(testParameters)
	newPipeline.AddProcesses(streamer, checker, minions)
	if newPipeline.GetNumProcesses() != 3 {
		t.Fatal("pipeline did not register all processes")
	}
}

// test the runtime info dump/load
func TestInfoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sketch.info")
	if err := testParameters.Dump(path); err != nil {
		t.Fatal(err)
	}
	loaded := &Info{}
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Version != version.GetVersion() || len(loaded.KmerSizes) != 2 || loaded.SketchScaled != testParameters.SketchScaled {
		t.Fatal("runtime info did not survive the round trip")
	}
	// info written by a different version must be refused
	stale := &Info{Version: "0.0.1", KmerSizes: []uint{7}, SketchScaled: 1}
	if err := stale.Dump(path); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(path); err == nil {
		t.Fatal("runtime info from a mismatched version should be refused")
	}
}

// sketches built from the runtime info must follow its parameters
func TestNewSketches(t *testing.T) {
	sketches, err := testParameters.NewSketches()
	if err != nil {
		t.Fatal(err)
	}
	if len(sketches) != 2 || sketches[0].KmerSize() != 7 || sketches[1].KmerSize() != 11 {
		t.Fatal("NewSketches did not honour the requested k-mer sizes")
	}
	if !sketches[0].IsScaled() || sketches[0].Scaled() != testParameters.SketchScaled {
		t.Fatal("NewSketches did not honour the sizing mode")
	}
	// nonsense parameters surface as errors
	broken := &Info{KmerSizes: []uint{7}}
	if _, err := broken.NewSketches(); err == nil {
		t.Fatal("an info without a sizing mode should be refused")
	}
}
