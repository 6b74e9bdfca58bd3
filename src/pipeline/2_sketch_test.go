package pipeline

import (
	"testing"

	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/sketch"
)

// run the whole sketching pipeline over the test file
func TestSketchPipeline(t *testing.T) {
	streamer := NewSeqStreamer(testParameters)
	checker := NewSeqChecker(testParameters)
	minions := NewSketchMinions(testParameters)
	streamer.Connect(fastaList)
	checker.Connect(streamer)
	minions.Connect(checker)

	sketchPipeline := NewPipeline()
	sketchPipeline.AddProcesses(streamer, checker, minions)
	sketchPipeline.Run()

	// the checker saw every record and base
	seqCount, baseCount := checker.CollectStats()
	if seqCount != 3 {
		t.Fatalf("expected 3 sequences in the test file, the checker saw %d", seqCount)
	}
	if baseCount != 240 {
		t.Fatalf("expected 240 bases in the test file, the checker saw %d", baseCount)
	}

	// one sketch per requested k-mer size, each with content
	sketches, err := minions.GetSketches()
	if err != nil {
		t.Fatal(err)
	}
	if len(sketches) != len(testParameters.KmerSizes) {
		t.Fatalf("expected %d sketches, got %d", len(testParameters.KmerSizes), len(sketches))
	}
	for i, s := range sketches {
		if s.KmerSize() != testParameters.KmerSizes[i] {
			t.Fatalf("sketch %d has the wrong k-mer size", i)
		}
		if s.Cardinality() == 0 {
			t.Fatalf("sketch %d is empty", i)
		}
	}

	// at scaled=1 the merged sketch is the exact distinct k-mer hash set, so a
	// second single-minion run over the same file must produce identical content
	soloParameters := *testParameters
	soloParameters.NumProc = 1
	soloStreamer := NewSeqStreamer(&soloParameters)
	soloChecker := NewSeqChecker(&soloParameters)
	soloMinions := NewSketchMinions(&soloParameters)
	soloStreamer.Connect(fastaList)
	soloChecker.Connect(soloStreamer)
	soloMinions.Connect(soloChecker)
	soloPipeline := NewPipeline()
	soloPipeline.AddProcesses(soloStreamer, soloChecker, soloMinions)
	soloPipeline.Run()
	soloSketches, err := soloMinions.GetSketches()
	if err != nil {
		t.Fatal(err)
	}
	for i := range sketches {
		if !misc.Uint64SliceEqual(sketches[i].GetSketch(), soloSketches[i].GetSketch()) {
			t.Fatalf("parallel and single-minion runs disagree on sketch %d", i)
		}
	}
}

// the minions surface sketching failures instead of panicking
func TestSketchPipelineFailure(t *testing.T) {
	strictParameters := *testParameters
	strictParameters.Strict = true
	streamer := NewSeqStreamer(&strictParameters)
	checker := NewSeqChecker(&strictParameters)
	minions := NewSketchMinions(&strictParameters)
	streamer.Connect(fastaList)
	checker.Connect(streamer)
	minions.Connect(checker)
	failPipeline := NewPipeline()
	failPipeline.AddProcesses(streamer, checker, minions)
	failPipeline.Run()

	// the test file contains an N, which strict sketching must refuse
	if _, err := minions.GetSketches(); err == nil {
		t.Fatal("strict sketching of a sequence with ambiguous bases should fail")
	}
}

// the merged pipeline output must match sketching the records directly
func TestSketchPipelineAgainstDirect(t *testing.T) {
	streamer := NewSeqStreamer(testParameters)
	checker := NewSeqChecker(testParameters)
	streamer.Connect(fastaList)
	checker.Connect(streamer)
	go streamer.Run()
	go checker.Run()

	direct, err := sketch.New(testParameters.KmerSizes[0], sketch.WithScaled(testParameters.SketchScaled))
	if err != nil {
		t.Fatal(err)
	}
	for sequence := range checker.output {
		if err := direct.AddSequence(sequence.Seq); err != nil {
			t.Fatal(err)
		}
	}

	minionRun := NewSketchMinions(testParameters)
	minionStreamer := NewSeqStreamer(testParameters)
	minionChecker := NewSeqChecker(testParameters)
	minionStreamer.Connect(fastaList)
	minionChecker.Connect(minionStreamer)
	minionRun.Connect(minionChecker)
	minionPipeline := NewPipeline()
	minionPipeline.AddProcesses(minionStreamer, minionChecker, minionRun)
	minionPipeline.Run()
	sketches, err := minionRun.GetSketches()
	if err != nil {
		t.Fatal(err)
	}
	if !misc.Uint64SliceEqual(direct.GetSketch(), sketches[0].GetSketch()) {
		t.Fatal("the pipeline sketch disagrees with direct sketching")
	}
}
