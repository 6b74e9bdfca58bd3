package pipeline

/*
 this part of the pipeline will stream sequence records, validate them and
 sketch them in parallel, producing the merged sketches for a signature
*/

import (
	"io"
	"log"
	"sync"

	"github.com/shenwei356/bio/seqio/fastx"

	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/seqio"
	"github.com/fracmash/fracmash/src/sketch"
)

// SeqStreamer is a pipeline process that streams sequence records from
// FASTA/FASTQ files (plain or gzipped, with "-" for STDIN); format detection
// is delegated to the fastx reader
type SeqStreamer struct {
	info   *Info
	input  []string
	output chan *seqio.Sequence
}

// NewSeqStreamer is the constructor
func NewSeqStreamer(info *Info) *SeqStreamer {
	return &SeqStreamer{info: info, output: make(chan *seqio.Sequence, BUFFERSIZE)}
}

// Connect is the method to connect the SeqStreamer to some data source
func (proc *SeqStreamer) Connect(input []string) {
	proc.input = input
}

// Run is the method to run this process, which satisfies the pipeline interface
func (proc *SeqStreamer) Run() {
	defer close(proc.output)
	for _, file := range proc.input {
		reader, err := fastx.NewReader(nil, file, "")
		misc.ErrorCheck(err)
		for {
			record, err := reader.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				log.Fatal(err)
			}
			// the fastx reader recycles its record buffers, so copy before sending
			proc.output <- seqio.NewSequence(record.Name, record.Seq.Seq)
		}
		reader.Close()
	}
}

// SeqChecker is a pipeline process that validates and upper-cases records,
// keeping a tally as they pass through
type SeqChecker struct {
	info      *Info
	input     chan *seqio.Sequence
	output    chan *seqio.Sequence
	seqCount  int
	baseCount int
}

// NewSeqChecker is the constructor
func NewSeqChecker(info *Info) *SeqChecker {
	return &SeqChecker{info: info, output: make(chan *seqio.Sequence, BUFFERSIZE)}
}

// Connect is the method to join this process with the SeqStreamer
func (proc *SeqChecker) Connect(previous *SeqStreamer) {
	proc.input = previous.output
}

// Run is the method to run this process, which satisfies the pipeline interface
func (proc *SeqChecker) Run() {
	defer close(proc.output)
	for sequence := range proc.input {
		misc.ErrorCheck(sequence.BaseCheck())
		proc.seqCount++
		proc.baseCount += len(sequence.Seq)
		proc.output <- sequence
	}
}

// CollectStats returns the number of sequences and bases seen by the checker
func (proc *SeqChecker) CollectStats() (int, int) {
	return proc.seqCount, proc.baseCount
}

// SketchMinions is the final pipeline process: a pool of minions, each owning a
// private set of sketches, consume the record stream in parallel; once the
// stream is drained the per-minion sketches are merged. No state is shared
// while sketching, so the minions never contend.
type SketchMinions struct {
	info     *Info
	input    chan *seqio.Sequence
	sketches []*sketch.Sketch
	err      error
	lock     sync.Mutex
}

// NewSketchMinions is the constructor
func NewSketchMinions(info *Info) *SketchMinions {
	return &SketchMinions{info: info}
}

// Connect is the method to join this process with the SeqChecker
func (proc *SketchMinions) Connect(previous *SeqChecker) {
	proc.input = previous.output
}

// Run is the method to run this process, which satisfies the pipeline interface
func (proc *SketchMinions) Run() {
	numMinions := proc.info.NumProc
	if numMinions < 1 {
		numMinions = 1
	}
	minionSketches := make([][]*sketch.Sketch, numMinions)

	var wg sync.WaitGroup
	for i := 0; i < numMinions; i++ {
		wg.Add(1)
		go func(minionNum int) {
			defer wg.Done()
			sketches, err := proc.info.NewSketches()
			if err != nil {
				proc.recordError(err)
				return
			}
			for sequence := range proc.input {
				for _, s := range sketches {
					if err := s.AddSequence(sequence.Seq); err != nil {
						proc.recordError(err)
						return
					}
				}
			}
			minionSketches[minionNum] = sketches
		}(i)
	}
	wg.Wait()
	if proc.err != nil {
		// a failed minion stops consuming, so drain any straggling records to
		// release the upstream processes
		for range proc.input {
		}
		return
	}

	// merge the per-minion sketches into the final set
	for _, sketches := range minionSketches {
		if sketches == nil {
			continue
		}
		if proc.sketches == nil {
			proc.sketches = sketches
			continue
		}
		for i := range proc.sketches {
			if err := proc.sketches[i].Merge(sketches[i]); err != nil {
				proc.recordError(err)
				return
			}
		}
	}
}

// recordError keeps the first error raised by any minion
func (proc *SketchMinions) recordError(err error) {
	proc.lock.Lock()
	if proc.err == nil {
		proc.err = err
	}
	proc.lock.Unlock()
}

// GetSketches returns the merged sketches once the pipeline has run
func (proc *SketchMinions) GetSketches() ([]*sketch.Sketch, error) {
	return proc.sketches, proc.err
}
