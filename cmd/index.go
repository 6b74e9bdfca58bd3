// Copyright © 2020 the fracmash authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/fracmash/fracmash/src/bloom"
	"github.com/fracmash/fracmash/src/index"
	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/pipeline"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/version"
)

// the command line arguments
var (
	sigDir          *string  // directory containing the signature files
	sigList         []string // the collected signature files
	linearIndex     *bool    // build a flat index instead of an SBT
	fpRate          *float64 // target false positive rate for the SBT bloom filters
	indexOutDir     *string  // directory to save index files and log to
	defaultIndexDir = "./fracmash-index-" + string(time.Now().Format("20060102150405"))
)

// the index command (used by cobra)
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Organise a set of signatures into a searchable index",
	Long:  `Organise a set of signatures into a searchable index (Sequence Bloom Tree by default)`,
	Run: func(cmd *cobra.Command, args []string) {
		runIndex()
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return misc.CheckRequiredFlags(cmd.Flags())
	},
}

// a function to initialise the command line arguments
func init() {
	sigDir = indexCmd.Flags().StringP("sigDir", "s", "", "directory containing the signature (.sig) files - required")
	linearIndex = indexCmd.Flags().Bool("linear", false, "build a flat linear-scan index instead of a Sequence Bloom Tree")
	fpRate = indexCmd.Flags().Float64P("fpRate", "r", bloom.DefaultFPrate, "target false positive rate for the SBT bloom filters")
	indexOutDir = indexCmd.PersistentFlags().StringP("outDir", "o", defaultIndexDir, "directory to save index files to")
	indexCmd.MarkFlagRequired("sigDir")
	RootCmd.AddCommand(indexCmd)
}

//  a function to check user supplied parameters
func indexParamCheck() error {
	if *sigDir == "" {
		misc.ErrorCheck(fmt.Errorf("no signature directory specified - run `fracmash index --help` for more info on the command"))
	}
	if err := misc.CheckDir(*sigDir); err != nil {
		return err
	}
	// collect the signature files
	err := filepath.Walk(*sigDir, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// ignore dot files
		if f.Name()[0] == 46 {
			return nil
		}
		// ignore empty files
		if f.Size() == 0 {
			return nil
		}
		// keep anything with a .sig extension
		if strings.HasSuffix(path, ".sig") {
			sigList = append(sigList, path)
		}
		return nil
	})
	misc.ErrorCheck(err)
	if len(sigList) == 0 {
		return fmt.Errorf("no signature files (.sig) found in the supplied directory")
	}
	if *fpRate <= 0.0 || *fpRate >= 1.0 {
		return fmt.Errorf("false positive rate must be between 0 and 1")
	}
	// setup the outDir
	if _, err := os.Stat(*indexOutDir); os.IsNotExist(err) {
		if err := os.MkdirAll(*indexOutDir, 0700); err != nil {
			return fmt.Errorf("can't create specified output directory")
		}
	}
	// set number of processors to use
	if *proc <= 0 || *proc > runtime.NumCPU() {
		*proc = runtime.NumCPU()
	}
	runtime.GOMAXPROCS(*proc)
	return nil
}

/*
  The main function for the index command
*/
func runIndex() {
	// set up profiling
	if *profiling == true {
		defer profile.Start(profile.ProfilePath("./")).Stop()
	}
	// start logging
	logFH := misc.StartLogging(*logFile)
	defer logFH.Close()
	log.SetOutput(logFH)
	log.Printf("this is fracmash (version %s)", version.GetVersion())
	log.Printf("starting the index subcommand")
	// check the supplied files and then log some stuff
	log.Printf("checking parameters...")
	misc.ErrorCheck(indexParamCheck())
	log.Printf("\tprocessors: %d", *proc)
	log.Printf("\tnumber of signature files found: %d", len(sigList))
	indexType := "sbt"
	if *linearIndex {
		indexType = "linear"
	}
	log.Printf("\tindex type: %v", indexType)

	// load the signatures
	log.Printf("loading signatures...")
	sigs := make([]*signature.Signature, 0, len(sigList))
	largestSketch := uint64(0)
	for _, sigFile := range sigList {
		sig, err := signature.Load(sigFile)
		misc.ErrorCheck(err)
		sigs = append(sigs, sig)
		for _, s := range sig.Sketches {
			if uint64(s.Cardinality()) > largestSketch {
				largestSketch = uint64(s.Cardinality())
			}
		}
	}
	log.Printf("\tloaded %d signatures (largest sketch: %d hashes)", len(sigs), largestSketch)

	// create the index. SBT bloom filters are sized for the largest sketch in
	// the collection; upper nodes hold unions and so run above the target false
	// positive rate, which costs pruning efficiency but never search soundness.
	var db index.Index
	if *linearIndex {
		db = index.NewLinearIndex()
	} else {
		db = index.NewSBT(largestSketch, *fpRate)
		log.Printf("\ttarget false positive rate: %v", *fpRate)
	}

	// insert the signatures, with a progress bar on STDERR
	log.Printf("building %v index...", indexType)
	pbs := mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
	bar := pbs.AddBar(int64(len(sigs)),
		mpb.PrependDecorators(
			decor.Name("indexed signatures: "),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(), "done"),
		),
	)
	for _, sig := range sigs {
		misc.ErrorCheck(db.Insert(sig))
		bar.Increment()
	}
	pbs.Wait()

	// record the runtime info and save the index files
	info := &pipeline.Info{
		Version: version.GetVersion(),
		NumProc: *proc,
		FPrate:  *fpRate,
		OutDir:  *indexOutDir,
	}
	log.Printf("saving index files to \"%v\"...", *indexOutDir)
	misc.ErrorCheck(info.Dump(filepath.Join(*indexOutDir, "index.info")))
	log.Printf("\tsaved runtime info")
	misc.ErrorCheck(db.Dump(filepath.Join(*indexOutDir, "fracmash.index")))
	log.Printf("\tsaved %v index of %d signatures", indexType, len(sigs))
	log.Printf("\tmemory usage: %v", misc.PrintMemUsage())
	log.Println("finished")
}
