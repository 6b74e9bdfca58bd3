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
	"github.com/spf13/viper"

	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/pipeline"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/version"
)

// the command line arguments
var (
	fastaFiles        *[]string // input FASTA/FASTQ file(s)
	kmerSizes         *[]uint   // k-mer size(s) to sketch at
	scaledFactor      *uint64   // FracMinHash scaling factor
	numMins           *uint     // bound the sketch to the num smallest hashes instead of scaling
	trackAbundance    *bool     // record per-hash abundances
	noCanonical       *bool     // hash the forward strand only
	strictBases       *bool     // fail a sequence on the first non-nucleotide character
	sigName           *string   // override the signature name
	sketchOutDir      *string   // directory to write signature files to
	defaultSketchDir  = "./fracmash-sketches-" + string(time.Now().Format("20060102150405"))
)

// the sketch command (used by cobra)
var sketchCmd = &cobra.Command{
	Use:   "sketch",
	Short: "Sketch the k-mer content of FASTA/FASTQ files into signatures",
	Long:  `Sketch the k-mer content of FASTA/FASTQ files into signatures`,
	Run: func(cmd *cobra.Command, args []string) {
		runSketch(cmd)
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return misc.CheckRequiredFlags(cmd.Flags())
	},
}

// a function to initialise the command line arguments
func init() {
	fastaFiles = sketchCmd.Flags().StringSliceP("fasta", "f", []string{}, "FASTA/FASTQ file(s) to sketch (omit to read STDIN)")
	kmerSizes = sketchCmd.Flags().UintSliceP("kmerSize", "k", []uint{31}, "k-mer size(s) to sketch at")
	scaledFactor = sketchCmd.Flags().Uint64P("scaled", "s", 1000, "FracMinHash scaling factor (keep 1 in scaled hashes)")
	numMins = sketchCmd.Flags().UintP("num", "n", 0, "bound sketches to the num smallest hashes instead of scaling")
	trackAbundance = sketchCmd.Flags().Bool("trackAbundance", false, "record the number of times each retained k-mer is seen")
	noCanonical = sketchCmd.Flags().Bool("noCanonical", false, "hash the forward strand only (skip canonicalisation)")
	strictBases = sketchCmd.Flags().Bool("strict", false, "fail a sequence on the first non-nucleotide character, rather than skipping")
	sigName = sketchCmd.Flags().String("name", "", "name to record in the signature (single input file only)")
	sketchOutDir = sketchCmd.PersistentFlags().StringP("outDir", "o", defaultSketchDir, "directory to write signature files to")
	RootCmd.AddCommand(sketchCmd)
}

// applySketchConfig overlays values from the optional config file onto any flag
// the user did not set on the command line
func applySketchConfig(cmd *cobra.Command) {
	if !cmd.Flags().Changed("kmerSize") && viper.IsSet("sketch.kmerSizes") {
		sizes := []uint{}
		for _, k := range viper.GetIntSlice("sketch.kmerSizes") {
			sizes = append(sizes, uint(k))
		}
		*kmerSizes = sizes
	}
	if !cmd.Flags().Changed("scaled") && viper.IsSet("sketch.scaled") {
		*scaledFactor = uint64(viper.GetInt64("sketch.scaled"))
	}
	if !cmd.Flags().Changed("num") && viper.IsSet("sketch.num") {
		*numMins = uint(viper.GetInt("sketch.num"))
	}
	if !cmd.Flags().Changed("trackAbundance") && viper.IsSet("sketch.trackAbundance") {
		*trackAbundance = viper.GetBool("sketch.trackAbundance")
	}
}

//  a function to check user supplied parameters
func sketchParamCheck(cmd *cobra.Command) error {
	// check the supplied file(s)
	if len(*fastaFiles) == 0 {
		if err := misc.CheckSTDIN(); err != nil {
			return err
		}
		*fastaFiles = []string{"-"}
		log.Printf("\tinput file: using STDIN")
	} else {
		for _, file := range *fastaFiles {
			if err := misc.CheckFile(file); err != nil {
				return err
			}
			if err := misc.CheckExt(file, []string{"fasta", "fastq", "fna", "fa", "fq"}); err != nil {
				return err
			}
		}
	}
	// the sizing modes are mutually exclusive
	if *numMins != 0 && cmd.Flags().Changed("scaled") {
		return fmt.Errorf("--num and --scaled are mutually exclusive sizing modes")
	}
	for _, k := range *kmerSizes {
		if k == 0 {
			return fmt.Errorf("k-mer size must be a positive integer")
		}
	}
	if *sigName != "" && len(*fastaFiles) > 1 {
		return fmt.Errorf("--name can only be used with a single input file")
	}
	// setup the outDir
	if _, err := os.Stat(*sketchOutDir); os.IsNotExist(err) {
		if err := os.MkdirAll(*sketchOutDir, 0700); err != nil {
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
  The main function for the sketch command
*/
func runSketch(cmd *cobra.Command) {
	// set up profiling
	if *profiling == true {
		defer profile.Start(profile.ProfilePath("./")).Stop()
	}
	// start logging
	logFH := misc.StartLogging(*logFile)
	defer logFH.Close()
	log.SetOutput(logFH)
	log.Printf("this is fracmash (version %s)", version.GetVersion())
	log.Printf("starting the sketch subcommand")
	// check the supplied parameters
	log.Printf("checking parameters...")
	applySketchConfig(cmd)
	misc.ErrorCheck(sketchParamCheck(cmd))
	sizingMode := fmt.Sprintf("scaled=%d", *scaledFactor)
	if *numMins != 0 {
		sizingMode = fmt.Sprintf("num=%d", *numMins)
	}
	log.Printf("\tprocessors: %d", *proc)
	log.Printf("\tk-mer size(s): %v", *kmerSizes)
	log.Printf("\tsizing mode: %v", sizingMode)
	log.Printf("\ttrack abundance: %v", *trackAbundance)
	log.Printf("\tcanonical k-mers: %v", !*noCanonical)

	// record the runtime info
	info := &pipeline.Info{
		Version:        version.GetVersion(),
		NumProc:        *proc,
		Profiling:      *profiling,
		KmerSizes:      *kmerSizes,
		TrackAbundance: *trackAbundance,
		NoCanonical:    *noCanonical,
		Strict:         *strictBases,
		OutDir:         *sketchOutDir,
	}
	if *numMins != 0 {
		info.SketchNum = *numMins
	} else {
		info.SketchScaled = *scaledFactor
	}

	// sketch each input file with its own pipeline run
	log.Printf("sketching...")
	for _, file := range *fastaFiles {
		sketchingPipeline := pipeline.NewPipeline()
		seqStreamer := pipeline.NewSeqStreamer(info)
		seqChecker := pipeline.NewSeqChecker(info)
		sketchMinions := pipeline.NewSketchMinions(info)
		seqStreamer.Connect([]string{file})
		seqChecker.Connect(seqStreamer)
		sketchMinions.Connect(seqChecker)
		sketchingPipeline.AddProcesses(seqStreamer, seqChecker, sketchMinions)
		sketchingPipeline.Run()

		sketches, err := sketchMinions.GetSketches()
		misc.ErrorCheck(err)
		seqCount, baseCount := seqChecker.CollectStats()

		// bundle the sketches into a signature and write it
		name := *sigName
		if name == "" {
			name = sigNameFromFile(file)
		}
		sig := signature.New(name, file, sketches...)
		sigFile := filepath.Join(*sketchOutDir, name+".sig")
		misc.ErrorCheck(sig.Dump(sigFile))
		log.Printf("\t%v: %d sequences, %d bases", file, seqCount, baseCount)
		for _, s := range sketches {
			log.Printf("\t\tk=%d: %d hashes retained", s.KmerSize(), s.Cardinality())
		}
		log.Printf("\t\tsaved signature to %v (id %v)", sigFile, sig.ID()[:8])
	}
	misc.ErrorCheck(info.Dump(filepath.Join(*sketchOutDir, "sketch.info")))
	log.Printf("\tsaved runtime info")
	log.Println("finished")
}

// sigNameFromFile derives a signature name from an input path
func sigNameFromFile(file string) string {
	if file == "-" {
		return "stdin"
	}
	base := filepath.Base(file)
	base = strings.TrimSuffix(base, ".gz")
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}
