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
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/fracmash/fracmash/src/gather"
	"github.com/fracmash/fracmash/src/index"
	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/pipeline"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/version"
)

// the command line arguments
var (
	gatherQuery     *string  // the query signature file
	gatherIndexDir  *string  // directory containing the index files
	gatherThreshold *float64 // minimum containment of the residual query for a match to be kept
	gatherAbundance *bool    // weight the decomposition by k-mer abundance
	gatherK         *uint    // query sketch k-mer size to gather with
)

// the gather command (used by cobra)
var gatherCmd = &cobra.Command{
	Use:   "gather",
	Short: "Decompose a query signature against an index",
	Long:  `Decompose a query signature into a minimal set of reference signatures from an index`,
	Run: func(cmd *cobra.Command, args []string) {
		runGather()
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return misc.CheckRequiredFlags(cmd.Flags())
	},
}

// a function to initialise the command line arguments
func init() {
	gatherQuery = gatherCmd.Flags().StringP("query", "q", "", "query signature (.sig) file - required")
	gatherIndexDir = gatherCmd.Flags().StringP("indexDir", "i", "", "directory containing the index files - required")
	gatherThreshold = gatherCmd.Flags().Float64P("threshold", "t", 0.1, "minimum containment of the remaining query for a match to be kept")
	gatherAbundance = gatherCmd.Flags().Bool("abundance", false, "weight the decomposition by k-mer abundance (query must track abundance)")
	gatherK = gatherCmd.Flags().UintP("kmerSize", "k", 0, "query sketch k-mer size to gather with (default: first sketch in the query)")
	gatherCmd.MarkFlagRequired("query")
	gatherCmd.MarkFlagRequired("indexDir")
	RootCmd.AddCommand(gatherCmd)
}

//  a function to check user supplied parameters
func gatherParamCheck() error {
	if err := misc.CheckFile(*gatherQuery); err != nil {
		return err
	}
	if err := misc.CheckDir(*gatherIndexDir); err != nil {
		return err
	}
	for _, indexFile := range []string{"/fracmash.index", "/index.info"} {
		if err := misc.CheckFile(*gatherIndexDir + indexFile); err != nil {
			return err
		}
	}
	if *gatherThreshold < 0.0 || *gatherThreshold > 1.0 {
		return fmt.Errorf("threshold must be between 0 and 1")
	}
	return nil
}

/*
  The main function for the gather command
*/
func runGather() {
	// set up profiling
	if *profiling == true {
		defer profile.Start(profile.ProfilePath("./")).Stop()
	}
	// start logging
	logFH := misc.StartLogging(*logFile)
	defer logFH.Close()
	log.SetOutput(logFH)
	log.Printf("this is fracmash (version %s)", version.GetVersion())
	log.Printf("starting the gather subcommand")
	// check the supplied files and then log some stuff
	log.Printf("checking parameters...")
	misc.ErrorCheck(gatherParamCheck())
	log.Printf("\tquery: %v", *gatherQuery)
	log.Printf("\tthreshold: %.2f", *gatherThreshold)
	log.Printf("\tabundance weighting: %v", *gatherAbundance)

	// load the index and check it was built by a compatible version
	log.Printf("loading the index...")
	info := &pipeline.Info{}
	misc.ErrorCheck(info.Load(filepath.Join(*gatherIndexDir, "index.info")))
	db, err := index.Load(filepath.Join(*gatherIndexDir, "fracmash.index"))
	misc.ErrorCheck(err)
	log.Printf("\tloaded %d signatures", len(db.Signatures()))

	// load the query
	sig, err := signature.Load(*gatherQuery)
	misc.ErrorCheck(err)
	query, err := querySketchFromSig(sig, *gatherK)
	misc.ErrorCheck(err)
	log.Printf("\tquery sketch: k=%d, %d hashes", query.KmerSize(), query.Cardinality())

	// run the decomposition and report the matches
	log.Printf("gathering...")
	var opts []gather.Option
	if *gatherAbundance {
		opts = append(opts, gather.WithAbundance())
	}
	matches, err := gather.Gather(context.Background(), query, db, *gatherThreshold, opts...)
	misc.ErrorCheck(err)
	log.Printf("\tnumber of matches: %d", len(matches))
	totalExplained := 0.0
	fmt.Fprintf(os.Stdout, "fractionExplained\tsharedKmers\trefContainment\tid\tname\n")
	for _, match := range matches {
		totalExplained += match.FractionExplained
		fmt.Fprintf(os.Stdout, "%.3f\t%d\t%.3f\t%v\t%v\n", match.FractionExplained, match.Intersect, match.RefContainment, match.ID, match.Name)
	}
	log.Printf("\tfraction of query explained: %.3f", totalExplained)
	log.Println("finished")
}
