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

	"github.com/fracmash/fracmash/src/index"
	"github.com/fracmash/fracmash/src/misc"
	"github.com/fracmash/fracmash/src/pipeline"
	"github.com/fracmash/fracmash/src/signature"
	"github.com/fracmash/fracmash/src/sketch"
	"github.com/fracmash/fracmash/src/version"
)

// the command line arguments
var (
	querySig    *string  // the query signature file
	indexDir    *string  // directory containing the index files
	threshold   *float64 // minimum score for a match to be reported
	containment *bool    // rank by containment of the query instead of similarity
	queryK      *uint    // query sketch k-mer size to search with
)

// the search command (used by cobra)
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search an index for signatures similar to a query",
	Long:  `Search an index for signatures similar to (or containing) a query signature`,
	Run: func(cmd *cobra.Command, args []string) {
		runSearch()
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return misc.CheckRequiredFlags(cmd.Flags())
	},
}

// a function to initialise the command line arguments
func init() {
	querySig = searchCmd.Flags().StringP("query", "q", "", "query signature (.sig) file - required")
	indexDir = searchCmd.Flags().StringP("indexDir", "i", "", "directory containing the index files - required")
	threshold = searchCmd.Flags().Float64P("threshold", "t", 0.8, "minimum score for a match to be reported")
	containment = searchCmd.Flags().Bool("containment", false, "rank by containment of the query instead of Jaccard similarity")
	queryK = searchCmd.Flags().UintP("kmerSize", "k", 0, "query sketch k-mer size to search with (default: first sketch in the query)")
	searchCmd.MarkFlagRequired("query")
	searchCmd.MarkFlagRequired("indexDir")
	RootCmd.AddCommand(searchCmd)
}

//  a function to check user supplied parameters
func searchParamCheck() error {
	if err := misc.CheckFile(*querySig); err != nil {
		return err
	}
	if err := misc.CheckDir(*indexDir); err != nil {
		return err
	}
	for _, indexFile := range []string{"/fracmash.index", "/index.info"} {
		if err := misc.CheckFile(*indexDir + indexFile); err != nil {
			return err
		}
	}
	if *threshold < 0.0 || *threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0 and 1")
	}
	return nil
}

// querySketch selects the sketch to query with from a signature, honouring the
// requested k-mer size if one was given
func querySketchFromSig(sig *signature.Signature, k uint) (*sketch.Sketch, error) {
	if len(sig.Sketches) == 0 {
		return nil, fmt.Errorf("query signature contains no sketches")
	}
	if k == 0 {
		return sig.Sketches[0], nil
	}
	for _, s := range sig.Sketches {
		if s.KmerSize() == k {
			return s, nil
		}
	}
	return nil, fmt.Errorf("query signature has no sketch at k=%d", k)
}

/*
  The main function for the search command
*/
func runSearch() {
	// set up profiling
	if *profiling == true {
		defer profile.Start(profile.ProfilePath("./")).Stop()
	}
	// start logging
	logFH := misc.StartLogging(*logFile)
	defer logFH.Close()
	log.SetOutput(logFH)
	log.Printf("this is fracmash (version %s)", version.GetVersion())
	log.Printf("starting the search subcommand")
	// check the supplied files and then log some stuff
	log.Printf("checking parameters...")
	misc.ErrorCheck(searchParamCheck())
	mode := index.SimilaritySearch
	if *containment {
		mode = index.ContainmentSearch
	}
	log.Printf("\tquery: %v", *querySig)
	log.Printf("\tsearch mode: %v", mode)
	log.Printf("\tthreshold: %.2f", *threshold)

	// load the index and check it was built by a compatible version
	log.Printf("loading the index...")
	info := &pipeline.Info{}
	misc.ErrorCheck(info.Load(filepath.Join(*indexDir, "index.info")))
	db, err := index.Load(filepath.Join(*indexDir, "fracmash.index"))
	misc.ErrorCheck(err)
	log.Printf("\tloaded %d signatures", len(db.Signatures()))

	// load the query
	sig, err := signature.Load(*querySig)
	misc.ErrorCheck(err)
	query, err := querySketchFromSig(sig, *queryK)
	misc.ErrorCheck(err)
	log.Printf("\tquery sketch: k=%d, %d hashes", query.KmerSize(), query.Cardinality())

	// run the search and report the hits
	log.Printf("searching...")
	results, err := db.Search(context.Background(), query, *threshold, mode)
	misc.ErrorCheck(err)
	log.Printf("\tnumber of matches: %d", len(results))
	fmt.Fprintf(os.Stdout, "score\tsharedKmers\tid\tname\n")
	for _, result := range results {
		fmt.Fprintf(os.Stdout, "%.3f\t%d\t%v\t%v\n", result.Score, result.Intersect, result.ID, result.Name)
	}
	log.Println("finished")
}
