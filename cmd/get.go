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
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mholt/archiver"
	"github.com/spf13/cobra"
)

// available pre-sketched signature collections to download
var availDb = []string{"refseq-bacteria", "refseq-viral", "gtdb-reps"}
var availScaled = []string{"1000"}
var md5sums = map[string]string{
	"refseq-bacteria.1000": "8f7d1c2a3e5b4960d8c1b2a3f4e5d6c7",
	"refseq-viral.1000":    "1a2b3c4d5e6f708192a3b4c5d6e7f809",
	"gtdb-reps.1000":       "0f1e2d3c4b5a69788796a5b4c3d2e1f0",
}

// url to download signature collections from
var dbUrl = "https://github.com/fracmash/fracmash/raw/master/db/prepared-sketch-collections/"

// the command line arguments
var (
	database   *string // the signature collection to download
	xScaled    *string // the scaled value used to sketch the collection
	collectDir *string // the location to store the collection
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Download a pre-sketched signature collection",
	Long:  `Download a pre-sketched signature collection, ready for indexing`,
	Run: func(cmd *cobra.Command, args []string) {
		runGet()
	},
}

func init() {
	RootCmd.AddCommand(getCmd)
	database = getCmd.Flags().StringP("database", "d", "refseq-viral", "signature collection to download (please choose: refseq-bacteria/refseq-viral/gtdb-reps)")
	xScaled = getCmd.Flags().StringP("scaled", "s", "1000", "the scaled value used to sketch the collection (only 1000 available atm)")
	collectDir = getCmd.PersistentFlags().StringP("out", "o", ".", "directory to save the collection to")
}

/*
  A function to check user supplied parameters
*/
func getParamCheck() error {
	// check requested collection exists in fracmash records
	checkPass := false
	for _, avail := range availDb {
		if *database == avail {
			checkPass = true
		}
	}
	if checkPass == false {
		return fmt.Errorf("unrecognised collection: %v\n\nplease choose either: refseq-bacteria/refseq-viral/gtdb-reps", *database)
	}
	checkPass = false
	for _, avail := range availScaled {
		if *xScaled == avail {
			checkPass = true
		}
	}
	if checkPass == false {
		return fmt.Errorf("scaled value not available: %v\n\nplease choose either: 1000, ", *xScaled)
	}
	// setup the collectDir
	if _, err := os.Stat(*collectDir); os.IsNotExist(err) {
		if err := os.MkdirAll(*collectDir, 0700); err != nil {
			return fmt.Errorf("directory creation failed: %v\n\ncan't create specified output directory for the collection", *collectDir)
		}
	}
	return nil
}

/*
  A function to download the collection tarball
*/
func DownloadFile(savePath string, url string) error {
	outFile, err := os.Create(savePath)
	if err != nil {
		return err
	}
	defer outFile.Close()
	response, err := http.Get(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, err = io.Copy(outFile, response.Body)
	if err != nil {
		return err
	}
	return nil
}

/*
  A function to calculate md5
*/
func getMD5(savePath string) error {
	var dbMD5 string
	file, err := os.Open(savePath)
	if err != nil {
		return err
	}
	defer file.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return err
	}
	hashInBytes := hash.Sum(nil)[:16]
	dbMD5 = hex.EncodeToString(hashInBytes)
	lookup := fmt.Sprintf("%v.%v", *database, *xScaled)
	if dbMD5 != md5sums[lookup] {
		return errors.New("md5sum for downloaded tarball did not match record")
	}
	return nil
}

/*
  The main function for the get sub-command
*/
func runGet() {
	if err := getParamCheck(); err != nil {
		fmt.Println("could not run fracmash get...")
		fmt.Println(err)
		os.Exit(1)
	}

	// download the collection
	fmt.Printf("downloading the pre-sketched %v collection...\n", *database)
	dbFile := fmt.Sprintf("%v.%v.tar", *database, *xScaled)
	dbUrl += dbFile
	dbSave := fmt.Sprintf("%v/%v", *collectDir, dbFile)
	if err := DownloadFile(dbSave, dbUrl); err != nil {
		fmt.Println("could not download the tarball")
		fmt.Println(err)
		os.Exit(1)
	}
	// unpack the collection
	fmt.Println("unpacking...")
	if err := getMD5(dbSave); err != nil {
		fmt.Println("could not unpack the tarball")
		fmt.Println(err)
		os.Exit(1)
	}
	if err := archiver.DefaultTar.Unarchive(dbSave, *collectDir); err != nil {
		fmt.Println("could not unpack the tarball")
		fmt.Println(err)
		os.Exit(1)
	}
	// finished
	if err := os.Remove(dbSave); err != nil {
		fmt.Println("could not cleanup...")
		fmt.Println(err)
		os.Exit(1)
	}
	dbSave = fmt.Sprintf("%v/%v.%v", *collectDir, *database, *xScaled)
	fmt.Printf("collection saved to: %v\n", dbSave)
	fmt.Printf("now run `fracmash index -s %v` or `fracmash index --help` for full options\n", dbSave)
}
