package pipeline

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/fracmash/fracmash/src/sketch"
	"github.com/fracmash/fracmash/src/version"
)

// Info stores the runtime information for a fracmash run; it is written
// alongside the signatures/index so that later subcommands can check they are
// operating on compatible files
type Info struct {
	Version        string
	NumProc        int
	Profiling      bool
	KmerSizes      []uint
	SketchNum      uint   // bound for num mode sketches (0 when scaled)
	SketchScaled   uint64 // scaling factor for scaled sketches (0 when num)
	TrackAbundance bool
	NoCanonical    bool
	Strict         bool
	FPrate         float64
	OutDir         string
}

// NewSketches is a method to create one empty sketch per requested k-mer size,
// configured from the runtime info
func (Info *Info) NewSketches() ([]*sketch.Sketch, error) {
	options := []sketch.Option{}
	if Info.SketchNum != 0 {
		options = append(options, sketch.WithNum(Info.SketchNum))
	}
	if Info.SketchScaled != 0 {
		options = append(options, sketch.WithScaled(Info.SketchScaled))
	}
	if Info.TrackAbundance {
		options = append(options, sketch.WithAbundance())
	}
	if Info.NoCanonical {
		options = append(options, sketch.WithNoCanonical())
	}
	if Info.Strict {
		options = append(options, sketch.WithStrict())
	}
	sketches := make([]*sketch.Sketch, 0, len(Info.KmerSizes))
	for _, k := range Info.KmerSizes {
		s, err := sketch.New(k, options...)
		if err != nil {
			return nil, err
		}
		sketches = append(sketches, s)
	}
	return sketches, nil
}

// Dump is a method to write the runtime info to file
func (Info *Info) Dump(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	encoder := gob.NewEncoder(fh)
	return encoder.Encode(Info)
}

// Load is a method to load runtime info from file
func (Info *Info) Load(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return Info.LoadFromBytes(data)
}

// LoadFromBytes is a method to load runtime info from bytes
func (Info *Info) LoadFromBytes(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("runtime info file appears empty")
	}
	buf := bytes.NewBuffer(data)
	decoder := gob.NewDecoder(buf)
	if err := decoder.Decode(Info); err != nil {
		return err
	}
	if Info.Version != version.GetVersion() {
		return fmt.Errorf("these files were created with fracmash version %v, but you are running version %v", Info.Version, version.GetVersion())
	}
	return nil
}
