// Package signature bundles one or more sketches of a single source with its
// metadata, and handles the versioned encoding of the bundle for persistence.
package signature

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	goerrors "errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/fracmash/fracmash/src/sketch"
	"github.com/fracmash/fracmash/src/version"
)

// formatVersion is written into every encoded signature; minFormatVersion is
// the oldest version this build will still decode
const (
	formatVersion    = 1
	minFormatVersion = 1
)

// DefaultLicense is recorded when the caller does not supply one
const DefaultLicense = "CC0"

// ErrFormat is returned when a persisted signature has a version outside the
// compatible range
var ErrFormat = goerrors.New("unsupported signature format version")

// ErrCorruptData is returned when a persisted signature violates its own
// declared sizing mode invariants
var ErrCorruptData = goerrors.New("corrupt signature data")

// ErrNoCompatibleSketch is returned when two signatures share no sketch pair
// with identical k and sizing mode
var ErrNoCompatibleSketch = goerrors.New("signatures share no comparable sketch pair")

// Signature is a named bundle of sketches. The hash content is immutable once
// the signature is created; only metadata may be edited.
type Signature struct {
	Name     string
	Filename string
	License  string
	Created  string
	Sketches []*sketch.Sketch
}

// New is the Signature constructor
func New(name, filename string, sketches ...*sketch.Sketch) *Signature {
	return &Signature{
		Name:     name,
		Filename: filename,
		License:  DefaultLicense,
		Created:  time.Now().Format(time.RFC3339),
		Sketches: sketches,
	}
}

// Rename is a metadata edit; it never touches the hash content
func (Signature *Signature) Rename(name string) {
	Signature.Name = name
}

// ID returns the content hash of the signature: an md5 over the parameters and
// sorted hash values of every contained sketch. Metadata edits do not change it.
func (Signature *Signature) ID() string {
	digest := md5.New()
	scratch := make([]byte, 8)
	for _, s := range Signature.Sketches {
		binary.LittleEndian.PutUint64(scratch, uint64(s.KmerSize()))
		digest.Write(scratch)
		binary.LittleEndian.PutUint64(scratch, uint64(s.Num()))
		digest.Write(scratch)
		binary.LittleEndian.PutUint64(scratch, s.Scaled())
		digest.Write(scratch)
		strand := uint64(0)
		if s.Canonical() {
			strand = 1
		}
		binary.LittleEndian.PutUint64(scratch, strand)
		digest.Write(scratch)
		for _, hv := range s.GetSketch() {
			binary.LittleEndian.PutUint64(scratch, hv)
			digest.Write(scratch)
		}
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// SketchCompatibleWith returns the first contained sketch comparable with the
// query sketch (identical k and sizing mode, identical num for bounded
// sketches), or nil if there is none
func (Signature *Signature) SketchCompatibleWith(query *sketch.Sketch) *sketch.Sketch {
	for _, s := range Signature.Sketches {
		if s.KmerSize() != query.KmerSize() {
			continue
		}
		if s.IsScaled() != query.IsScaled() {
			continue
		}
		if !s.IsScaled() && s.Num() != query.Num() {
			continue
		}
		if s.Canonical() != query.Canonical() {
			continue
		}
		return s
	}
	return nil
}

// CompatibleSketchPair returns the first sketch pair shared by two signatures
// with identical k and sizing-mode parameters
func CompatibleSketchPair(a, b *Signature) (*sketch.Sketch, *sketch.Sketch, error) {
	for _, sa := range a.Sketches {
		if sb := b.SketchCompatibleWith(sa); sb != nil {
			return sa, sb, nil
		}
	}
	return nil, nil, ErrNoCompatibleSketch
}

// sigRecord is the encoded form of a signature
type sigRecord struct {
	FormatVersion int            `msgpack:"formatVersion"`
	ToolVersion   string         `msgpack:"toolVersion"`
	Name          string         `msgpack:"name"`
	Filename      string         `msgpack:"filename"`
	License       string         `msgpack:"license"`
	Created       string         `msgpack:"created"`
	Sketches      []sketchRecord `msgpack:"sketches"`
}

// sketchRecord is the encoded form of one sketch
type sketchRecord struct {
	KmerSize       uint     `msgpack:"kmerSize"`
	Num            uint     `msgpack:"num"`
	Scaled         uint64   `msgpack:"scaled"`
	Canonical      bool     `msgpack:"canonical"`
	TrackAbundance bool     `msgpack:"trackAbundance"`
	Hashes         []uint64 `msgpack:"hashes"`
	Abundances     []uint32 `msgpack:"abundances,omitempty"`
}

// Encode is a method to serialise the signature to a versioned msgpack record
func (Signature *Signature) Encode() ([]byte, error) {
	record := sigRecord{
		FormatVersion: formatVersion,
		ToolVersion:   version.GetVersion(),
		Name:          Signature.Name,
		Filename:      Signature.Filename,
		License:       Signature.License,
		Created:       Signature.Created,
	}
	for _, s := range Signature.Sketches {
		hashes, abundances := s.Abundances()
		record.Sketches = append(record.Sketches, sketchRecord{
			KmerSize:       s.KmerSize(),
			Num:            s.Num(),
			Scaled:         s.Scaled(),
			Canonical:      s.Canonical(),
			TrackAbundance: s.Tracking(),
			Hashes:         hashes,
			Abundances:     abundances,
		})
	}
	return msgpack.Marshal(record)
}

// Dump is a method to write the signature to file
func (Signature *Signature) Dump(path string) error {
	data, err := Signature.Encode()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Load reads a signature from file
func Load(path string) (*Signature, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeFromBytes(data)
}

// DecodeFromBytes rebuilds a signature from an encoded record, failing with
// ErrFormat on a version outside the compatible range and ErrCorruptData when
// the hash content disagrees with the declared sizing mode
func DecodeFromBytes(data []byte) (*Signature, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrCorruptData, "empty signature record")
	}
	record := sigRecord{}
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(ErrCorruptData, err.Error())
	}
	if record.FormatVersion < minFormatVersion || record.FormatVersion > formatVersion {
		return nil, errors.Wrapf(ErrFormat, "found version %d, supported range %d-%d", record.FormatVersion, minFormatVersion, formatVersion)
	}
	if len(record.Sketches) == 0 {
		return nil, errors.Wrap(ErrCorruptData, "signature contains no sketches")
	}
	loaded := &Signature{
		Name:     record.Name,
		Filename: record.Filename,
		License:  record.License,
		Created:  record.Created,
	}
	for i, sr := range record.Sketches {
		restored, err := sketch.Restore(sr.KmerSize, sr.Num, sr.Scaled, sr.Canonical, sr.TrackAbundance, sr.Hashes, sr.Abundances)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptData, "sketch %d: %v", i, err)
		}
		loaded.Sketches = append(loaded.Sketches, restored)
	}
	return loaded, nil
}

// Equal reports whether two signatures have identical metadata and hash content
func (Signature *Signature) Equal(other *Signature) bool {
	if Signature.Name != other.Name || Signature.Filename != other.Filename ||
		Signature.License != other.License || Signature.Created != other.Created {
		return false
	}
	return Signature.ID() == other.ID()
}

// String summarises the signature for logs and reports
func (Signature *Signature) String() string {
	return fmt.Sprintf("%v (%d sketches, id %v)", Signature.Name, len(Signature.Sketches), Signature.ID()[:8])
}
