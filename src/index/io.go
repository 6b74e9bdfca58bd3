package index

import (
	"io/ioutil"

	"github.com/pkg/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/fracmash/fracmash/src/bloom"
	"github.com/fracmash/fracmash/src/signature"
)

// index file format version and the oldest version this build will still load
const (
	indexFormatVersion    = 1
	minIndexFormatVersion = 1
)

// the index variant tags written into the file header
const (
	typeSBT    = "sbt"
	typeLinear = "linear"
)

// indexFileRecord is the on-disk form of an index: the header plus either the
// flattened tree (SBT) or the encoded signature list (linear)
type indexFileRecord struct {
	FormatVersion int          `msgpack:"formatVersion"`
	IndexType     string       `msgpack:"indexType"`
	FilterBits    uint64       `msgpack:"filterBits"`
	NumHashes     uint8        `msgpack:"numHashes"`
	RootID        uint32       `msgpack:"rootID"`
	Nodes         []nodeRecord `msgpack:"nodes"`
	Sigs          [][]byte     `msgpack:"sigs"`
}

// nodeRecord is one flattened tree node; child ids of 0 mark a leaf, in which
// case Sig holds the encoded signature payload
type nodeRecord struct {
	ID          uint32   `msgpack:"id"`
	LeftID      uint32   `msgpack:"leftID"`
	RightID     uint32   `msgpack:"rightID"`
	FilterWords []uint64 `msgpack:"filterWords"`
	FilterCount uint64   `msgpack:"filterCount"`
	Sig         []byte   `msgpack:"sig,omitempty"`
}

// Dump is a method to write a linear index to file
func (LinearIndex *LinearIndex) Dump(path string) error {
	LinearIndex.lock.RLock()
	defer LinearIndex.lock.RUnlock()
	record := indexFileRecord{
		FormatVersion: indexFormatVersion,
		IndexType:     typeLinear,
	}
	for _, sig := range LinearIndex.sigs {
		data, err := sig.Encode()
		if err != nil {
			return err
		}
		record.Sigs = append(record.Sigs, data)
	}
	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Dump is a method to write the tree to file: every node is flattened to a
// record holding its filter bits and child ids, with leaves embedding their
// signature payload so the file reconstructs without recomputation
func (SBT *SBT) Dump(path string) error {
	SBT.lock.RLock()
	defer SBT.lock.RUnlock()
	record := indexFileRecord{
		FormatVersion: indexFormatVersion,
		IndexType:     typeSBT,
		FilterBits:    SBT.filterBits,
		NumHashes:     SBT.numHashes,
	}

	// breadth-first flatten with ids assigned on the way (0 is reserved for "no child")
	if SBT.root != nil {
		record.RootID = 1
		nextID := uint32(1)
		type queued struct {
			node *sbtNode
			id   uint32
		}
		queue := []queued{{SBT.root, nextID}}
		for len(queue) > 0 {
			entry := queue[0]
			queue = queue[1:]
			nr := nodeRecord{
				ID:          entry.id,
				FilterWords: entry.node.filter.Words(),
				FilterCount: entry.node.filter.Count(),
			}
			if entry.node.isLeaf() {
				data, err := entry.node.sig.Encode()
				if err != nil {
					return err
				}
				nr.Sig = data
			} else {
				nextID++
				nr.LeftID = nextID
				queue = append(queue, queued{entry.node.left, nextID})
				nextID++
				nr.RightID = nextID
				queue = append(queue, queued{entry.node.right, nextID})
			}
			record.Nodes = append(record.Nodes, nr)
		}
	}

	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Load reads an index file and reconstructs the variant that wrote it
func Load(path string) (Index, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadFromBytes(data)
}

// LoadFromBytes reconstructs an index from an encoded record
func LoadFromBytes(data []byte) (Index, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrCorruptData, "empty index file")
	}
	record := indexFileRecord{}
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(ErrCorruptData, err.Error())
	}
	if record.FormatVersion < minIndexFormatVersion || record.FormatVersion > indexFormatVersion {
		return nil, errors.Wrapf(ErrFormat, "found version %d, supported range %d-%d", record.FormatVersion, minIndexFormatVersion, indexFormatVersion)
	}
	switch record.IndexType {
	case typeLinear:
		return loadLinear(&record)
	case typeSBT:
		return loadSBT(&record)
	default:
		return nil, errors.Wrapf(ErrCorruptData, "unknown index type %q", record.IndexType)
	}
}

// loadLinear rebuilds a flat index from its encoded signatures
func loadLinear(record *indexFileRecord) (*LinearIndex, error) {
	loaded := NewLinearIndex()
	for i, data := range record.Sigs {
		sig, err := signature.DecodeFromBytes(data)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptData, "signature %d: %v", i, err)
		}
		loaded.sigs = append(loaded.sigs, sig)
	}
	return loaded, nil
}

// loadSBT rebuilds the tree from its flattened node records, checking the
// topology and filter shapes as it goes
func loadSBT(record *indexFileRecord) (*SBT, error) {
	// the shared filter shape must be usable before any filter is rebuilt: a
	// zero size or hash count would poison every later membership test
	if record.FilterBits == 0 || record.FilterBits%64 != 0 {
		return nil, errors.Wrapf(ErrCorruptData, "filter size %d bits is not a positive multiple of 64", record.FilterBits)
	}
	if record.NumHashes == 0 {
		return nil, errors.Wrap(ErrCorruptData, "filter hash function count is zero")
	}
	loaded := &SBT{
		filterBits: record.FilterBits,
		numHashes:  record.NumHashes,
	}
	if record.RootID == 0 {
		return loaded, nil
	}
	byID := make(map[uint32]*nodeRecord, len(record.Nodes))
	for i := range record.Nodes {
		nr := &record.Nodes[i]
		if _, ok := byID[nr.ID]; ok {
			return nil, errors.Wrapf(ErrCorruptData, "duplicate node id %d", nr.ID)
		}
		byID[nr.ID] = nr
	}
	expectedWords := record.FilterBits / 64
	visited := make(map[uint32]bool)

	var rebuild func(id uint32) (*sbtNode, error)
	rebuild = func(id uint32) (*sbtNode, error) {
		nr, ok := byID[id]
		if !ok {
			return nil, errors.Wrapf(ErrCorruptData, "dangling node id %d", id)
		}
		if visited[id] {
			return nil, errors.Wrapf(ErrCorruptData, "node id %d appears twice in the topology", id)
		}
		visited[id] = true
		if uint64(len(nr.FilterWords)) != expectedWords {
			return nil, errors.Wrapf(ErrCorruptData, "node %d filter has %d words, tree expects %d", id, len(nr.FilterWords), expectedWords)
		}
		rebuilt := &sbtNode{
			filter: bloom.FromWords(nr.FilterWords, record.NumHashes, nr.FilterCount),
		}

		// a leaf has no children and a payload; an internal node has exactly two children
		if nr.LeftID == 0 && nr.RightID == 0 {
			if len(nr.Sig) == 0 {
				return nil, errors.Wrapf(ErrCorruptData, "leaf node %d has no signature payload", id)
			}
			sig, err := signature.DecodeFromBytes(nr.Sig)
			if err != nil {
				return nil, errors.Wrapf(ErrCorruptData, "leaf node %d: %v", id, err)
			}
			rebuilt.sig = sig
			rebuilt.leafCount = 1
			return rebuilt, nil
		}
		if nr.LeftID == 0 || nr.RightID == 0 {
			return nil, errors.Wrapf(ErrCorruptData, "internal node %d has a single child", id)
		}
		var err error
		if rebuilt.left, err = rebuild(nr.LeftID); err != nil {
			return nil, err
		}
		if rebuilt.right, err = rebuild(nr.RightID); err != nil {
			return nil, err
		}
		rebuilt.leafCount = rebuilt.left.leafCount + rebuilt.right.leafCount
		return rebuilt, nil
	}

	root, err := rebuild(record.RootID)
	if err != nil {
		return nil, err
	}
	loaded.root = root
	return loaded, nil
}
