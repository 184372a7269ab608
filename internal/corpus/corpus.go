// Package corpus reads and writes pre-built transaction corpora.
//
// A corpus file is an RLP stream: one Header item followed by any number of
// chunks, each chunk being an RLP list of Batch records. Files whose name ends
// in ".zst" are zstd-compressed as a whole.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is the corpus header version written by this package.
const FormatVersion = 1

var (
	// ErrCorpusNotFound is returned when a corpus file does not exist.
	ErrCorpusNotFound = errors.New("corpus not found")
	// ErrCorpusExhausted is returned when a corpus holds fewer units than requested.
	ErrCorpusExhausted = errors.New("corpus exhausted")
)

// Batch is one pre-encoded group of transactions, sent as a single message.
type Batch struct {
	Encoded []byte // Opaque wire payload
	Length  uint64 // Number of transactions carried by Encoded
}

// Header is the first item of every corpus file.
type Header struct {
	Version   uint64
	BatchSize uint64 // Nominal transactions per batch
}

// Source yields the batches of one loaded corpus prefix, each exactly once.
type Source struct {
	path     string
	batches  []Batch
	pos      int
	units    uint64
	unitSize uint64
}

// NewSource wraps in-memory batches. unitSize is the nominal batch size used
// by ordinal admission; when zero it falls back to the first batch's length.
func NewSource(batches []Batch, unitSize uint64) *Source {
	s := &Source{batches: batches, unitSize: unitSize}
	for _, b := range batches {
		s.units += b.Length
	}
	if s.unitSize == 0 && len(batches) > 0 {
		s.unitSize = batches[0].Length
	}
	return s
}

// Next returns the next unread batch.
func (s *Source) Next() (Batch, bool) {
	if s == nil || s.pos >= len(s.batches) {
		return Batch{}, false
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true
}

// Len returns the total number of batches in the source.
func (s *Source) Len() int {
	if s == nil {
		return 0
	}
	return len(s.batches)
}

// Remaining returns the number of batches not yet returned by Next.
func (s *Source) Remaining() int {
	if s == nil {
		return 0
	}
	return len(s.batches) - s.pos
}

// Units returns the sum of Length over all batches.
func (s *Source) Units() uint64 {
	if s == nil {
		return 0
	}
	return s.units
}

// UnitSize returns the nominal units per batch.
func (s *Source) UnitSize() uint64 {
	if s == nil {
		return 0
	}
	return s.unitSize
}

// Path returns the file the source was loaded from, if any.
func (s *Source) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Stat checks that path names a regular corpus file.
func Stat(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCorpusNotFound, path)
		}
		return fmt.Errorf("stat corpus %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrCorpusNotFound, path)
	}
	return nil
}

// Load reads the shortest prefix of the corpus at path whose cumulative
// Length reaches units. The batch that crosses the threshold is kept whole.
// A request for zero units returns an empty source without touching disk.
func Load(path string, units uint64) (*Source, error) {
	if units == 0 {
		return &Source{path: path}, nil
	}
	if err := Stat(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd corpus %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	stream := rlp.NewStream(r, 0)
	var hdr Header
	if err := stream.Decode(&hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is empty (want %d units)", ErrCorpusExhausted, path, units)
		}
		return nil, fmt.Errorf("decode corpus header %s: %w", path, err)
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("corpus %s: unsupported format version %d", path, hdr.Version)
	}

	var (
		batches []Batch
		total   uint64
	)
	for total < units {
		var chunk []Batch
		if err := stream.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s holds %d units, want %d", ErrCorpusExhausted, path, total, units)
			}
			return nil, fmt.Errorf("decode corpus chunk %s: %w", path, err)
		}
		for _, b := range chunk {
			batches = append(batches, b)
			total += b.Length
			if total >= units {
				break
			}
		}
	}

	src := NewSource(batches, hdr.BatchSize)
	src.path = path
	return src, nil
}
