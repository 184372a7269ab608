package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/zstd"
)

// Writer appends chunks of batches to a corpus stream.
type Writer struct {
	buf    *bufio.Writer
	zw     *zstd.Encoder
	file   *os.File
	units  uint64
	chunks int
}

// NewWriter writes a corpus header to w and returns a Writer for the chunks.
func NewWriter(w io.Writer, batchSize uint64) (*Writer, error) {
	cw := &Writer{buf: bufio.NewWriterSize(w, 1<<20)}
	if err := rlp.Encode(cw.buf, Header{Version: FormatVersion, BatchSize: batchSize}); err != nil {
		return nil, fmt.Errorf("encode corpus header: %w", err)
	}
	return cw, nil
}

// Create creates the corpus file at path, making parent directories as
// needed. A ".zst" suffix selects zstd compression.
func Create(path string, batchSize uint64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create corpus directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create corpus %s: %w", path, err)
	}

	var dst io.Writer = f
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd writer: %w", err)
		}
		dst = zw
	}

	w, err := NewWriter(dst, batchSize)
	if err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		return nil, err
	}
	w.zw = zw
	w.file = f
	return w, nil
}

// WriteChunk appends one chunk of batches.
func (w *Writer) WriteChunk(batches []Batch) error {
	if len(batches) == 0 {
		return nil
	}
	if err := rlp.Encode(w.buf, batches); err != nil {
		return fmt.Errorf("encode corpus chunk: %w", err)
	}
	for _, b := range batches {
		w.units += b.Length
	}
	w.chunks++
	return nil
}

// Units returns the number of units written so far.
func (w *Writer) Units() uint64 { return w.units }

// Close flushes buffered data and closes the underlying file, if any.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush corpus: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("close zstd stream: %w", err)
		}
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
