// Package archive writes purged readings to Parquet files before they
// are deleted, so a purge pass can be configured to move data out of the
// store instead of discarding it.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/edgewise/readingstore/internal/errors"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("archive: writer closed")

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ReadingRow is one purged reading in Parquet format.
type ReadingRow struct {
	ID        int64  `parquet:"id"`
	AssetCode string `parquet:"asset_code,zstd"`
	Reading   string `parquet:"reading,zstd"`
	UserTS    string `parquet:"user_ts"`
	TS        string `parquet:"ts"`
}

// Writer writes purged readings to one Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ReadingRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer for one purge pass. Files are named
// after the pass start time so successive passes never collide.
func NewWriter(dir string, startedAt time.Time, compression CompressionType) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("purged_%s.parquet", startedAt.UTC().Format("20060102T150405Z")))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}

	writer := parquet.NewGenericWriter[ReadingRow](f,
		parquet.Compression(getCompression(compression)))

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends rows to the archive file.
func (w *Writer) Write(rows []ReadingRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// RowCount returns the number of rows written so far.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the archive file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the archive file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}
