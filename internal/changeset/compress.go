package changeset

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenReader returns r decompressed when it starts with the gzip magic bytes
// and unchanged otherwise. Closing the result does not close r.
func OpenReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read stream header: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		return io.NopCloser(br), nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return &readCloser{Reader: gz, closers: []io.Closer{gz}}, nil
}

// OpenFile opens a plain or gzip-compressed changeset file
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open changeset file: %w", err)
	}
	rc, err := OpenReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}
