package node

import (
	"fmt"
	"os"

	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
)

// Writer builds a node file: pages are appended as they finalize, then
// Close writes the alignment pad, page index, and trailer. On any error
// the caller removes the partial file; the Writer never renames.
type Writer struct {
	scheme *scheme.Scheme
	file   *os.File
	path   string
	ib     *page.IndexBuilder
	off    uint64
	align  uint16
	sync   bool
}

// NewWriter creates the file at path and prepares the index builder
func NewWriter(path string, s *scheme.Scheme, align uint16, sync bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create node file: %w", err)
	}
	return &Writer{
		scheme: s,
		file:   f,
		path:   path,
		ib:     page.NewIndexBuilder(s),
		align:  align,
		sync:   sync,
	}, nil
}

// WritePage appends an encoded page and records its descriptor. first and
// last are the page's boundary records, maxRec its largest record size.
func (w *Writer) WritePage(encoded []byte, hdr page.Header, first, last record.Record, maxRec int) error {
	if _, err := w.file.Write(encoded); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}
	w.ib.AddPage(w.off, len(encoded), hdr, first, last, maxRec)
	w.off += uint64(len(encoded))
	return nil
}

// Pages returns the number of pages written so far
func (w *Writer) Pages() int { return w.ib.Count() }

// Total returns the stored bytes of pages written so far
func (w *Writer) Total() uint64 { return w.ib.Total() }

// Close writes the trailer, optionally fsyncs, and closes the file. It
// returns the finalized index header.
func (w *Writer) Close() (page.IndexHeader, error) {
	trailer := w.ib.Finish(w.off, w.align)
	if _, err := w.file.Write(trailer); err != nil {
		w.file.Close()
		return page.IndexHeader{}, fmt.Errorf("failed to write page index: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			return page.IndexHeader{}, fmt.Errorf("failed to sync node file: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return page.IndexHeader{}, fmt.Errorf("failed to close node file: %w", err)
	}
	return w.ib.Header(), nil
}

// Abort closes and removes the partial file
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.path)
}
