package wal

import (
	"bufio"
	"fmt"
	"io"

	"github.com/devrev/pairdb/adstore/internal/model"
)

// Writer buffers encoded entries in front of a log file. Nothing reaches
// the underlying writer until Flush.
type Writer struct {
	w       *bufio.Writer
	written int64
}

// NewWriter creates a writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024)}
}

// Write buffers one entry and returns its encoded size.
func (w *Writer) Write(entry *model.LogEntry) (int, error) {
	data, err := EncodeEntry(entry)
	if err != nil {
		return 0, err
	}
	n, err := w.w.Write(data)
	w.written += int64(n)
	return n, err
}

// WriteBatch encodes every entry before buffering any of them, so an
// encoding failure leaves the writer untouched.
func (w *Writer) WriteBatch(entries []*model.LogEntry) (int, error) {
	encoded := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		data, err := EncodeEntry(entry)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		encoded = append(encoded, data)
	}

	total := 0
	for _, data := range encoded {
		n, err := w.w.Write(data)
		w.written += int64(n)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Flush writes buffered entries to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reset discards buffered entries and retargets the writer.
func (w *Writer) Reset(dst io.Writer) {
	w.w.Reset(dst)
}

// Written returns the number of bytes accepted by Write.
func (w *Writer) Written() int64 {
	return w.written
}
