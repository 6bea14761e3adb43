package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/util"
)

// Reader decodes entries from a log.
type Reader struct {
	r      *bufio.Reader
	offset int64
	good   int64
	line   int
}

// NewReader creates a reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next entry. It returns io.EOF at a clean end of log,
// an error wrapping ErrTruncated if the log ends inside an entry, and an
// error wrapping ErrCorrupt for an entry that was skipped. Reading may
// continue after ErrCorrupt.
func (r *Reader) Next() (*model.LogEntry, error) {
	start := r.line + 1

	header, err := r.readLine()
	if err == io.EOF && header == "" {
		return nil, io.EOF
	}
	if err != nil {
		return nil, r.truncated(start, err)
	}

	body, err := r.readLine()
	if err != nil {
		return nil, r.truncated(start, err)
	}

	tail, err := r.readLine()
	if err != nil {
		return nil, r.truncated(start, err)
	}

	sum, ok := util.ParseTail(tail)
	if !ok {
		if err := r.resync(); err != nil {
			return nil, r.truncated(start, err)
		}
		return nil, fmt.Errorf("%w at line %d: missing terminator", ErrCorrupt, start)
	}
	if !util.ValidateChecksum([]byte(header+"\n"+body), sum) {
		r.good = r.offset
		return nil, fmt.Errorf("%w at line %d: checksum mismatch", ErrCorrupt, start)
	}

	entry, err := decodeEntry(header, body)
	r.good = r.offset
	if err != nil {
		return nil, fmt.Errorf("%w at line %d: %v", ErrCorrupt, start, err)
	}
	return entry, nil
}

// Offset returns the byte offset just past the last entry that was read
// completely, corrupt or not.
func (r *Reader) Offset() int64 {
	return r.good
}

// resync skips forward past the next terminator line.
func (r *Reader) resync() error {
	for {
		line, err := r.readLine()
		if err != nil {
			return err
		}
		if _, ok := util.ParseTail(line); ok {
			r.good = r.offset
			return nil
		}
	}
}

// readLine returns the next line without its newline. A final line with no
// newline is returned together with io.EOF.
func (r *Reader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	r.offset += int64(len(line))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return line, io.EOF
		}
		return line, err
	}
	r.line++
	return strings.TrimSuffix(line, "\n"), nil
}

func (r *Reader) truncated(line int, err error) error {
	if err == io.EOF {
		return fmt.Errorf("%w at line %d", ErrTruncated, line)
	}
	return fmt.Errorf("failed to read log: %w", err)
}
