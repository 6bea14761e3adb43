// Package wal implements the on-disk format of the record log.
//
// Every entry is three lines: the numeric op code, the body, and a
// terminator holding the CRC32 of the first two lines joined by their
// newline. Record bodies are
// "<key> <ad>" with the ad in its JSON text form; DestroyRecord bodies are
// just the key; transaction markers have empty bodies; the historical
// sequence entry body is "<sequence> <unix timestamp>".
package wal

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/util"
)

var (
	// ErrTruncated is returned for an entry cut short by the end of the
	// log, the signature of a crash during append.
	ErrTruncated = errors.New("wal: unterminated entry")

	// ErrCorrupt is returned for a complete entry that fails its checksum
	// or cannot be decoded. The reader has skipped past it.
	ErrCorrupt = errors.New("wal: corrupt entry")

	// ErrEncode is returned by WriteBatch for an entry that cannot be
	// encoded. Nothing was buffered.
	ErrEncode = errors.New("wal: cannot encode entry")
)

// EncodeEntry renders an entry including the trailing newline.
func EncodeEntry(entry *model.LogEntry) ([]byte, error) {
	body, err := encodeBody(entry)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 16)
	buf.WriteString(strconv.Itoa(int(entry.Op)))
	buf.WriteByte('\n')
	buf.Write(body)
	covered := buf.Len()
	buf.WriteByte('\n')
	buf.WriteString(util.FormatTail(buf.Bytes()[:covered]))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeBody(entry *model.LogEntry) ([]byte, error) {
	switch entry.Op {
	case model.OpBeginTransaction, model.OpEndTransaction:
		return nil, nil
	case model.OpHistoricalSequenceNumber:
		return []byte(fmt.Sprintf("%d %d", entry.Sequence, entry.Timestamp)), nil
	case model.OpDestroyRecord:
		if err := checkKey(entry.Key); err != nil {
			return nil, err
		}
		return []byte(entry.Key), nil
	case model.OpNewRecord, model.OpUpdateRecord, model.OpModifyRecord:
		if err := checkKey(entry.Key); err != nil {
			return nil, err
		}
		ad := entry.Ad
		if ad == nil {
			ad = classad.Ad{}
		}
		data, err := ad.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode ad for %s: %w", entry.Key, err)
		}
		body := make([]byte, 0, len(entry.Key)+1+len(data))
		body = append(body, entry.Key...)
		body = append(body, ' ')
		body = append(body, data...)
		return body, nil
	default:
		return nil, fmt.Errorf("cannot encode unknown op %d", int(entry.Op))
	}
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("key %q cannot be written to the log", key)
	}
	return nil
}

// decodeEntry parses the header and body lines of a checksummed entry.
func decodeEntry(header, body string) (*model.LogEntry, error) {
	code, err := strconv.Atoi(header)
	if err != nil {
		return nil, fmt.Errorf("bad op header %q", header)
	}
	op := model.OpType(code)
	if !op.Valid() {
		return nil, fmt.Errorf("unknown op %d", code)
	}

	entry := &model.LogEntry{Op: op}
	switch op {
	case model.OpBeginTransaction, model.OpEndTransaction:
		if body != "" {
			return nil, fmt.Errorf("%s entry has a body", op)
		}
	case model.OpHistoricalSequenceNumber:
		fields := strings.Fields(body)
		if len(fields) != 2 {
			return nil, fmt.Errorf("bad historical sequence body %q", body)
		}
		if entry.Sequence, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
			return nil, fmt.Errorf("bad historical sequence number: %w", err)
		}
		if entry.Timestamp, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return nil, fmt.Errorf("bad historical timestamp: %w", err)
		}
	case model.OpDestroyRecord:
		if checkKey(body) != nil {
			return nil, fmt.Errorf("bad key in %s entry", op)
		}
		entry.Key = body
	default:
		key, text, ok := strings.Cut(body, " ")
		if !ok || key == "" {
			return nil, fmt.Errorf("%s entry has no ad", op)
		}
		ad, err := classad.Parse(text)
		if err != nil {
			return nil, err
		}
		entry.Key = key
		entry.Ad = ad
	}
	return entry, nil
}
