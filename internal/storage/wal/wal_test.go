package wal

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/util"
)

func sampleEntries() []*model.LogEntry {
	return []*model.LogEntry{
		model.HistoricalSequenceEntry(3, 1700000000),
		model.NewRecordEntry("job.1", classad.New(map[string]any{"Owner": "alice", "Cpus": 4})),
		{Op: model.OpBeginTransaction},
		model.UpdateRecordEntry("job.1", classad.New(map[string]any{"Cpus": 8})),
		model.ModifyRecordEntry("job.1", classad.New(map[string]any{classad.AttrDeletes: []any{"Owner"}})),
		{Op: model.OpEndTransaction},
		model.DestroyRecordEntry("job.1"),
		model.NewRecordEntry("job.2", nil),
	}
}

func writeAll(t *testing.T, entries []*model.LogEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, e := range entries {
		_, err := w.Write(e)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, int64(buf.Len()), w.Written())
	return buf.Bytes()
}

func readAll(data []byte) ([]*model.LogEntry, []error) {
	r := NewReader(bytes.NewReader(data))
	var entries []*model.LogEntry
	var errs []error
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries, errs
		}
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrCorrupt) {
				continue
			}
			return entries, errs
		}
		entries = append(entries, e)
	}
}

func TestRoundTrip(t *testing.T) {
	in := sampleEntries()
	data := writeAll(t, in)

	out, errs := readAll(data)
	require.Empty(t, errs)
	require.Len(t, out, len(in))

	for i := range in {
		assert.Equal(t, in[i].Op, out[i].Op)
		assert.Equal(t, in[i].Key, out[i].Key)
		assert.Equal(t, in[i].Sequence, out[i].Sequence)
		assert.Equal(t, in[i].Timestamp, out[i].Timestamp)
	}
	assert.True(t, out[1].Ad.Equal(in[1].Ad))
	assert.Equal(t, float64(8), out[3].Ad["Cpus"])
	assert.NotNil(t, out[7].Ad)
	assert.Empty(t, out[7].Ad)
}

func TestEncodeEntry_Format(t *testing.T) {
	data, err := EncodeEntry(model.NewRecordEntry("a", classad.New(map[string]any{"X": 1})))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "201", lines[0])
	assert.Equal(t, `a {"X":1}`, lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "#"))

	data, err = EncodeEntry(&model.LogEntry{Op: model.OpBeginTransaction})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "105\n\n#"))
}

func TestEncodeEntry_RejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "a b", "a\nb"} {
		_, err := EncodeEntry(model.DestroyRecordEntry(key))
		assert.Error(t, err, "key %q", key)
	}
	_, err := EncodeEntry(&model.LogEntry{Op: model.OpType(999)})
	assert.Error(t, err)
}

func TestReader_Truncated(t *testing.T) {
	data := writeAll(t, sampleEntries()[:2])

	// Every strict prefix that cuts into the second entry is truncated.
	first, err := EncodeEntry(sampleEntries()[0])
	require.NoError(t, err)
	for cut := len(first) + 1; cut < len(data); cut++ {
		out, errs := readAll(data[:cut])
		require.Len(t, out, 1, "cut %d", cut)
		require.Len(t, errs, 1, "cut %d", cut)
		assert.ErrorIs(t, errs[0], ErrTruncated, "cut %d", cut)
	}
}

func TestReader_SkipsChecksumMismatch(t *testing.T) {
	data := writeAll(t, sampleEntries())
	corrupted := bytes.Replace(data, []byte(`"Owner":"alice"`), []byte(`"Owner":"mallo"`), 1)
	require.NotEqual(t, data, corrupted)

	out, errs := readAll(corrupted)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCorrupt)
	assert.Len(t, out, len(sampleEntries())-1)
}

func TestReader_SkipsUnknownOp(t *testing.T) {
	covered := []byte("299\nx {}")
	bad := append(append([]byte{}, covered...), '\n')
	bad = append(bad, util.FormatTail(covered)+"\n"...)

	good := writeAll(t, sampleEntries()[1:2])
	out, errs := readAll(append(bad, good...))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCorrupt)
	require.Len(t, out, 1)
	assert.Equal(t, "job.1", out[0].Key)
}

func TestReader_ChecksumCoversHeader(t *testing.T) {
	tests := []struct {
		name     string
		entry    *model.LogEntry
		from, to string
	}{
		{
			name:  "new record read as update",
			entry: model.NewRecordEntry("k", classad.New(map[string]any{"A": 1})),
			from:  "201\n", to: "203\n",
		},
		{
			name:  "update read as modify",
			entry: model.UpdateRecordEntry("k", classad.New(map[string]any{"A": 1})),
			from:  "203\n", to: "204\n",
		},
		{
			name:  "begin read as end",
			entry: &model.LogEntry{Op: model.OpBeginTransaction},
			from:  "105\n", to: "106\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEntry(tt.entry)
			require.NoError(t, err)
			require.True(t, bytes.HasPrefix(data, []byte(tt.from)))
			altered := append([]byte(tt.to), data[len(tt.from):]...)

			out, errs := readAll(altered)
			assert.Empty(t, out)
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], ErrCorrupt)
			assert.Contains(t, errs[0].Error(), "checksum mismatch")
		})
	}
}

func TestReader_ResyncsAfterMissingTerminator(t *testing.T) {
	good := writeAll(t, sampleEntries()[1:2])
	garbage := []byte("201\njob.9 {}\nnot a terminator\nstill garbage\n#00000000\n")

	out, errs := readAll(append(append(append([]byte{}, good...), garbage...), good...))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCorrupt)
	assert.Len(t, out, 2)
}

func TestReader_Offset(t *testing.T) {
	data := writeAll(t, sampleEntries()[:2])
	r := NewReader(bytes.NewReader(append(data, []byte("201\npartial")...)))

	for {
		_, err := r.Next()
		if err != nil {
			assert.ErrorIs(t, err, ErrTruncated)
			break
		}
	}
	assert.Equal(t, int64(len(data)), r.Offset())
}

func TestReader_Empty(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriter_WriteBatchIsAllOrNothing(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	batch := append(sampleEntries()[:2], model.DestroyRecordEntry("bad key"))
	n, err := w.WriteBatch(batch)
	assert.ErrorIs(t, err, ErrEncode)
	assert.Zero(t, n)
	require.NoError(t, w.Flush())
	assert.Zero(t, buf.Len())
	assert.Zero(t, w.Written())

	n, err = w.WriteBatch(sampleEntries())
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, buf.Len(), n)

	out, errs := readAll(buf.Bytes())
	assert.Empty(t, errs)
	assert.Len(t, out, len(sampleEntries()))
}
