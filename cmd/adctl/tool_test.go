package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/service"
)

// writeStore creates a log holding the given records.
func writeStore(t *testing.T, records map[string]map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.log")
	store, err := service.OpenStore(&service.StoreConfig{
		LogPath:      path,
		SyncWrites:   true,
		FatalHandler: func(error) {},
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	for key, attrs := range records {
		require.NoError(t, store.NewRecord(key, classad.New(attrs)))
	}
	require.NoError(t, store.Close())
	return path
}

func runTool(t *testing.T, args ...string) (string, error) {
	t.Helper()
	tool := newTool()
	var out, errOut bytes.Buffer
	tool.Root.SetOut(&out)
	tool.Root.SetErr(&errOut)
	tool.Root.SetArgs(args)
	err := tool.Root.Execute()
	return out.String(), err
}

var jobs = map[string]map[string]any{
	"job1": {"Owner": "alice", "Cpus": 4},
	"job2": {"Owner": "bob", "Cpus": 1},
	"job3": {"Owner": "alice", "Cpus": 8},
}

func TestDump(t *testing.T) {
	path := writeStore(t, jobs)

	out, err := runTool(t, "dump", path)
	require.NoError(t, err)
	assert.Equal(t, `job1 {"Cpus":4,"Owner":"alice"}
job2 {"Cpus":1,"Owner":"bob"}
job3 {"Cpus":8,"Owner":"alice"}
`, out)

	out, err = runTool(t, "dump", "--from", "job2", path)
	require.NoError(t, err)
	assert.Equal(t, `job2 {"Cpus":1,"Owner":"bob"}
job3 {"Cpus":8,"Owner":"alice"}
`, out)

	out, err = runTool(t, "dump", "--format", "table", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Cpus,Owner")
	assert.Contains(t, out, "job3")

	_, err = runTool(t, "dump", "--format", "xml", path)
	assert.Error(t, err)

	_, err = runTool(t, "dump", filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}

func TestDumpDoesNotModifyLog(t *testing.T) {
	path := writeStore(t, jobs)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = runTool(t, "dump", path)
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestVerify(t *testing.T) {
	path := writeStore(t, jobs)

	out, err := runTool(t, "verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, "records:      3\n")
	assert.Contains(t, out, "truncated:    false\n")

	// Cut the log inside its last entry.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0644))

	out, err = runTool(t, "verify", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log is damaged")
	assert.Contains(t, out, "truncated:    true\n")
	assert.Contains(t, out, "records:      2\n")
}

func TestCompact(t *testing.T) {
	path := writeStore(t, jobs)

	// Append a truncated entry, then compact it away.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("201\njob4 {\"Own")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := runTool(t, "compact", "--keep", "1", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, path+": 3 records, sequence 2,"), out)

	_, err = os.Stat(service.HistoricalLogPath(path, 1))
	assert.NoError(t, err)

	_, err = runTool(t, "verify", path)
	assert.NoError(t, err)
}

func TestPartitions(t *testing.T) {
	path := writeStore(t, jobs)

	out, err := runTool(t, "partitions", "--attrs", "Owner", path)
	require.NoError(t, err)
	assert.Contains(t, out, `["alice"]`)
	assert.Contains(t, out, `["bob"]`)
	assert.Contains(t, out, "TOTAL")

	out, err = runTool(t, "partitions", "--attrs", "Owner", "--constraint", "Cpus > 2", path)
	require.NoError(t, err)
	assert.Contains(t, out, `["alice"]`)
	assert.NotContains(t, out, `["bob"]`)

	_, err = runTool(t, "partitions", path)
	assert.Error(t, err)

	_, err = runTool(t, "partitions", "--attrs", "Owner", "--constraint", "Cpus >", path)
	assert.Error(t, err)
}
