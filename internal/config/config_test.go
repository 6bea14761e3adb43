package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  node_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.AdminPort)
	assert.Equal(t, "/var/lib/adstore", cfg.Storage.DataDir)
	assert.Equal(t, "/var/lib/adstore/records.log", cfg.Storage.LogPath())
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 10*time.Minute, cfg.Storage.CheckpointInterval)
	assert.Equal(t, 1024, cfg.Collection.ExpressionCacheSize)
	assert.Equal(t, 95.0, cfg.Disk.CircuitBreakerThreshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.ChangeFeed.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  node_id: node-1
  admin_port: 9191
storage:
  data_dir: /data
  log_file: /logs/jobs.log
  sync_writes: false
  max_historical_logs: 3
  checkpoint_interval: 1m
collection:
  root_rank: Priority
views:
  - name: idle
    kind: constraint
    constraint: JobStatus == 1
    rank: QDate
  - name: idle_by_owner
    kind: partition
    parent: idle
    attributes: [Owner]
change_feed:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
  topic: jobs
logging:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.AdminPort)
	assert.Equal(t, "/logs/jobs.log", cfg.Storage.LogPath())
	assert.False(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 3, cfg.Storage.MaxHistoricalLogs)
	assert.Equal(t, time.Minute, cfg.Storage.CheckpointInterval)
	assert.Equal(t, "Priority", cfg.Collection.RootRank)
	require.Len(t, cfg.Views, 2)
	assert.Equal(t, []string{"Owner"}, cfg.Views[1].Attributes)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.ChangeFeed.Brokers)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ADSTORE_NODE_ID", "env-node")
	t.Setenv("ADSTORE_DATA_DIR", "/env/data")
	t.Setenv("ADSTORE_ADMIN_PORT", "9300")
	t.Setenv("ADSTORE_LOG_LEVEL", "debug")
	t.Setenv("ADSTORE_CHANGE_FEED_BROKERS", "a:9092, b:9092")

	cfg, err := Parse([]byte("server:\n  node_id: file-node\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Server.NodeID)
	assert.Equal(t, "/env/data/records.log", cfg.Storage.LogPath())
	assert.Equal(t, 9300, cfg.Server.AdminPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.ChangeFeed.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.ChangeFeed.Brokers)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing node id",
			yaml: "server:\n  admin_port: 9090\n",
		},
		{
			name: "port out of range",
			yaml: "server:\n  node_id: n\n  admin_port: 70000\n",
		},
		{
			name: "negative historical logs",
			yaml: "server:\n  node_id: n\nstorage:\n  max_historical_logs: -1\n",
		},
		{
			name: "thresholds out of order",
			yaml: "server:\n  node_id: n\ndisk:\n  throttle_threshold: 97\n",
		},
		{
			name: "feed without brokers",
			yaml: "server:\n  node_id: n\nchange_feed:\n  enabled: true\n",
		},
		{
			name: "bad log format",
			yaml: "server:\n  node_id: n\nlogging:\n  format: xml\n",
		},
		{
			name: "view parent declared later",
			yaml: "server:\n  node_id: n\nviews:\n  - {name: a, kind: constraint, parent: b, constraint: 'true'}\n  - {name: b, kind: constraint, constraint: 'true'}\n",
		},
		{
			name: "partition without attributes",
			yaml: "server:\n  node_id: n\nviews:\n  - {name: a, kind: partition}\n",
		},
		{
			name: "unknown view kind",
			yaml: "server:\n  node_id: n\nviews:\n  - {name: a, kind: explicit}\n",
		},
		{
			name: "not yaml",
			yaml: "server: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
