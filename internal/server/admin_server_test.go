package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/health"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/util/eventloop"
)

type adminFixture struct {
	server *AdminServer
	store  *service.StoreService
	loop   *eventloop.Loop
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)

	store, err := service.OpenStore(&service.StoreConfig{
		LogPath:      filepath.Join(dir, "records.log"),
		FatalHandler: func(error) {},
	}, nil, m, logger)
	require.NoError(t, err)

	require.NoError(t, store.NewRecord("job1", classad.New(map[string]any{"Owner": "alice", "Cpus": 4})))
	require.NoError(t, store.NewRecord("job2", classad.New(map[string]any{"Owner": "bob", "Cpus": 1})))
	require.NoError(t, store.NewRecord("job3", classad.New(map[string]any{"Owner": "alice", "Cpus": 8})))
	_, err = store.CreateConstraintView(0, "Cpus", "Cpus > 1")
	require.NoError(t, err)

	loop := eventloop.New(&eventloop.Config{Name: "store", QueueSize: 16, Logger: logger})
	t.Cleanup(func() {
		loop.Stop(time.Second)
		store.Close()
	})

	probe := func(ctx context.Context) (service.StoreStats, error) {
		var stats service.StoreStats
		err := loop.Do(ctx, "health-probe", func(context.Context) error {
			stats = store.Stats()
			return nil
		})
		return stats, err
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1", DataDir: dir},
		nil, loop, probe, logger)
	checker.RunChecks(context.Background())

	s := NewAdminServer(&AdminServerConfig{Host: "127.0.0.1", Port: 0}, store, loop, checker, reg, m, nil, logger)
	return &adminFixture{server: s, store: store, loop: loop}
}

func (f *adminFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminServer_Views(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.get(t, "/views")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []model.ViewSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "explicit", views[0].Kind)
	assert.Equal(t, 3, views[0].Size)
	assert.Equal(t, []int{1}, views[0].Children)
	assert.Equal(t, "constraint", views[1].Kind)
	assert.Equal(t, 2, views[1].Size)
}

func TestAdminServer_Members(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantKeys []string
	}{
		{name: "ranked", path: "/views/1/members", wantCode: http.StatusOK, wantKeys: []string{"job1", "job3"}},
		{name: "limited", path: "/views/1/members?limit=1", wantCode: http.StatusOK, wantKeys: []string{"job1"}},
		{name: "unknown view", path: "/views/7/members", wantCode: http.StatusNotFound},
		{name: "bad id", path: "/views/x/members", wantCode: http.StatusBadRequest},
		{name: "bad limit", path: "/views/1/members?limit=-2", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.path)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantKeys == nil {
				return
			}
			var body struct {
				Members []struct {
					Key  string  `json:"key"`
					Rank float64 `json:"rank"`
				} `json:"members"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			var keys []string
			for _, m := range body.Members {
				keys = append(keys, m.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
		})
	}
}

func TestAdminServer_Ads(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.get(t, "/ads/job2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Key string         `json:"key"`
		Ad  map[string]any `json:"ad"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "job2", body.Key)
	assert.Equal(t, "bob", body.Ad["Owner"])

	rec = f.get(t, "/ads/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "key not found: missing")
}

func TestAdminServer_StatsAndHealth(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.StoreStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 2, stats.Views)

	assert.Equal(t, http.StatusOK, f.get(t, "/health").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/ready").Code)

	f.server.updateSystemMetrics()
	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "adstore_"), "expected adstore metrics")
}

func TestAdminServer_StoppedLoop(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.loop.Stop(time.Second))

	rec := f.get(t, "/views")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
