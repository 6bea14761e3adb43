package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/errors"
	"github.com/devrev/pairdb/adstore/internal/health"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/storage/collection"
	"github.com/devrev/pairdb/adstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/adstore/internal/util/eventloop"
)

// AdminServer serves metrics, health and read-only views of the store over
// HTTP. Store reads run on the store's event loop.
type AdminServer struct {
	httpServer     *http.Server
	store          *service.StoreService
	loop           *eventloop.Loop
	checker        *health.HealthChecker
	metrics        *metrics.Metrics
	disk           *diskmanager.DiskManager
	logger         *zap.Logger
	requestTimeout time.Duration
	collectEvery   time.Duration
	stopChan       chan struct{}
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Host            string
	Port            int
	MetricsPath     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	CollectInterval time.Duration
}

// NewAdminServer creates a new admin server
func NewAdminServer(
	cfg *AdminServerConfig,
	store *service.StoreService,
	loop *eventloop.Loop,
	checker *health.HealthChecker,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	disk *diskmanager.DiskManager,
	logger *zap.Logger,
) *AdminServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}

	mux := http.NewServeMux()

	s := &AdminServer{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		store:          store,
		loop:           loop,
		checker:        checker,
		metrics:        m,
		disk:           disk,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
		collectEvery:   cfg.CollectInterval,
		stopChan:       make(chan struct{}),
	}

	// Register Prometheus metrics handler
	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", checker.LivenessHandler)
	mux.HandleFunc("GET /ready", checker.ReadinessHandler)

	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /views", s.viewsHandler)
	mux.HandleFunc("GET /views/{id}/members", s.membersHandler)
	mux.HandleFunc("GET /ads/{key}", s.adHandler)

	return s
}

// Handler returns the HTTP handler of the server
func (s *AdminServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until Stop is called. It returns nil after a clean shutdown.
func (s *AdminServer) Run() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	// Start system metrics collector
	go s.collectSystemMetrics()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// statsHandler serves the store counters
func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	var stats service.StoreStats
	err := s.onLoop(r, "admin-stats", func() error {
		stats = s.store.Stats()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// viewsHandler lists every view
func (s *AdminServer) viewsHandler(w http.ResponseWriter, r *http.Request) {
	var views []model.ViewSummary
	err := s.onLoop(r, "admin-views", func() error {
		views = s.store.Describe()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// membersHandler lists the ranked members of a view, optionally limited
// by ?limit=N.
func (s *AdminServer) membersHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, errors.InvalidArgument("view id must be an integer", err))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			s.writeError(w, errors.InvalidArgument("limit must be a non-negative integer", err))
			return
		}
	}

	var members []collection.Member
	err = s.onLoop(r, "admin-members", func() error {
		var ok bool
		members, ok = s.store.ViewMembers(collection.ID(id), limit)
		if !ok {
			return errors.ViewNotFound(id)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if members == nil {
		members = []collection.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"view_id": id,
		"members": members,
	})
}

// adHandler serves the committed value of a record
func (s *AdminServer) adHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var ad classad.Ad
	err := s.onLoop(r, "admin-ad", func() error {
		var ok bool
		ad, ok = s.store.Lookup(key)
		if !ok {
			return errors.KeyNotFound(key)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key": key,
		"ad":  ad,
	})
}

// onLoop runs fn on the store's event loop within the request timeout.
// Results written by fn may only be read when onLoop returns nil.
func (s *AdminServer) onLoop(r *http.Request, id string, fn func() error) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	return s.loop.Do(ctx, id, func(context.Context) error {
		return fn()
	})
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeKeyNotFound, errors.ErrCodeViewNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	default:
		if stderrors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
	}
	if status >= 500 {
		s.logger.Warn("Admin request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.collectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *AdminServer) updateSystemMetrics() {
	if err := s.disk.ForceCheck(); err != nil {
		s.logger.Error("Failed to get disk stats", zap.Error(err))
	}
	disk := s.disk.Stats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(
		int64(disk.UsedBytes),
		int64(disk.AvailableBytes),
		int64(memStats.Alloc),
		runtime.NumGoroutine(),
		s.loop.Stats().QueuedTasks,
	)
}
