package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/adstore/internal/util/eventloop"
)

// Check statuses. A critical check makes the node not ready.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// StoreProbe returns store counters. It is expected to run on the store's
// event loop and to respect ctx.
type StoreProbe func(ctx context.Context) (service.StoreStats, error)

// HealthChecker performs health checks for the store node
type HealthChecker struct {
	nodeID       string
	dataDir      string
	probeTimeout time.Duration
	disk         *diskmanager.DiskManager
	loop         *eventloop.Loop
	probe        StoreProbe
	logger       *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID       string
	DataDir      string
	ProbeTimeout time.Duration
}

// NewHealthChecker creates a new health checker. disk and loop may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, disk *diskmanager.DiskManager, loop *eventloop.Loop, probe StoreProbe, logger *zap.Logger) *HealthChecker {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		nodeID:       cfg.NodeID,
		dataDir:      cfg.DataDir,
		probeTimeout: timeout,
		disk:         disk,
		loop:         loop,
		probe:        probe,
		logger:       logger,
		checks:       make(map[string]CheckResult),
		status:       model.NodeStatusHealthy,
		readinessOK:  true,
	}
}

// Start runs the checks every interval until ctx is done.
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial check
	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check and updates the node status.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkDiskSpace(),
		h.checkDataDirAccessible(),
		h.checkEventLoop(),
	}
	store, metrics := h.checkStore(ctx)
	results = append(results, store)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = allReady && !h.draining
	h.metrics = metrics

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

// checkDiskSpace reports the disk guard state
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.disk == nil {
		return result("disk_space", StatusHealthy, "Disk guard disabled")
	}
	stats := h.disk.Stats()
	switch {
	case stats.IsCircuitBroken:
		return result("disk_space", StatusCritical,
			fmt.Sprintf("Writes rejected, disk usage %.2f%%", stats.UsagePercent))
	case stats.IsThrottled:
		return result("disk_space", StatusWarning,
			fmt.Sprintf("Writes throttled, disk usage %.2f%%", stats.UsagePercent))
	default:
		return result("disk_space", StatusHealthy,
			fmt.Sprintf("Disk usage %.2f%%", stats.UsagePercent))
	}
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", StatusCritical,
			fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", StatusCritical, "Data path is not a directory")
	}

	// Try to create a test file
	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", StatusCritical,
			fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", StatusHealthy, "Data directory is accessible and writable")
}

// checkEventLoop warns when the store's task queue is nearly full
func (h *HealthChecker) checkEventLoop() CheckResult {
	if h.loop == nil {
		return result("event_loop", StatusHealthy, "No event loop")
	}
	stats := h.loop.Stats()
	utilization := stats.QueueUtilization()
	if utilization > 90 {
		return result("event_loop", StatusWarning,
			fmt.Sprintf("Task queue %.0f%% full (%d/%d)", utilization, stats.QueuedTasks, stats.QueueSize))
	}
	return result("event_loop", StatusHealthy,
		fmt.Sprintf("Task queue %d/%d", stats.QueuedTasks, stats.QueueSize))
}

// checkStore probes the store through its event loop. A store that stopped
// after a log failure, or that does not answer in time, is critical.
func (h *HealthChecker) checkStore(ctx context.Context) (CheckResult, model.HealthMetrics) {
	var metrics model.HealthMetrics
	if h.loop != nil {
		metrics.QueuedTasks = h.loop.Stats().QueuedTasks
	}
	if h.disk != nil {
		metrics.DiskUsage = h.disk.Stats().UsagePercent
	}
	if h.probe == nil {
		return result("store", StatusHealthy, "No store probe"), metrics
	}

	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()
	stats, err := h.probe(ctx)
	if err != nil {
		return result("store", StatusCritical, fmt.Sprintf("Store did not respond: %v", err)), metrics
	}

	metrics.Records = stats.Records
	metrics.Views = stats.Views
	metrics.TransactionOpen = stats.TransactionOpen
	if stats.Failed {
		return result("store", StatusCritical, "Store stopped after a commit log failure"), metrics
	}
	return result("store", StatusHealthy, fmt.Sprintf("%d records, %d views", stats.Records, stats.Views)), metrics
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetDraining marks the node as shutting down so readiness fails.
func (h *HealthChecker) SetDraining() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	h.readinessOK = false
}

// LivenessHandler serves the health status. It fails only when the store
// is unhealthy.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == model.NodeStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": h.GetChecks(),
	})
}
