package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/errors"
)

// Usage is a point-in-time view of the filesystem holding the log.
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Percent returns the used share of the filesystem in percent.
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc reports filesystem usage for a directory.
type StatFunc func(dir string) (Usage, error)

// DiskManager rejects log appends before they are attempted when the
// filesystem is close to full. A rejected write never reaches the log, so
// it is an ordinary error rather than a durability failure.
type DiskManager struct {
	dataDir       string
	stat          StatFunc
	logger        *zap.Logger
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu              sync.Mutex
	lastCheck       time.Time
	usage           Usage
	isThrottled     bool
	isCircuitBroken bool
}

// Config holds disk guard thresholds in percent of the filesystem.
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64

	// Stat defaults to statfs(2) on DataDir.
	Stat StatFunc
}

// DefaultConfig returns default disk guard configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk guard and performs an initial check.
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.ThrottleThreshold > cfg.CircuitBreakerThreshold {
		return nil, fmt.Errorf("throttle threshold %.1f exceeds circuit breaker threshold %.1f",
			cfg.ThrottleThreshold, cfg.CircuitBreakerThreshold)
	}

	stat := cfg.Stat
	if stat == nil {
		stat = Statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		stat:                    stat,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	dm.mu.Lock()
	if err := dm.refresh(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

// CheckBeforeWrite returns a DiskFull or DiskThrottled StorageError if a
// write of estimatedBytes should not be attempted. A nil DiskManager
// accepts every write.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	if dm == nil {
		return nil
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	percent := dm.usage.Percent()
	if dm.isCircuitBroken {
		return errors.DiskFull(percent, dm.usage.AvailableBytes)
	}

	// Small writes still go through while throttled.
	if dm.isThrottled && estimatedBytes > dm.usage.AvailableBytes/10 {
		return errors.DiskThrottled(percent)
	}

	if estimatedBytes > dm.usage.AvailableBytes {
		return errors.DiskFull(percent, dm.usage.AvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}

	return nil
}

// refresh must be called with mu held.
func (dm *DiskManager) refresh() error {
	usage, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}

	dm.usage = usage
	dm.lastCheck = time.Now()
	percent := usage.Percent()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = percent >= dm.circuitBreakerThreshold
	dm.isThrottled = percent >= dm.throttleThreshold && !dm.isCircuitBroken

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker engaged",
			zap.Float64("usage_percent", percent),
			zap.Uint64("available_bytes", usage.AvailableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker disengaged",
			zap.Float64("usage_percent", percent))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling enabled",
			zap.Float64("usage_percent", percent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling disabled",
			zap.Float64("usage_percent", percent))
	}

	if percent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", percent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// Stats returns the cached disk usage. A nil DiskManager reports zero
// usage.
func (dm *DiskManager) Stats() Stats {
	if dm == nil {
		return Stats{}
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return Stats{
		UsagePercent:    dm.usage.Percent(),
		AvailableBytes:  dm.usage.AvailableBytes,
		UsedBytes:       dm.usage.TotalBytes - dm.usage.AvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck refreshes the cached usage immediately.
func (dm *DiskManager) ForceCheck() error {
	if dm == nil {
		return nil
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refresh()
}

// Stats contains disk usage statistics
type Stats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	UsedBytes       uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// Statfs reports usage of the filesystem holding dir.
func Statfs(dir string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}
