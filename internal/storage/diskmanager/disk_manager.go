// Package diskmanager vets backup destinations before images are written.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
)

// Usage is a filesystem usage sample
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Percent returns the used share of the filesystem
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc samples the filesystem holding dir
type StatFunc func(dir string) (Usage, error)

// Statfs samples the filesystem with statfs(2)
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

// Config holds configuration for the disk manager
type Config struct {
	Dir           string
	CheckInterval time.Duration
	// WarningThreshold logs a warning at this usage percentage
	WarningThreshold float64
	// LimitThreshold refuses writes at this usage percentage
	LimitThreshold float64
	Stat           StatFunc
}

// DefaultConfig returns the default configuration for dir
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:              dir,
		CheckInterval:    10 * time.Second,
		WarningThreshold: 80.0,
		LimitThreshold:   95.0,
		Stat:             Statfs,
	}
}

// DiskManager caches usage samples for one directory
type DiskManager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	usage     Usage
	limited   bool
}

// NewDiskManager creates a disk manager and takes the first sample
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	c := *cfg
	if c.Stat == nil {
		c.Stat = Statfs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{cfg: c, logger: logger}

	dm.mu.Lock()
	err := dm.checkLocked()
	dm.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return dm, nil
}

// CheckBeforeWrite refuses a write of estimatedBytes when the filesystem is
// past its limit or cannot hold the write
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.cfg.CheckInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.limited || estimatedBytes > dm.usage.AvailableBytes {
		return accesserrors.DiskFull(dm.usage.Percent(), dm.usage.AvailableBytes).
			WithDetail("dir", dm.cfg.Dir).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// Usage returns the most recent sample
func (dm *DiskManager) Usage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usage
}

// checkLocked must be called with mu held
func (dm *DiskManager) checkLocked() error {
	usage, err := dm.cfg.Stat(dm.cfg.Dir)
	if err != nil {
		return err
	}
	pct := usage.Percent()
	wasLimited := dm.limited

	dm.usage = usage
	dm.lastCheck = time.Now()
	dm.limited = pct >= dm.cfg.LimitThreshold

	switch {
	case dm.limited && !wasLimited:
		dm.logger.Error("Disk limit reached, refusing writes",
			zap.String("dir", dm.cfg.Dir),
			zap.Float64("usage_percent", pct),
			zap.Uint64("available_bytes", usage.AvailableBytes))
	case !dm.limited && wasLimited:
		dm.logger.Info("Disk usage back under limit",
			zap.String("dir", dm.cfg.Dir),
			zap.Float64("usage_percent", pct))
	case pct >= dm.cfg.WarningThreshold && !dm.limited:
		dm.logger.Warn("Disk usage warning",
			zap.String("dir", dm.cfg.Dir),
			zap.Float64("usage_percent", pct),
			zap.Float64("warning_threshold", dm.cfg.WarningThreshold))
	}
	return nil
}
