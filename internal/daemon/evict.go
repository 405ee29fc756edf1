package daemon

import (
	"context"
	stderr "errors"
	"io/fs"
	"os"
	"time"

	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// PressureGauge reports whether the host is short on memory.
type PressureGauge interface {
	UnderPressure() bool
}

// EvictConfig configures the evictor.
type EvictConfig struct {
	Interval time.Duration
	// PressureInterval replaces Interval while the gauge reports pressure.
	PressureInterval time.Duration
	// IsOpen reports whether a namespace path has open handles. Open files
	// are never evicted. Nil means nothing is open.
	IsOpen func(rel string) bool
}

// Evictor removes flushed files from the fast tiers, one per pass.
type Evictor struct {
	hierarchy *tier.Hierarchy
	config    EvictConfig
	gauge     PressureGauge
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector
}

// NewEvictor creates an evictor over h. gauge may be nil.
func NewEvictor(h *tier.Hierarchy, config EvictConfig, gauge PressureGauge, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Evictor {
	if config.Interval <= 0 {
		config.Interval = 20 * time.Second
	}
	if config.PressureInterval <= 0 {
		config.PressureInterval = 5 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Evictor{
		hierarchy: h,
		config:    config,
		gauge:     gauge,
		logger:    logger.WithComponent("evict"),
		metrics:   metrics,
	}
}

// Run evicts on the current interval until ctx is done.
func (e *Evictor) Run(ctx context.Context) error {
	return every(ctx, e.nextInterval, func(ctx context.Context) {
		if _, _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("eviction pass failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

func (e *Evictor) nextInterval() time.Duration {
	if e.gauge != nil && e.gauge.UnderPressure() {
		return e.config.PressureInterval
	}
	return e.config.Interval
}

// RunOnce considers the least recently accessed ReadOnly fast file that is not
// open and deletes it if the backing root holds a copy of exactly the same
// size. It reports the file and whether it was evicted.
func (e *Evictor) RunOnce(ctx context.Context) (types.FileRecord, bool, error) {
	records, err := Census(ctx, e.hierarchy, e.logger)
	if err != nil {
		return types.FileRecord{}, false, err
	}

	var (
		oldest types.FileRecord
		found  bool
	)
	for _, rec := range records {
		if e.config.IsOpen != nil && e.config.IsOpen(rec.Rel) {
			e.logger.Debug("file is open, not evicting", map[string]interface{}{"path": rec.Rel})
			continue
		}
		oldest, found = rec, true
		break
	}
	if !found {
		return types.FileRecord{}, false, nil
	}

	backing, err := os.Lstat(e.hierarchy.Backing().Join(oldest.Rel))
	if err != nil {
		if !stderr.Is(err, fs.ErrNotExist) {
			return oldest, false, err
		}
		e.logger.Debug("oldest file not flushed yet", map[string]interface{}{"path": oldest.Rel})
		return oldest, false, nil
	}
	if !backing.Mode().IsRegular() || backing.Size() != oldest.Size {
		e.logger.Debug("backing copy differs, keeping fast copy", map[string]interface{}{
			"path":         oldest.Rel,
			"size":         oldest.Size,
			"backing_size": backing.Size(),
		})
		return oldest, false, nil
	}

	if err := os.Remove(oldest.Physical()); err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return oldest, false, nil
		}
		return oldest, false, err
	}
	e.metrics.RecordEviction(oldest.Mount.Tier.Name, oldest.Size)
	e.logger.Info("evicted", map[string]interface{}{
		"path":  oldest.Rel,
		"from":  oldest.Mount.Path,
		"bytes": utils.FormatBytes(uint64(oldest.Size)),
	})
	return oldest, true, nil
}
