package daemon

import (
	"context"
	stderr "errors"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/seafs/seafs/internal/hfs"
	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/retry"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// FlushConfig configures the flusher.
type FlushConfig struct {
	Interval time.Duration
	// Verify re-reads each copy and compares checksums before publishing it.
	Verify bool
	Retry  retry.Config
}

// PassStats summarizes one daemon pass.
type PassStats struct {
	Scanned int
	Copied  int
	Skipped int
	Failed  int
	Bytes   int64
}

// Flusher copies ReadOnly files from the fast tiers to the backing root.
type Flusher struct {
	hierarchy *tier.Hierarchy
	config    FlushConfig
	retryer   *retry.Retryer
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector
}

// NewFlusher creates a flusher over h.
func NewFlusher(h *tier.Hierarchy, config FlushConfig, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Flusher {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Flusher{
		hierarchy: h,
		config:    config,
		retryer:   retry.New(config.Retry),
		logger:    logger.WithComponent("flush"),
		metrics:   metrics,
	}
}

// Run flushes every interval until ctx is done.
func (f *Flusher) Run(ctx context.Context) error {
	return every(ctx, func() time.Duration { return f.config.Interval }, func(ctx context.Context) {
		if _, err := f.RunOnce(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("flush pass failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

// RunOnce copies every ReadOnly fast file that is missing at the backing root.
// Running it again without new files copies nothing.
func (f *Flusher) RunOnce(ctx context.Context) (PassStats, error) {
	var stats PassStats
	records, err := Census(ctx, f.hierarchy, f.logger)
	if err != nil {
		return stats, err
	}
	backing := f.hierarchy.Backing()

	for _, rec := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		dst := backing.Join(rec.Rel)
		if _, err := os.Lstat(dst); err == nil {
			stats.Skipped++
			continue
		}

		n, err := f.flush(ctx, rec, dst)
		switch {
		case err == nil && n < 0:
			stats.Skipped++
		case err == nil:
			stats.Copied++
			stats.Bytes += n
			f.metrics.RecordFlush(rec.Mount.Tier.Name, n, true)
		case stderr.Is(err, fs.ErrNotExist):
			// unlinked or renamed since the census
			stats.Skipped++
		default:
			stats.Failed++
			f.metrics.RecordFlush(rec.Mount.Tier.Name, 0, false)
			fields := map[string]interface{}{
				"path":  rec.Rel,
				"from":  rec.Mount.Path,
				"error": err.Error(),
			}
			if errors.IsOutOfSpace(err) {
				f.logger.Warn("backing root is full, flush deferred", fields)
			} else {
				f.logger.Error("flush failed", fields)
			}
		}
	}

	if stats.Copied > 0 || stats.Failed > 0 {
		f.logger.Info("flush pass complete", map[string]interface{}{
			"copied":  stats.Copied,
			"skipped": stats.Skipped,
			"failed":  stats.Failed,
			"bytes":   utils.FormatBytes(uint64(stats.Bytes)),
		})
	}
	return stats, nil
}

// flush copies one file. It returns -1 when the source changed during the copy
// and the result was discarded.
func (f *Flusher) flush(ctx context.Context, rec types.FileRecord, dst string) (int64, error) {
	src := rec.Physical()
	before, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if err := ensureParents(rec.Mount, f.hierarchy.Backing(), rec.Rel); err != nil {
		return 0, err
	}

	var res hfs.CopyResult
	err = f.retryer.DoWithContext(ctx, func(context.Context) error {
		var err error
		res, err = hfs.CopyFile(src, dst, before.Mode(), f.config.Verify)
		return err
	})
	if err != nil {
		return 0, err
	}

	// a writer reopened the file mid-copy; the copy may be torn
	after, err := os.Stat(src)
	if err != nil || after.Mode().Perm()&0o200 != 0 || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		os.Remove(dst)
		f.logger.Debug("source changed during flush", map[string]interface{}{"path": rec.Rel})
		return -1, nil
	}

	f.logger.Debug("flushed", map[string]interface{}{
		"path":     rec.Rel,
		"from":     rec.Mount.Path,
		"bytes":    res.Bytes,
		"checksum": res.Checksum,
	})
	return res.Bytes, nil
}

// ensureParents creates the ancestors of rel on dst, taking each directory's
// mode from src.
func ensureParents(src, dst *types.Mountpoint, rel string) error {
	dir := path.Dir(rel)
	if dir == "/" {
		return nil
	}
	if _, err := os.Lstat(dst.Join(dir)); err == nil {
		return nil
	}
	if err := ensureParents(src, dst, dir); err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if info, err := os.Stat(src.Join(dir)); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Mkdir(dst.Join(dir), mode); err != nil && !stderr.Is(err, fs.ErrExist) {
		return errors.WrapIO("mkdir", dst.Join(dir), err)
	}
	return nil
}

// every runs fn, then waits interval() before the next run, until ctx is done.
func every(ctx context.Context, interval func() time.Duration, fn func(context.Context)) error {
	timer := time.NewTimer(interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		fn(ctx)
		timer.Reset(interval())
	}
}
