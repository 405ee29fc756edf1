package tier

import (
	stderr "errors"
	"io/fs"
	"path/filepath"

	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// SelectorConfig tunes placement.
type SelectorConfig struct {
	// SafetyMargin is the headroom required beyond the requested size.
	SafetyMargin uint64
	// MemoryBudget caps the bytes this session may hold on memory tiers.
	// Ignored unless HasBudget is set.
	MemoryBudget uint64
	HasBudget    bool
}

// Selector picks the mountpoint for new data. Free space is queried on every
// call.
type Selector struct {
	hierarchy *Hierarchy
	prober    types.SpaceProber
	config    SelectorConfig
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector

	usage func(dir string) (uint64, error)
}

// NewSelector creates a selector over the hierarchy.
func NewSelector(h *Hierarchy, prober types.SpaceProber, config SelectorConfig, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Selector {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if config.SafetyMargin < 1<<20 {
		config.SafetyMargin = 1 << 20
	}
	return &Selector{
		hierarchy: h,
		prober:    prober,
		config:    config,
		logger:    logger.WithComponent("placement"),
		metrics:   metrics,
		usage:     DirUsage,
	}
}

// Hierarchy returns the hierarchy the selector places into.
func (s *Selector) Hierarchy() *Hierarchy {
	return s.hierarchy
}

// Available returns the usable free bytes of mp. Memory tiers are additionally
// capped by what remains of the memory budget.
func (s *Selector) Available(mp *types.Mountpoint) (uint64, error) {
	info, err := s.prober.Space(mp.Path)
	if err != nil {
		return 0, err
	}
	free := info.Free
	if !mp.Tier.IsMemory() || !s.config.HasBudget {
		return free, nil
	}

	var used uint64
	for _, m := range s.hierarchy.mounts {
		if !m.Tier.IsMemory() || m.Backing {
			continue
		}
		u, err := s.usage(m.Path)
		if err != nil {
			return 0, err
		}
		used += u
	}
	if used >= s.config.MemoryBudget {
		return 0, nil
	}
	return min(free, s.config.MemoryBudget-used), nil
}

// Select returns the highest-priority mountpoint whose available space exceeds
// minFree plus the safety margin.
func (s *Selector) Select(minFree uint64) (*types.Mountpoint, error) {
	need := minFree + s.config.SafetyMargin
	for _, mp := range s.hierarchy.mounts {
		avail, err := s.Available(mp)
		if err != nil {
			s.logger.Warn("free space query failed", map[string]interface{}{
				"path":  mp.Path,
				"error": err.Error(),
			})
			continue
		}
		if avail > need {
			s.logger.Trace("placement", map[string]interface{}{
				"path":      mp.Path,
				"tier":      mp.Tier.Name,
				"available": utils.FormatBytes(avail),
				"requested": utils.FormatBytes(minFree),
			})
			s.metrics.RecordPlacement(mp.Tier.Name)
			return mp, nil
		}
	}

	s.logger.Error("no mountpoint has room", map[string]interface{}{
		"requested": utils.FormatBytes(minFree),
		"margin":    utils.FormatBytes(s.config.SafetyMargin),
	})
	s.metrics.RecordCapacityExhausted()
	return nil, errors.NewCapacityExhausted(minFree)
}

// DirUsage sums the apparent size of the regular files under dir.
func DirUsage(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// files vanish while the tree is being written
			if stderr.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}
