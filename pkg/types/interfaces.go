package types

import (
	"time"
)

// SpaceProber reports live capacity for a directory. Implementations must not cache.
type SpaceProber interface {
	Space(path string) (SpaceInfo, error)
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordPlacement(tier string)
	RecordCapacityExhausted()
	RecordMigration(from, to string, bytes int64, success bool)
	RecordFlush(tier string, bytes int64, success bool)
	RecordEviction(tier string, bytes int64)
	RecordPartialTierFailure(operation string)
	RecordMemoryUtilization(percent float64)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordPlacement(string)                            {}
func (NopMetrics) RecordCapacityExhausted()                          {}
func (NopMetrics) RecordMigration(string, string, int64, bool)       {}
func (NopMetrics) RecordFlush(string, int64, bool)                   {}
func (NopMetrics) RecordEviction(string, int64)                      {}
func (NopMetrics) RecordPartialTierFailure(string)                   {}
func (NopMetrics) RecordMemoryUtilization(float64)                   {}
