// Package memmon samples system memory utilization for SeaFS. The eviction daemon
// uses it to decide when the host is under memory pressure.
package memmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/seafs/seafs/pkg/utils"
)

// Source reports a point-in-time memory reading.
type Source interface {
	Read() (MemorySample, error)
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp time.Time
	Total     uint64 // bytes
	Available uint64 // bytes
}

// UtilizationPct is the percentage of memory not available for new allocations.
func (s MemorySample) UtilizationPct() float64 {
	if s.Total == 0 {
		return 0
	}
	used := s.Total - min(s.Available, s.Total)
	return 100 * float64(used) / float64(s.Total)
}

// ProcSource reads /proc/meminfo through procfs.
type ProcSource struct {
	fs procfs.FS
}

// NewProcSource opens the proc filesystem at procRoot ("" means /proc).
func NewProcSource(procRoot string) (*ProcSource, error) {
	var (
		fs  procfs.FS
		err error
	)
	if procRoot == "" {
		fs, err = procfs.NewDefaultFS()
	} else {
		fs, err = procfs.NewFS(procRoot)
	}
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSource{fs: fs}, nil
}

// Read implements Source.
func (p *ProcSource) Read() (MemorySample, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return MemorySample{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return MemorySample{}, fmt.Errorf("meminfo has no MemTotal")
	}

	var availKB uint64
	switch {
	case mi.MemAvailable != nil:
		availKB = *mi.MemAvailable
	case mi.MemFree != nil:
		// kernels before 3.14
		availKB = *mi.MemFree
		if mi.Buffers != nil {
			availKB += *mi.Buffers
		}
		if mi.Cached != nil {
			availKB += *mi.Cached
		}
	}

	return MemorySample{
		Timestamp: time.Now(),
		Total:     *mi.MemTotal * 1024,
		Available: availKB * 1024,
	}, nil
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often the background loop samples
	SampleInterval time.Duration

	// Threshold is the utilization percentage above which the host is under pressure
	Threshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// OnSample, if set, is called after every successful sample
	OnSample func(MemorySample)

	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 5 * time.Second,
		Threshold:      60,
		MaxSamples:     60,
	}
}

// MemoryMonitor tracks system memory utilization
type MemoryMonitor struct {
	config MonitorConfig
	source Source
	logger *utils.StructuredLogger

	mu      sync.RWMutex
	samples []MemorySample
	current MemorySample

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(source Source, config MonitorConfig) *MemoryMonitor {
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultMonitorConfig().MaxSamples
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultMonitorConfig().SampleInterval
	}

	return &MemoryMonitor{
		config:  config,
		source:  source,
		logger:  config.Logger.WithComponent("memmon"),
		samples: make([]MemorySample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic sampling in the background
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("memory monitor already started")
	}

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}
	close(mm.stopCh)
	mm.wg.Wait()
	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		if _, err := mm.Sample(); err != nil {
			mm.logger.Warn("memory sample failed", map[string]interface{}{"error": err.Error()})
		}

		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Sample takes a fresh reading and records it.
func (mm *MemoryMonitor) Sample() (MemorySample, error) {
	s, err := mm.source.Read()
	if err != nil {
		return MemorySample{}, err
	}

	mm.mu.Lock()
	mm.current = s
	if len(mm.samples) >= mm.config.MaxSamples {
		copy(mm.samples, mm.samples[1:])
		mm.samples = mm.samples[:len(mm.samples)-1]
	}
	mm.samples = append(mm.samples, s)
	mm.mu.Unlock()

	if mm.config.OnSample != nil {
		mm.config.OnSample(s)
	}
	return s, nil
}

// UnderPressure takes a fresh sample and compares it with the threshold. A failed
// read is reported as no pressure.
func (mm *MemoryMonitor) UnderPressure() bool {
	s, err := mm.Sample()
	if err != nil {
		mm.logger.Warn("memory sample failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	pressure := s.UtilizationPct() > mm.config.Threshold
	if pressure {
		mm.logger.Debug("memory pressure", map[string]interface{}{
			"utilization": fmt.Sprintf("%.1f%%", s.UtilizationPct()),
			"threshold":   mm.config.Threshold,
		})
	}
	return pressure
}

// Current returns the most recent sample
func (mm *MemoryMonitor) Current() MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.current
}

// GetSamples returns a copy of the sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]MemorySample, len(mm.samples))
	copy(out, mm.samples)
	return out
}
