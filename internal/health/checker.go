// Package health runs periodic checks over the tier hierarchy and reports
// them at /health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// Checker runs registered health checks and keeps their latest results.
type Checker struct {
	mu         sync.RWMutex
	config     *Config
	checks     map[string]*Check
	results    map[string]*Result
	stats      Stats
	stopCh     chan struct{}
	started    bool
	lastUpdate time.Time
}

// Config represents health checker configuration
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Check represents a health check function
type Check struct {
	Name        string
	Description string
	Priority    Priority
	Timeout     time.Duration
	Function    CheckFunction

	runCount     int64
	successCount int64
	failureCount int64
}

// CheckFunction defines the signature for health check functions
type CheckFunction func(ctx context.Context) error

// Result represents the result of a health check
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Stats tracks overall health check statistics
type Stats struct {
	TotalChecks      int64     `json:"total_checks"`
	SuccessfulChecks int64     `json:"successful_checks"`
	FailedChecks     int64     `json:"failed_checks"`
	LastCheck        time.Time `json:"last_check"`

	HealthyChecks   int `json:"healthy_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`

	OverallStatus Status `json:"overall_status"`
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
	StatusDegraded  Status = "degraded"
)

// NewChecker creates a new health checker
func NewChecker(config *Config) *Checker {
	if config == nil {
		config = &Config{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			Timeout:       10 * time.Second,
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Checker{
		config:  config,
		checks:  make(map[string]*Check),
		results: make(map[string]*Result),
		stats:   Stats{OverallStatus: StatusUnknown},
		stopCh:  make(chan struct{}),
	}
}

// RegisterCheck registers a new health check
func (c *Checker) RegisterCheck(name, description string, priority Priority, checkFunc CheckFunction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.checks[name]; exists {
		return fmt.Errorf("health check %s already registered", name)
	}
	c.checks[name] = &Check{
		Name:        name,
		Description: description,
		Priority:    priority,
		Timeout:     c.config.Timeout,
		Function:    checkFunc,
	}
	return nil
}

// Start runs every check now and then on each interval.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if c.started {
		return fmt.Errorf("health checker already started")
	}
	c.started = true
	c.lastUpdate = time.Now()

	go c.checkLoop(ctx)
	return nil
}

// Stop stops the health checker
func (c *Checker) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	close(c.stopCh)
	c.started = false
	return nil
}

// RunAllChecks executes all registered health checks concurrently.
func (c *Checker) RunAllChecks(ctx context.Context) map[string]*Result {
	c.mu.RLock()
	checks := make([]*Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	resultsChan := make(chan *Result, len(checks))
	for _, check := range checks {
		go func(ch *Check) {
			resultsChan <- c.executeCheck(ctx, ch)
		}(check)
	}

	results := make(map[string]*Result, len(checks))
	for i := 0; i < len(checks); i++ {
		result := <-resultsChan
		results[result.Check] = result
	}

	c.mu.Lock()
	for name, result := range results {
		c.results[name] = result
	}
	c.updateStats()
	c.mu.Unlock()

	return results
}

// GetStats returns health check statistics
func (c *Checker) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// IsHealthy returns whether the system is considered healthy
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.OverallStatus == StatusHealthy
}

func (c *Checker) executeCheck(ctx context.Context, check *Check) *Result {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	err := check.Function(checkCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	check.runCount++

	result := &Result{
		Check:     check.Name,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		check.failureCount++
		result.Status = StatusUnhealthy
		result.Message = "Check failed"
		result.Error = err.Error()
	} else {
		check.successCount++
		result.Status = StatusHealthy
		result.Message = "Check passed"
	}
	return result
}

func (c *Checker) checkLoop(ctx context.Context) {
	interval := c.config.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runCtx, cancel := context.WithTimeout(ctx, c.config.Timeout*2)
		c.RunAllChecks(runCtx)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// updateStats must be called with the mutex held.
func (c *Checker) updateStats() {
	c.stats.TotalChecks = 0
	c.stats.SuccessfulChecks = 0
	c.stats.FailedChecks = 0
	c.stats.HealthyChecks = 0
	c.stats.UnhealthyChecks = 0

	criticalFailures := 0
	for _, check := range c.checks {
		c.stats.TotalChecks += check.runCount
		c.stats.SuccessfulChecks += check.successCount
		c.stats.FailedChecks += check.failureCount
	}
	for _, result := range c.results {
		switch result.Status {
		case StatusHealthy:
			c.stats.HealthyChecks++
		case StatusUnhealthy:
			c.stats.UnhealthyChecks++
			if check, exists := c.checks[result.Check]; exists && check.Priority == PriorityCritical {
				criticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		c.stats.OverallStatus = StatusUnhealthy
	case c.stats.UnhealthyChecks > 0:
		c.stats.OverallStatus = StatusDegraded
	case c.stats.HealthyChecks > 0:
		c.stats.OverallStatus = StatusHealthy
	default:
		c.stats.OverallStatus = StatusUnknown
	}
	c.stats.LastCheck = time.Now()
}

// ServiceStatus represents the health status of the entire service
type ServiceStatus struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []*Result     `json:"checks"`
	Stats     Stats         `json:"stats"`
}

// Status returns a snapshot of the latest results, ordered by check name.
func (c *Checker) Status() *ServiceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &ServiceStatus{
		Status:    c.stats.OverallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(c.lastUpdate),
		Stats:     c.stats,
	}
	for _, result := range c.results {
		status.Checks = append(status.Checks, result)
	}
	sort.Slice(status.Checks, func(i, j int) bool { return status.Checks[i].Check < status.Checks[j].Check })
	return status
}

// ServeHTTP reports the latest status as JSON. An unhealthy service answers
// 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := c.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// MountpointCheck verifies that mp is a writable directory with at least
// minFree bytes available.
func MountpointCheck(mp *types.Mountpoint, prober types.SpaceProber, minFree uint64) CheckFunction {
	return func(ctx context.Context) error {
		info, err := os.Stat(mp.Path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", mp.Path)
		}
		if err := unix.Access(mp.Path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("%s not accessible: %w", mp.Path, err)
		}
		space, err := prober.Space(mp.Path)
		if err != nil {
			return fmt.Errorf("statfs %s: %w", mp.Path, err)
		}
		if space.Free < minFree {
			return fmt.Errorf("%s has %s free, below %s", mp.Path,
				utils.FormatBytes(space.Free), utils.FormatBytes(minFree))
		}
		return nil
	}
}

// RegisterHierarchy registers one check per mountpoint. The backing root is
// critical; fast tiers only degrade the service.
func (c *Checker) RegisterHierarchy(mps []*types.Mountpoint, prober types.SpaceProber, minFree uint64) error {
	for _, mp := range mps {
		priority := PriorityHigh
		if mp.Backing {
			priority = PriorityCritical
		}
		name := fmt.Sprintf("mountpoint:%s", mp.Path)
		if err := c.RegisterCheck(name, mp.String(), priority, MountpointCheck(mp, prober, minFree)); err != nil {
			return err
		}
	}
	return nil
}
