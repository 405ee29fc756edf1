// Package session assembles one SeaFS mount: the discovered hierarchy, the
// operation surface, the daemons and the observability endpoints.
package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/seafs/seafs/internal/config"
	"github.com/seafs/seafs/internal/daemon"
	seafuse "github.com/seafs/seafs/internal/fuse"
	"github.com/seafs/seafs/internal/health"
	"github.com/seafs/seafs/internal/hfs"
	"github.com/seafs/seafs/internal/metrics"
	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/internal/topology"
	seaerrors "github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/memmon"
	"github.com/seafs/seafs/pkg/retry"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// Environment is the host the session runs on.
type Environment struct {
	Mounts  topology.MountLister
	Devices topology.DeviceGraph
	// Memory may be nil, in which case eviction never sees pressure.
	Memory memmon.Source
	Prober types.SpaceProber
	Getenv func(string) string

	Hostname string
	Username string
}

// HostEnvironment reads the live host through procfs and sysfs.
func HostEnvironment(procRoot, sysRoot string) (*Environment, error) {
	mounts, err := topology.NewProcMounts(procRoot)
	if err != nil {
		return nil, err
	}
	devices, err := topology.NewSysfsGraph(procRoot, sysRoot)
	if err != nil {
		return nil, err
	}
	env := &Environment{
		Mounts:  mounts,
		Devices: devices,
		Prober:  tier.StatfsProber{},
		Getenv:  os.Getenv,
	}
	if src, err := memmon.NewProcSource(procRoot); err == nil {
		env.Memory = src
	}

	env.Hostname, err = os.Hostname()
	if err != nil {
		env.Hostname = "localhost"
	}
	// strip the domain so the namespace stays short
	env.Hostname, _, _ = strings.Cut(env.Hostname, ".")
	if u, err := user.Current(); err == nil {
		env.Username = u.Username
	} else {
		env.Username = fmt.Sprintf("%d", os.Getuid())
	}
	return env, nil
}

// Discover builds the hierarchy described by cfg. cfg must be validated.
func Discover(cfg *config.Configuration, env *Environment, logger *utils.StructuredLogger) (*tier.Hierarchy, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	allowed, err := cfg.AllowedTiers()
	if err != nil {
		return nil, err
	}
	whitelist, err := cfg.Storage.Whitelist.Resolve("whitelist")
	if err != nil {
		return nil, err
	}
	blacklist, err := cfg.Storage.Blacklist.Resolve("blacklist")
	if err != nil {
		return nil, err
	}
	for _, ls := range []*config.ListSource{&cfg.Storage.Whitelist, &cfg.Storage.Blacklist} {
		for _, reason := range ls.Skipped() {
			logger.Warn("ignoring list file entry", map[string]interface{}{"file": ls.File, "reason": reason})
		}
	}

	disc := topology.NewDiscoverer(env.Mounts, env.Devices, logger)
	mps, err := disc.Discover(topology.Options{
		BackingRoot: cfg.Storage.BackingRoot,
		MountPoint:  cfg.Storage.MountPoint,
		Allowed:     allowed,
		Rules:       tierRules(cfg),
		Whitelist:   whitelist,
		Blacklist:   blacklist,
		Namespace:   cfg.ExpandNamespace(env.Hostname, env.Username),
	})
	if err != nil {
		return nil, err
	}

	backingTier, _ := disc.ClassifyPath(cfg.Storage.BackingRoot)
	return tier.NewHierarchy(mps, cfg.Storage.BackingRoot, backingTier)
}

func tierRules(cfg *config.Configuration) []topology.TierRule {
	rules := make([]topology.TierRule, 0, len(cfg.Storage.ExtraTiers))
	for _, et := range cfg.Storage.ExtraTiers {
		rules = append(rules, topology.TierRule{
			Tier:    types.Tier{Name: strings.ToLower(et.Name), Priority: et.Priority},
			FSTypes: et.FSTypes,
			Paths:   et.Paths,
		})
	}
	return rules
}

// Session owns every long-lived component of one mount.
type Session struct {
	config *config.Configuration
	env    *Environment
	logger *utils.StructuredLogger

	hierarchy *tier.Hierarchy
	fs        *hfs.FS
	metrics   *metrics.Collector
	health    *health.Checker
	memory    *memmon.MemoryMonitor
	flusher   *daemon.Flusher
	evictor   *daemon.Evictor
	mount     *seafuse.MountManager

	healthServer *http.Server

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once
	err      error
}

// New discovers the hierarchy and builds every component without starting
// any of them.
func New(cfg *config.Configuration, env *Environment, logger *utils.StructuredLogger) (*Session, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if env.Prober == nil {
		env.Prober = tier.StatfsProber{}
	}

	s := &Session{config: cfg, env: env, logger: logger.WithComponent("session")}

	var err error
	s.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "seafs",
	}, logger)
	if err != nil {
		return nil, err
	}

	s.hierarchy, err = Discover(cfg, env, logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("storage hierarchy", map[string]interface{}{"hierarchy": s.hierarchy.String()})

	margin, err := cfg.SafetyMarginBytes()
	if err != nil {
		return nil, err
	}
	budget, hasBudget, err := cfg.MemoryBudget(env.Getenv)
	if err != nil {
		return nil, err
	}
	if hasBudget {
		s.logger.Info("memory tier budget", map[string]interface{}{"budget": utils.FormatBytes(budget)})
	}
	selector := tier.NewSelector(s.hierarchy, env.Prober, tier.SelectorConfig{
		SafetyMargin: margin,
		MemoryBudget: budget,
		HasBudget:    hasBudget,
	}, logger, s.metrics)
	s.fs = hfs.New(tier.NewResolver(selector), hfs.Config{
		EagerMigration: cfg.Placement.EagerMigration,
	}, logger, s.metrics)

	s.health = health.NewChecker(&health.Config{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
		Timeout:       10 * time.Second,
	})
	if err := s.health.RegisterHierarchy(s.hierarchy.Mountpoints(), env.Prober, margin); err != nil {
		return nil, err
	}
	s.metrics.SetHealthHandler(s.health)

	var gauge daemon.PressureGauge
	if env.Memory != nil {
		s.memory = memmon.NewMemoryMonitor(env.Memory, memmon.MonitorConfig{
			SampleInterval: cfg.Daemons.PressureInterval,
			Threshold:      cfg.Daemons.MemoryThreshold,
			MaxSamples:     60,
			OnSample: func(sample memmon.MemorySample) {
				s.metrics.RecordMemoryUtilization(sample.UtilizationPct())
			},
			Logger: logger,
		})
		gauge = s.memory
	}

	s.flusher = daemon.NewFlusher(s.hierarchy, daemon.FlushConfig{
		Interval: cfg.Daemons.FlushInterval,
		Verify:   cfg.Daemons.VerifyFlush,
		Retry:    flushRetry(cfg.Retry, s.logger),
	}, logger, s.metrics)
	s.evictor = daemon.NewEvictor(s.hierarchy, daemon.EvictConfig{
		Interval:         cfg.Daemons.EvictInterval,
		PressureInterval: cfg.Daemons.PressureInterval,
		IsOpen:           s.fs.IsOpen,
	}, gauge, logger, s.metrics)

	return s, nil
}

func flushRetry(rc config.RetryConfig, logger *utils.StructuredLogger) retry.Config {
	rcfg := retry.DefaultConfig()
	rcfg.MaxAttempts = rc.MaxAttempts
	rcfg.InitialDelay = rc.BaseDelay
	rcfg.MaxDelay = rc.MaxDelay
	// checksum mismatches come back as IO errors without an errno
	rcfg.RetryableErrors = append(rcfg.RetryableErrors, seaerrors.ErrCodeIO)
	rcfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying copy", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}
	return rcfg
}

// Hierarchy returns the session's hierarchy.
func (s *Session) Hierarchy() *tier.Hierarchy {
	return s.hierarchy
}

// FS returns the operation surface.
func (s *Session) FS() *hfs.FS {
	return s.fs
}

// Metrics returns the metrics collector.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// Health returns the health checker.
func (s *Session) Health() *health.Checker {
	return s.health
}

// Flusher returns the flush daemon.
func (s *Session) Flusher() *daemon.Flusher {
	return s.flusher
}

// Start launches the observability endpoints and the daemons. It does not
// mount.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return seaerrors.NewError(seaerrors.ErrCodeAlreadyStarted, "session already started").WithComponent("session")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.metrics.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := s.startHealthServer(); err != nil {
		cancel()
		_ = s.metrics.Stop(context.Background())
		return err
	}
	if err := s.health.Start(ctx); err != nil {
		cancel()
		return err
	}
	if s.memory != nil {
		if err := s.memory.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	if s.config.Daemons.FlushEnabled {
		group.Go(func() error { return s.flusher.Run(gctx) })
	}
	if s.config.Daemons.EvictEnabled {
		group.Go(func() error { return s.evictor.Run(gctx) })
	}

	s.cancel = cancel
	s.group = group
	s.started = true
	s.logger.Info("session started", map[string]interface{}{
		"flush": s.config.Daemons.FlushEnabled,
		"evict": s.config.Daemons.EvictEnabled,
	})
	return nil
}

// startHealthServer serves /health on its own port when one is configured
// apart from the metrics port.
func (s *Session) startHealthServer() error {
	port := s.config.Global.HealthPort
	if port <= 0 || port == s.config.Global.MetricsPort {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/health", s.health)
	s.healthServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.healthServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Mount exposes the namespace at mountPoint.
func (s *Session) Mount(ctx context.Context, mountPoint string) error {
	fsys := seafuse.NewFileSystem(s.fs, s.logger)
	mm := seafuse.NewMountManager(fsys, mountPoint, s.config.Mount, s.env.Mounts, s.logger)
	if err := mm.Mount(ctx); err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeMountFailed, "mount failed").
			WithComponent("session").WithPath(mountPoint).WithCause(err)
	}
	s.mu.Lock()
	s.mount = mm
	s.mu.Unlock()
	return nil
}

// Wait blocks until the filesystem is unmounted or ctx is done.
func (s *Session) Wait(ctx context.Context) {
	s.mu.Lock()
	mm := s.mount
	s.mu.Unlock()
	if mm == nil {
		<-ctx.Done()
		return
	}
	done := make(chan struct{})
	go func() {
		mm.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Shutdown stops the daemons, drains the fast tiers into the backing root
// when configured to, and only then unmounts. It is safe to call more than
// once; later calls return the first result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.err = s.doShutdown(ctx)
	})
	return s.err
}

func (s *Session) doShutdown(ctx context.Context) error {
	var result *multierror.Error

	s.mu.Lock()
	cancel, group, mm := s.cancel, s.group, s.mount
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.memory != nil {
		_ = s.memory.Stop()
	}
	_ = s.health.Stop()

	if s.config.Daemons.CleanupOnExit {
		s.logger.Info("moving fast-tier files to the backing root")
		if err := daemon.Cleanup(ctx, s.hierarchy, s.logger); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if mm != nil && mm.IsMounted() {
		if err := mm.Unmount(); err != nil {
			result = multierror.Append(result, seaerrors.NewError(seaerrors.ErrCodeUnmountFailed, "unmount failed").
				WithComponent("session").WithPath(mm.MountPoint()).WithCause(err))
		}
	}

	if err := s.metrics.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		s.logger.Error("shutdown incomplete", map[string]interface{}{"error": err.Error()})
		return err
	}
	s.logger.Info("session stopped")
	return nil
}
