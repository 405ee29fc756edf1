package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seafs/seafs/internal/session"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// shutdownTimeout bounds the drain of the fast tiers on exit.
const shutdownTimeout = 10 * time.Minute

func newMountCommand(opts *rootOptions) *cobra.Command {
	var (
		metricsPort int
		noCleanup   bool
		eager       bool
		allowOther  bool
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "mount <backing-root> <mountpoint>",
		Short: "Mount the tiered namespace over a backing directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, args[0], args[1])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("metrics-port") {
				cfg.Global.MetricsPort = metricsPort
			}
			if flags.Changed("no-cleanup") {
				cfg.Daemons.CleanupOnExit = !noCleanup
			}
			if flags.Changed("eager-migration") {
				cfg.Placement.EagerMigration = eager
			}
			if flags.Changed("allow-other") {
				cfg.Mount.AllowOther = allowOther
			}
			if flags.Changed("debug") {
				cfg.Mount.Debug = debug
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			env, err := session.HostEnvironment(opts.procRoot, opts.sysRoot)
			if err != nil {
				return err
			}
			s, err := session.New(cfg, env, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go rotateOnHangup(ctx, logger)

			if err := s.Start(ctx); err != nil {
				return err
			}
			if err := s.Mount(ctx, cfg.Storage.MountPoint); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = s.Shutdown(shutdownCtx)
				return err
			}
			logger.Info("seafs ready", map[string]interface{}{
				"backing_root": cfg.Storage.BackingRoot,
				"mount_point":  cfg.Storage.MountPoint,
			})

			s.Wait(ctx)
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&metricsPort, "metrics-port", 0, "serve prometheus metrics and /health on this port")
	flags.BoolVar(&noCleanup, "no-cleanup", false, "leave files on the fast tiers at exit")
	flags.BoolVar(&eager, "eager-migration", false, "migrate before a write that would not fit")
	flags.BoolVar(&allowOther, "allow-other", false, "let other users access the mount")
	flags.BoolVar(&debug, "debug", false, "log every FUSE request")
	return cmd
}

// rotateOnHangup reopens the log file on SIGHUP until ctx is done.
func rotateOnHangup(ctx context.Context, logger *utils.StructuredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logger.Rotate(); err != nil {
				logger.Warn("log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <backing-root>",
		Short: "Print the storage hierarchy that mount would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, args[0], "")
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			env, err := session.HostEnvironment(opts.procRoot, opts.sysRoot)
			if err != nil {
				return err
			}
			h, err := session.Discover(cfg, env, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, mp := range h.Mountpoints() {
				fmt.Fprintf(out, "%d\t%-8s\t%s\t%s\n", i, mp.Tier.Name, freeSpace(env.Prober, mp), mp.Path)
			}
			return nil
		},
	}
}

func freeSpace(prober types.SpaceProber, mp *types.Mountpoint) string {
	space, err := prober.Space(mp.Path)
	if err != nil {
		return "?"
	}
	return utils.FormatBytes(space.Free) + " free"
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <backing-root>",
		Short: "Copy every closed fast-tier file to the backing root once and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, args[0], "")
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			env, err := session.HostEnvironment(opts.procRoot, opts.sysRoot)
			if err != nil {
				return err
			}
			s, err := session.New(cfg, env, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats, err := s.Flusher().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, copied %d (%s), skipped %d, failed %d\n",
				stats.Scanned, stats.Copied, utils.FormatBytes(uint64(stats.Bytes)), stats.Skipped, stats.Failed)
			return nil
		},
	}
}
