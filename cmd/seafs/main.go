// Command seafs mounts a tiered view of a backing directory that places new
// files on the fastest local storage with room for them.
package main

import (
	stderr "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seafs/seafs/internal/config"
	seaerrors "github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/utils"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFile    string
	logFormat  string

	tiers     []string
	whitelist string
	blacklist string
	namespace string
	procRoot  string
	sysRoot   string
}

func main() {
	opts := &rootOptions{}
	if err := newRootCommand(opts).Execute(); err != nil {
		report(os.Stderr, err, strings.EqualFold(opts.logFormat, "json"))
		os.Exit(1)
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "seafs",
		Short:         "Tiered hierarchical storage filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file, rotated")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")
	flags.StringSliceVar(&opts.tiers, "tiers", nil, "tiers that may hold data, e.g. memory,ssd")
	flags.StringVar(&opts.whitelist, "whitelist", "", "file listing the only directories to use as storage")
	flags.StringVar(&opts.blacklist, "blacklist", "", "file listing directories never to use as storage")
	flags.StringVar(&opts.namespace, "namespace", "", "per-tenant directory template, e.g. {hostname}-{user}")
	flags.StringVar(&opts.procRoot, "proc", "/proc", "procfs mount point")
	flags.StringVar(&opts.sysRoot, "sys", "/sys", "sysfs mount point")

	root.AddCommand(newMountCommand(opts), newDiscoverCommand(opts), newFlushCommand(opts))
	return root
}

// load layers the defaults, the config file, SEA_* variables and flags, in
// that order, and validates the result.
func (o *rootOptions) load(cmd *cobra.Command, backingRoot, mountPoint string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if o.configFile != "" {
		if err := cfg.LoadFromFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Global.LogLevel = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Global.LogFile = o.logFile
	}
	if flags.Changed("log-format") {
		cfg.Global.LogFormat = o.logFormat
	}
	if flags.Changed("tiers") {
		cfg.Storage.Tiers = o.tiers
	}
	if flags.Changed("whitelist") {
		cfg.Storage.Whitelist = config.FileList(o.whitelist)
	}
	if flags.Changed("blacklist") {
		cfg.Storage.Blacklist = config.FileList(o.blacklist)
	}
	if flags.Changed("namespace") {
		cfg.Storage.Namespace = o.namespace
	}

	if backingRoot != "" {
		abs, err := filepath.Abs(backingRoot)
		if err != nil {
			return nil, err
		}
		cfg.Storage.BackingRoot = abs
	}
	if mountPoint != "" {
		abs, err := filepath.Abs(mountPoint)
		if err != nil {
			return nil, err
		}
		cfg.Storage.MountPoint = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(cfg.Global.LogFormat)
	if err != nil {
		return nil, err
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	if cfg.Global.LogFile != "" {
		lc.Rotation = &utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		}
	}
	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		return nil, err
	}
	for component, name := range cfg.Global.ComponentLevels {
		level, err := utils.ParseLogLevel(name)
		if err != nil {
			return nil, err
		}
		logger.SetComponentLevel(component, level)
	}
	return logger, nil
}

// report prints err for the user. Structured errors carry a hint on how to
// fix them, or are printed whole as JSON when logs are JSON.
func report(w io.Writer, err error, jsonOut bool) {
	var seaErr *seaerrors.SeaError
	if !stderr.As(err, &seaErr) {
		fmt.Fprintln(w, err)
		return
	}
	if jsonOut {
		fmt.Fprintln(w, seaErr.JSON())
		return
	}
	fmt.Fprintln(w, err)
	if seaErr.UserFacing {
		fmt.Fprintln(w, "hint:", seaErr.GetRecommendation())
	}
}
