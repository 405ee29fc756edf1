package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	seaerrors "github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// minSafetyMargin is the floor for the placement headroom.
const minSafetyMargin = 1 << 20

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Storage   StorageConfig   `yaml:"storage"`
	Placement PlacementConfig `yaml:"placement"`
	Daemons   DaemonConfig    `yaml:"daemons"`
	Mount     MountConfig     `yaml:"mount"`
	Retry     RetryConfig     `yaml:"retry"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	// ComponentLevels overrides LogLevel per component, e.g. evict: debug
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

// StorageConfig selects which mounts become tiers.
type StorageConfig struct {
	BackingRoot string      `yaml:"backing_root"`
	MountPoint  string      `yaml:"mount_point"`
	Tiers       []string    `yaml:"tiers"`
	ExtraTiers  []ExtraTier `yaml:"extra_tiers"`
	Whitelist   ListSource  `yaml:"whitelist"`
	Blacklist   ListSource  `yaml:"blacklist"`
	Namespace   string      `yaml:"namespace"`
}

// ExtraTier declares a tier beyond the built-ins. Mounts are assigned to it by
// filesystem type or by exact mount path.
type ExtraTier struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	FSTypes  []string `yaml:"fs_types"`
	Paths    []string `yaml:"paths"`
}

// PlacementConfig tunes the placement selector and migration.
type PlacementConfig struct {
	SafetyMargin   string `yaml:"safety_margin"`
	BudgetEnv      string `yaml:"budget_env"`
	MemoryBudget   string `yaml:"memory_budget"`
	EagerMigration bool   `yaml:"eager_migration"`
}

// DaemonConfig tunes the flush and eviction daemons.
type DaemonConfig struct {
	FlushEnabled     bool          `yaml:"flush_enabled"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	VerifyFlush      bool          `yaml:"verify_flush"`
	EvictEnabled     bool          `yaml:"evict_enabled"`
	EvictInterval    time.Duration `yaml:"evict_interval"`
	PressureInterval time.Duration `yaml:"pressure_interval"`
	MemoryThreshold  float64       `yaml:"memory_threshold"`
	CleanupOnExit    bool          `yaml:"cleanup_on_exit"`
}

// MountConfig represents FUSE mount options
type MountConfig struct {
	FSName       string        `yaml:"fs_name"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	Options      []string      `yaml:"options"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
}

// RetryConfig represents retry settings for daemon copies
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 0,
			HealthPort:  0,
		},
		Storage: StorageConfig{
			Tiers:     []string{"memory", "ssd", "hdd", "shared"},
			Namespace: "{hostname}-{user}",
		},
		Placement: PlacementConfig{
			SafetyMargin: "1MiB",
			BudgetEnv:    "SLURM_MEM_PER_NODE",
		},
		Daemons: DaemonConfig{
			FlushEnabled:     true,
			FlushInterval:    5 * time.Second,
			VerifyFlush:      true,
			EvictEnabled:     true,
			EvictInterval:    20 * time.Second,
			PressureInterval: 5 * time.Second,
			MemoryThreshold:  60,
			CleanupOnExit:    true,
		},
		Mount: MountConfig{
			FSName:       "seafs",
			EntryTimeout: time.Second,
			AttrTimeout:  time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeConfigLoad, "failed to read config file").
			WithPath(filename).WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithPath(filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from SEA_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("SEA_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SEA_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("SEA_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("SEA_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Storage settings
	if val := os.Getenv("SEA_BACKING_ROOT"); val != "" {
		c.Storage.BackingRoot = val
	}
	if val := os.Getenv("SEA_MOUNT_POINT"); val != "" {
		c.Storage.MountPoint = val
	}
	if val := os.Getenv("SEA_TIERS"); val != "" {
		c.Storage.Tiers = splitList(val)
	}
	if val := os.Getenv("SEA_WHITELIST"); val != "" {
		c.Storage.Whitelist = FileList(val)
	}
	if val := os.Getenv("SEA_BLACKLIST"); val != "" {
		c.Storage.Blacklist = FileList(val)
	}

	// Placement settings
	if val := os.Getenv("SEA_SAFETY_MARGIN"); val != "" {
		c.Placement.SafetyMargin = val
	}
	if val := os.Getenv("SEA_MEMORY_BUDGET"); val != "" {
		c.Placement.MemoryBudget = val
	}
	if val := os.Getenv("SEA_EAGER_MIGRATION"); val != "" {
		c.Placement.EagerMigration = strings.ToLower(val) == "true"
	}

	// Daemon settings
	if val := os.Getenv("SEA_FLUSH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemons.FlushInterval = d
		}
	}
	if val := os.Getenv("SEA_EVICT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemons.EvictInterval = d
		}
	}
	if val := os.Getenv("SEA_PRESSURE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemons.PressureInterval = d
		}
	}
	if val := os.Getenv("SEA_MEMORY_THRESHOLD"); val != "" {
		if pct, err := strconv.ParseFloat(val, 64); err == nil {
			c.Daemons.MemoryThreshold = pct
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeConfigSave, "failed to marshal config").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeConfigSave, "failed to create config directory").WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return seaerrors.NewError(seaerrors.ErrCodeConfigSave, "failed to write config file").WithCause(err)
	}

	return nil
}

// Validate validates the configuration and resolves the whitelist and blacklist.
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("invalid log level %q for component %s", level, component)
		}
	}
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return invalid("metrics_port and health_port cannot be the same")
	}

	if c.Storage.BackingRoot == "" {
		return invalid("backing_root is required")
	}
	if !filepath.IsAbs(c.Storage.BackingRoot) {
		return invalid("backing_root must be absolute: %s", c.Storage.BackingRoot)
	}
	if c.Storage.MountPoint != "" && utils.IsWithin(c.Storage.BackingRoot, c.Storage.MountPoint) {
		return invalid("mount_point must not be inside backing_root")
	}
	if _, err := c.AllowedTiers(); err != nil {
		return err
	}
	if strings.Contains(c.Storage.Namespace, "/") {
		return invalid("namespace must be a single path element: %s", c.Storage.Namespace)
	}

	if _, err := c.Storage.Whitelist.Resolve("whitelist"); err != nil {
		return err
	}
	if _, err := c.Storage.Blacklist.Resolve("blacklist"); err != nil {
		return err
	}

	if _, err := c.SafetyMarginBytes(); err != nil {
		return err
	}
	if c.Placement.MemoryBudget != "" {
		if _, err := utils.ParseBytes(c.Placement.MemoryBudget); err != nil {
			return invalid("invalid memory_budget: %s", c.Placement.MemoryBudget)
		}
	}

	if c.Daemons.FlushInterval <= 0 {
		return invalid("flush_interval must be greater than 0")
	}
	if c.Daemons.EvictInterval <= 0 || c.Daemons.PressureInterval <= 0 {
		return invalid("evict_interval and pressure_interval must be greater than 0")
	}
	if c.Daemons.PressureInterval > c.Daemons.EvictInterval {
		return invalid("pressure_interval must not exceed evict_interval")
	}
	if c.Daemons.MemoryThreshold <= 0 || c.Daemons.MemoryThreshold > 100 {
		return invalid("memory_threshold must be in (0, 100]")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry max_attempts must be at least 1")
	}

	return nil
}

// AllowedTiers resolves the tier allow-list into tiers sorted by priority.
func (c *Configuration) AllowedTiers() ([]types.Tier, error) {
	extras := c.extraTierDefs()

	names := c.Storage.Tiers
	if len(names) == 0 {
		names = []string{"memory", "ssd", "hdd", "shared"}
	}

	seen := make(map[string]bool)
	var tiers []types.Tier
	for _, name := range names {
		tier, ok := types.LookupTier(name, extras)
		if !ok {
			return nil, seaerrors.NewError(seaerrors.ErrCodeUnknownTier, fmt.Sprintf("unknown tier %q", name)).
				WithComponent("config")
		}
		if seen[tier.Name] {
			continue
		}
		seen[tier.Name] = true
		tiers = append(tiers, tier)
	}
	types.SortTiers(tiers)
	return tiers, nil
}

func (c *Configuration) extraTierDefs() []types.Tier {
	extras := make([]types.Tier, 0, len(c.Storage.ExtraTiers))
	for _, et := range c.Storage.ExtraTiers {
		extras = append(extras, types.Tier{Name: strings.ToLower(et.Name), Priority: et.Priority})
	}
	return extras
}

// SafetyMarginBytes returns the placement headroom, never less than 1 MiB.
func (c *Configuration) SafetyMarginBytes() (uint64, error) {
	if c.Placement.SafetyMargin == "" {
		return minSafetyMargin, nil
	}
	margin, err := utils.ParseBytes(c.Placement.SafetyMargin)
	if err != nil {
		return 0, invalid("invalid safety_margin: %s", c.Placement.SafetyMargin)
	}
	if margin < minSafetyMargin {
		margin = minSafetyMargin
	}
	return margin, nil
}

// MemoryBudget returns the byte budget for the memory tier. An explicit
// memory_budget wins; otherwise the variable named by budget_env is read, where a
// bare number is taken as MiB. ok is false when no budget applies.
func (c *Configuration) MemoryBudget(getenv func(string) string) (budget uint64, ok bool, err error) {
	if c.Placement.MemoryBudget != "" {
		b, err := utils.ParseBytes(c.Placement.MemoryBudget)
		if err != nil {
			return 0, false, invalid("invalid memory_budget: %s", c.Placement.MemoryBudget)
		}
		return b, true, nil
	}
	if c.Placement.BudgetEnv == "" || getenv == nil {
		return 0, false, nil
	}

	raw := strings.TrimSpace(getenv(c.Placement.BudgetEnv))
	if raw == "" {
		return 0, false, nil
	}
	if mib, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return mib * humanize.MiByte, true, nil
	}
	b, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, false, invalid("cannot parse %s=%q", c.Placement.BudgetEnv, raw)
	}
	return b, true, nil
}

// ExpandNamespace renders the per-tenant subdirectory name.
func (c *Configuration) ExpandNamespace(hostname, username string) string {
	ns := c.Storage.Namespace
	if ns == "" {
		ns = "{hostname}-{user}"
	}
	r := strings.NewReplacer("{hostname}", hostname, "{user}", username)
	return r.Replace(ns)
}

func invalid(format string, args ...interface{}) error {
	return seaerrors.NewError(seaerrors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
