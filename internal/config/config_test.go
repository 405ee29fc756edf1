package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	seaerrors "github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
)

func validConfig(t *testing.T) *Configuration {
	t.Helper()
	cfg := NewDefault()
	cfg.Storage.BackingRoot = t.TempDir()
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, []string{"memory", "ssd", "hdd", "shared"}, cfg.Storage.Tiers)
	assert.Equal(t, "{hostname}-{user}", cfg.Storage.Namespace)
	assert.Equal(t, "SLURM_MEM_PER_NODE", cfg.Placement.BudgetEnv)
	assert.Equal(t, 5*time.Second, cfg.Daemons.FlushInterval)
	assert.Equal(t, 20*time.Second, cfg.Daemons.EvictInterval)
	assert.Equal(t, 5*time.Second, cfg.Daemons.PressureInterval)
	assert.Equal(t, 60.0, cfg.Daemons.MemoryThreshold)
	assert.True(t, cfg.Daemons.CleanupOnExit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Configuration) {}},
		{
			name:    "missing backing root",
			mutate:  func(c *Configuration) { c.Storage.BackingRoot = "" },
			wantErr: "backing_root is required",
		},
		{
			name:    "bad component level",
			mutate:  func(c *Configuration) { c.Global.ComponentLevels = map[string]string{"evict": "loud"} },
			wantErr: "invalid log level \"loud\" for component evict",
		},
		{
			name:    "relative backing root",
			mutate:  func(c *Configuration) { c.Storage.BackingRoot = "data" },
			wantErr: "backing_root must be absolute",
		},
		{
			name:    "mount point inside backing root",
			mutate:  func(c *Configuration) { c.Storage.MountPoint = filepath.Join(c.Storage.BackingRoot, "mnt") },
			wantErr: "mount_point must not be inside backing_root",
		},
		{
			name:    "unknown tier",
			mutate:  func(c *Configuration) { c.Storage.Tiers = []string{"ssd", "tape"} },
			wantErr: `unknown tier "tape"`,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "LOUD" },
			wantErr: "invalid log_level",
		},
		{
			name:    "invalid safety margin",
			mutate:  func(c *Configuration) { c.Placement.SafetyMargin = "lots" },
			wantErr: "invalid safety_margin",
		},
		{
			name:    "pressure interval longer than evict interval",
			mutate:  func(c *Configuration) { c.Daemons.PressureInterval = time.Minute },
			wantErr: "pressure_interval must not exceed evict_interval",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Configuration) { c.Daemons.MemoryThreshold = 120 },
			wantErr: "memory_threshold",
		},
		{
			name:    "namespace with slash",
			mutate:  func(c *Configuration) { c.Storage.Namespace = "a/b" },
			wantErr: "namespace must be a single path element",
		},
		{
			name:    "relative inline whitelist",
			mutate:  func(c *Configuration) { c.Storage.Whitelist = InlineList("tmp") },
			wantErr: "not an absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestListSourceFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(a, 0o755))
	require.NoError(t, os.Mkdir(b, 0o755))

	t.Run("valid file", func(t *testing.T) {
		file := filepath.Join(dir, "list.txt")
		require.NoError(t, os.WriteFile(file, []byte(a+"\n\n# comment\n"+b+"\n"), 0o600))

		ls := FileList(file)
		entries, err := ls.Resolve("whitelist")
		require.NoError(t, err)
		assert.Equal(t, []string{a, b}, entries)
		assert.Equal(t, entries, ls.Entries())
	})

	t.Run("line that is not a directory", func(t *testing.T) {
		file := filepath.Join(dir, "bad.txt")
		require.NoError(t, os.WriteFile(file, []byte(a+"\n"+filepath.Join(dir, "missing")+"\n"), 0o600))

		ls := FileList(file)
		entries, err := ls.Resolve("blacklist")
		require.NoError(t, err)
		assert.Equal(t, []string{a}, entries)
		require.Len(t, ls.Skipped(), 1)
		assert.Contains(t, ls.Skipped()[0], "line 2")
	})

	t.Run("no valid lines", func(t *testing.T) {
		file := filepath.Join(dir, "allbad.txt")
		require.NoError(t, os.WriteFile(file, []byte("/does/not/exist\n"), 0o600))

		ls := FileList(file)
		_, err := ls.Resolve("whitelist")
		require.Error(t, err)
		assert.True(t, seaerrors.HasCode(err, seaerrors.ErrCodeInvalidListSource))
		assert.Len(t, ls.Skipped(), 1)
		var seaErr *seaerrors.SeaError
		require.ErrorAs(t, err, &seaErr)
		assert.Equal(t, "1", seaErr.Context["skipped_lines"])
	})

	t.Run("empty file", func(t *testing.T) {
		file := filepath.Join(dir, "empty.txt")
		require.NoError(t, os.WriteFile(file, []byte("\n\n"), 0o600))

		ls := FileList(file)
		_, err := ls.Resolve("whitelist")
		require.Error(t, err)
		assert.True(t, seaerrors.HasCode(err, seaerrors.ErrCodeInvalidListSource))
	})

	t.Run("unreadable file", func(t *testing.T) {
		ls := FileList(filepath.Join(dir, "nope.txt"))
		_, err := ls.Resolve("whitelist")
		require.Error(t, err)
		assert.True(t, seaerrors.HasCode(err, seaerrors.ErrCodeInvalidListSource))
	})

	t.Run("both forms", func(t *testing.T) {
		ls := ListSource{Paths: []string{a}, File: "x"}
		_, err := ls.Resolve("whitelist")
		assert.Error(t, err)
	})
}

func TestListSourceYAML(t *testing.T) {
	backing := t.TempDir()
	content := `
storage:
  backing_root: ` + backing + `
  whitelist:
    - /tmp
    - /dev/shm/
  blacklist: /etc/seafs/blacklist
`
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(file))

	assert.Equal(t, []string{"/tmp", "/dev/shm/"}, cfg.Storage.Whitelist.Paths)
	assert.Equal(t, "/etc/seafs/blacklist", cfg.Storage.Blacklist.File)

	entries, err := cfg.Storage.Whitelist.Resolve("whitelist")
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp", "/dev/shm"}, entries)
}

func TestLoadFromFile(t *testing.T) {
	content := `
global:
  log_level: DEBUG
  metrics_port: 9090
storage:
  backing_root: /scratch/run
  tiers: [memory, ssd]
  extra_tiers:
    - name: nvram
      priority: 5
      fs_types: [dax]
placement:
  safety_margin: 8MiB
  eager_migration: true
daemons:
  flush_interval: 2s
`
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(file))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, 9090, cfg.Global.MetricsPort)
	assert.Equal(t, "/scratch/run", cfg.Storage.BackingRoot)
	assert.Equal(t, []string{"memory", "ssd"}, cfg.Storage.Tiers)
	assert.True(t, cfg.Placement.EagerMigration)
	assert.Equal(t, 2*time.Second, cfg.Daemons.FlushInterval)
	assert.Equal(t, 20*time.Second, cfg.Daemons.EvictInterval, "unset fields keep defaults")

	margin, err := cfg.SafetyMarginBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), margin)
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.True(t, seaerrors.HasCode(err, seaerrors.ErrCodeConfigLoad))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SEA_LOG_LEVEL", "ERROR")
	t.Setenv("SEA_BACKING_ROOT", "/lustre/job")
	t.Setenv("SEA_TIERS", "ssd, hdd")
	t.Setenv("SEA_WHITELIST", "/etc/wl")
	t.Setenv("SEA_EAGER_MIGRATION", "true")
	t.Setenv("SEA_EVICT_INTERVAL", "30s")
	t.Setenv("SEA_MEMORY_THRESHOLD", "75")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "ERROR", cfg.Global.LogLevel)
	assert.Equal(t, "/lustre/job", cfg.Storage.BackingRoot)
	assert.Equal(t, []string{"ssd", "hdd"}, cfg.Storage.Tiers)
	assert.Equal(t, "/etc/wl", cfg.Storage.Whitelist.File)
	assert.True(t, cfg.Placement.EagerMigration)
	assert.Equal(t, 30*time.Second, cfg.Daemons.EvictInterval)
	assert.Equal(t, 75.0, cfg.Daemons.MemoryThreshold)
}

func TestSaveToFile(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.Whitelist = InlineList("/tmp")
	cfg.Storage.Blacklist = FileList("/etc/bl")

	file := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.SaveToFile(file))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(file))
	assert.Equal(t, cfg.Storage.BackingRoot, loaded.Storage.BackingRoot)
	assert.Equal(t, []string{"/tmp"}, loaded.Storage.Whitelist.Paths)
	assert.Equal(t, "/etc/bl", loaded.Storage.Blacklist.File)
}

func TestAllowedTiers(t *testing.T) {
	cfg := NewDefault()
	cfg.Storage.Tiers = []string{"shared", "nvram", "memory", "memory"}
	cfg.Storage.ExtraTiers = []ExtraTier{{Name: "NVRAM", Priority: 5}}

	tiers, err := cfg.AllowedTiers()
	require.NoError(t, err)
	assert.Equal(t, []types.Tier{
		{Name: "nvram", Priority: 5},
		types.TierMemory,
		types.TierShared,
	}, tiers)
}

func TestMemoryBudget(t *testing.T) {
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	t.Run("slurm megabytes", func(t *testing.T) {
		cfg := NewDefault()
		budget, ok, err := cfg.MemoryBudget(env(map[string]string{"SLURM_MEM_PER_NODE": "4096"}))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(4096<<20), budget)
	})

	t.Run("humanized value", func(t *testing.T) {
		cfg := NewDefault()
		budget, ok, err := cfg.MemoryBudget(env(map[string]string{"SLURM_MEM_PER_NODE": "2GiB"}))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(2<<30), budget)
	})

	t.Run("absent", func(t *testing.T) {
		cfg := NewDefault()
		_, ok, err := cfg.MemoryBudget(env(nil))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("explicit override", func(t *testing.T) {
		cfg := NewDefault()
		cfg.Placement.MemoryBudget = "512MiB"
		budget, ok, err := cfg.MemoryBudget(env(map[string]string{"SLURM_MEM_PER_NODE": "4096"}))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(512<<20), budget)
	})

	t.Run("garbage", func(t *testing.T) {
		cfg := NewDefault()
		_, _, err := cfg.MemoryBudget(env(map[string]string{"SLURM_MEM_PER_NODE": "plenty"}))
		assert.Error(t, err)
	})
}

func TestSafetyMarginFloor(t *testing.T) {
	cfg := NewDefault()
	cfg.Placement.SafetyMargin = "4KiB"
	margin, err := cfg.SafetyMarginBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), margin)
}

func TestExpandNamespace(t *testing.T) {
	cfg := NewDefault()
	assert.Equal(t, "node7-alice", cfg.ExpandNamespace("node7", "alice"))

	cfg.Storage.Namespace = "sea_{user}"
	assert.Equal(t, "sea_alice", cfg.ExpandNamespace("node7", "alice"))
	assert.False(t, strings.Contains(cfg.ExpandNamespace("n", "u"), "{"))
}
