package hfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/require"

	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/types"
)

type fakeProber struct {
	mu   sync.Mutex
	free map[string]uint64
}

func (f *fakeProber) Space(path string) (types.SpaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.SpaceInfo{Total: 1 << 40, Free: f.free[path]}, nil
}

func (f *fakeProber) set(path string, free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free[path] = free
}

type recordingMetrics struct {
	types.NopMetrics
	mu         sync.Mutex
	migrations []string
	partial    int
}

func (r *recordingMetrics) RecordMigration(from, to string, _ int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.migrations = append(r.migrations, from+"->"+to)
	}
}

func (r *recordingMetrics) RecordPartialTierFailure(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial++
}

type fixture struct {
	mem, ssd, root string
	prober         *fakeProber
	metrics        *recordingMetrics
	fs             *FS

	// memFull makes every physical write on the memory tier fail with ENOSPC
	memFull atomic.Bool
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		mem:     filepath.Join(base, "shm", "ns"),
		ssd:     filepath.Join(base, "tmp", "ns"),
		root:    filepath.Join(base, "work"),
		metrics: &recordingMetrics{},
	}
	for _, d := range []string{f.mem, f.ssd, f.root} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	h, err := tier.NewHierarchy([]*types.Mountpoint{
		{Path: f.mem, Tier: types.TierMemory},
		{Path: f.ssd, Tier: types.TierSSD},
	}, f.root, types.TierShared)
	require.NoError(t, err)

	f.prober = &fakeProber{free: map[string]uint64{
		f.mem:  10 * humanize.MiByte,
		f.ssd:  10 * humanize.GiByte,
		f.root: 100 * humanize.GiByte,
	}}
	sel := tier.NewSelector(h, f.prober, tier.SelectorConfig{}, nil, f.metrics)
	f.fs = New(tier.NewResolver(sel), config, nil, f.metrics)
	f.fs.writeAt = func(file *os.File, p []byte, off int64) (int, error) {
		if f.memFull.Load() && strings.HasPrefix(file.Name(), f.mem+"/") {
			return 0, syscall.ENOSPC
		}
		return file.WriteAt(p, off)
	}
	return f
}

// put writes a physical copy of rel under base.
func (f *fixture) put(t *testing.T, base, rel, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	require.NoError(t, os.Chmod(p, mode))
	return p
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func perm(t *testing.T, p string) os.FileMode {
	t.Helper()
	info, err := os.Stat(p)
	require.NoError(t, err)
	return info.Mode().Perm()
}
