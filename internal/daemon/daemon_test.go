package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/internal/hfs"
	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/types"
)

type fixture struct {
	mem, ssd, root string
	h              *tier.Hierarchy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		mem:  filepath.Join(base, "shm", "ns"),
		ssd:  filepath.Join(base, "tmp", "ns"),
		root: filepath.Join(base, "work"),
	}
	for _, d := range []string{f.mem, f.ssd, f.root} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	h, err := tier.NewHierarchy([]*types.Mountpoint{
		{Path: f.mem, Mount: filepath.Join(base, "shm"), Tier: types.TierMemory},
		{Path: f.ssd, Mount: filepath.Join(base, "tmp"), Tier: types.TierSSD, NoAtime: true},
	}, f.root, types.TierShared)
	require.NoError(t, err)
	f.h = h
	return f
}

// put writes a file and stamps it with the given age for both atime and mtime.
func put(t *testing.T, base, rel, content string, mode os.FileMode, age time.Duration) string {
	t.Helper()
	p := filepath.Join(base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chmod(p, mode))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, stamp, stamp))
	return p
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

type countingMetrics struct {
	types.NopMetrics
	flushed int
	evicted int
}

func (c *countingMetrics) RecordFlush(string, int64, bool) { c.flushed++ }
func (c *countingMetrics) RecordEviction(string, int64)    { c.evicted++ }

func TestCensus(t *testing.T) {
	f := newFixture(t)
	put(t, f.mem, "a/old", "1", 0o444, 3*time.Hour)
	put(t, f.ssd, "new", "22", 0o444, time.Hour)
	put(t, f.mem, "mid", "333", 0o444, 2*time.Hour)
	put(t, f.mem, "open", "w", 0o644, 4*time.Hour)
	put(t, f.mem, hfs.TempPrefix+"x-1", "tmp", 0o444, 5*time.Hour)
	put(t, f.root, "backing", "b", 0o444, 6*time.Hour)
	require.NoError(t, os.Symlink("mid", filepath.Join(f.mem, "link")))

	recs, err := Census(context.Background(), f.h, nil)
	require.NoError(t, err)

	var rels []string
	for _, r := range recs {
		rels = append(rels, r.Rel)
	}
	assert.Equal(t, []string{"/a/old", "/mid", "/new"}, rels)
	assert.Equal(t, f.ssd, recs[2].Mount.Path)
	assert.Equal(t, int64(2), recs[2].Size)
	assert.Equal(t, filepath.Join(f.mem, "a", "old"), recs[0].Physical())
}

func TestFlusher_CopiesMissingFiles(t *testing.T) {
	f := newFixture(t)
	put(t, f.mem, "out/a", "alpha", 0o444, time.Hour)
	put(t, f.ssd, "out/deep/b", "bravo", 0o555, time.Hour)
	put(t, f.mem, "busy", "still writing", 0o644, time.Hour)
	put(t, f.root, "out/c", "old", 0o644, time.Hour)
	put(t, f.mem, "out/c", "done", 0o444, time.Hour)

	metrics := &countingMetrics{}
	fl := NewFlusher(f.h, FlushConfig{Verify: true}, nil, metrics)

	stats, err := fl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, metrics.flushed)

	for rel, src := range map[string]string{
		"out/a":      filepath.Join(f.mem, "out", "a"),
		"out/deep/b": filepath.Join(f.ssd, "out", "deep", "b"),
	} {
		want, err := os.ReadFile(src)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(f.root, rel))
		require.NoError(t, err)
		assert.Equal(t, xxhash.Sum64(want), xxhash.Sum64(got), rel)
	}
	assert.False(t, exists(filepath.Join(f.root, "busy")))

	info, err := os.Stat(filepath.Join(f.root, "out", "deep", "b"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), info.Mode().Perm())

	// an existing backing copy is never overwritten
	got, err := os.ReadFile(filepath.Join(f.root, "out", "c"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestFlusher_Idempotent(t *testing.T) {
	f := newFixture(t)
	put(t, f.mem, "a", "alpha", 0o444, time.Hour)
	fl := NewFlusher(f.h, FlushConfig{}, nil, nil)

	first, err := fl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Copied)

	second, err := fl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Copied)
	assert.Equal(t, 1, second.Skipped)
}

func TestFlusher_Canceled(t *testing.T) {
	f := newFixture(t)
	put(t, f.mem, "a", "alpha", 0o444, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFlusher(f.h, FlushConfig{}, nil, nil).RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(filepath.Join(f.root, "a")))
}

func TestEvictor_OnlyOldestFlushedFile(t *testing.T) {
	f := newFixture(t)
	oldest := put(t, f.mem, "oldest", "12345", 0o444, 3*time.Hour)
	newer := put(t, f.mem, "newer", "abc", 0o444, time.Hour)
	metrics := &countingMetrics{}
	ev := NewEvictor(f.h, EvictConfig{}, nil, nil, metrics)

	// nothing flushed yet
	rec, evicted, err := ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, evicted)
	assert.Equal(t, "/oldest", rec.Rel)
	assert.True(t, exists(oldest))

	put(t, f.root, "newer", "abc", 0o444, time.Hour)
	_, evicted, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, evicted, "only the oldest file is considered")
	assert.True(t, exists(newer))

	// a size mismatch keeps the fast copy
	put(t, f.root, "oldest", "1234", 0o444, time.Hour)
	_, evicted, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, evicted)
	assert.True(t, exists(oldest))

	put(t, f.root, "oldest", "12345", 0o444, time.Hour)
	rec, evicted, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.Equal(t, "/oldest", rec.Rel)
	assert.False(t, exists(oldest))
	assert.Equal(t, 1, metrics.evicted)

	_, evicted, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.False(t, exists(newer))
}

func TestEvictor_NeverTouchesWritableFiles(t *testing.T) {
	f := newFixture(t)
	p := put(t, f.mem, "w", "data", 0o644, 3*time.Hour)
	put(t, f.root, "w", "data", 0o644, time.Hour)

	_, evicted, err := NewEvictor(f.h, EvictConfig{}, nil, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, evicted)
	assert.True(t, exists(p))
}

func TestEvictor_SkipsOpenFiles(t *testing.T) {
	f := newFixture(t)
	open := put(t, f.mem, "open", "12345", 0o444, 3*time.Hour)
	closed := put(t, f.mem, "closed", "abc", 0o444, time.Hour)
	put(t, f.root, "open", "12345", 0o444, time.Hour)
	put(t, f.root, "closed", "abc", 0o444, time.Hour)

	ev := NewEvictor(f.h, EvictConfig{
		IsOpen: func(rel string) bool { return rel == "/open" },
	}, nil, nil, nil)

	rec, evicted, err := ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.Equal(t, "/closed", rec.Rel)
	assert.True(t, exists(open))
	assert.False(t, exists(closed))

	_, evicted, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, evicted)
	assert.True(t, exists(open))
}

type gauge struct{ pressure atomic.Bool }

func (g *gauge) UnderPressure() bool { return g.pressure.Load() }

func TestEvictor_PressureInterval(t *testing.T) {
	f := newFixture(t)
	g := &gauge{}
	ev := NewEvictor(f.h, EvictConfig{Interval: 20 * time.Second, PressureInterval: 5 * time.Second}, g, nil, nil)

	assert.Equal(t, 20*time.Second, ev.nextInterval())
	g.pressure.Store(true)
	assert.Equal(t, 5*time.Second, ev.nextInterval())

	ev = NewEvictor(f.h, EvictConfig{}, nil, nil, nil)
	assert.Equal(t, 20*time.Second, ev.nextInterval())
}

func TestEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error)
	go func() {
		done <- every(ctx, func() time.Duration { return time.Millisecond }, func(context.Context) {
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestCleanup_DrainsFastTiers(t *testing.T) {
	f := newFixture(t)
	put(t, f.mem, "flushed", "same", 0o444, time.Hour)
	put(t, f.root, "flushed", "same", 0o444, time.Hour)
	put(t, f.mem, "dir/volatile", "unflushed", 0o644, time.Hour)
	put(t, f.root, "dir/volatile", "stale", 0o644, time.Hour)
	put(t, f.ssd, "a/b/c", "deep", 0o444, time.Hour)
	put(t, f.ssd, hfs.TempPrefix+"partial-1", "junk", 0o644, time.Hour)
	require.NoError(t, os.Symlink("../flushed", filepath.Join(f.mem, "dir", "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(f.ssd, "empty"), 0o755))

	require.NoError(t, Cleanup(context.Background(), f.h, nil))

	got, err := os.ReadFile(filepath.Join(f.root, "dir", "volatile"))
	require.NoError(t, err)
	assert.Equal(t, "unflushed", string(got))
	got, err = os.ReadFile(filepath.Join(f.root, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(got))
	target, err := os.Readlink(filepath.Join(f.root, "dir", "link"))
	require.NoError(t, err)
	assert.Equal(t, "../flushed", target)

	assert.False(t, exists(f.mem))
	assert.False(t, exists(f.ssd))
	assert.False(t, exists(filepath.Join(f.root, hfs.TempPrefix+"partial-1")))
	// the mount itself stays
	assert.True(t, exists(filepath.Dir(f.mem)))
}

func TestCopyAcross_SpecialFiles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()

	fifo := filepath.Join(src, "pipe")
	require.NoError(t, unix.Mkfifo(fifo, 0o600))
	info, err := os.Lstat(fifo)
	require.NoError(t, err)
	require.NoError(t, copyAcross(fifo, filepath.Join(dst, "pipe"), info))
	got, err := os.Lstat(filepath.Join(dst, "pipe"))
	require.NoError(t, err)
	assert.NotZero(t, got.Mode()&os.ModeNamedPipe)

	sock := filepath.Join(src, "sock")
	require.NoError(t, unix.Mknod(sock, unix.S_IFSOCK|0o600, 0))
	info, err = os.Lstat(sock)
	require.NoError(t, err)
	require.NoError(t, copyAcross(sock, filepath.Join(dst, "sock"), info))
	assert.False(t, exists(filepath.Join(dst, "sock")))
}

func TestCleanup_MovesFifos(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, unix.Mkfifo(filepath.Join(f.mem, "pipe"), 0o600))

	require.NoError(t, Cleanup(context.Background(), f.h, nil))

	info, err := os.Lstat(filepath.Join(f.root, "pipe"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
	assert.False(t, exists(f.mem))
}
