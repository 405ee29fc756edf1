package hfs

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	seaerrors "github.com/seafs/seafs/pkg/errors"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestWriteAt_MigratesOnENOSPC(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.fs.Mkdir("/out", 0o755))

	h, err := f.fs.Create("/out/result.dat", os.O_RDWR, 0o644)
	require.NoError(t, err)
	assert.Equal(t, f.mem, h.Mount().Path)

	first := pattern(64*1024, 1)
	n, err := h.WriteAt(first, 0)
	require.NoError(t, err)
	require.Equal(t, len(first), n)

	f.memFull.Store(true)
	f.prober.set(f.mem, 0)

	second := pattern(32*1024, 7)
	n, err = h.WriteAt(second, int64(len(first)))
	require.NoError(t, err)
	require.Equal(t, len(second), n)

	// same handle, new home
	assert.Equal(t, f.ssd, h.Mount().Path)
	assert.Equal(t, uint64(1), h.Generation())
	assert.False(t, exists(filepath.Join(f.mem, "out", "result.dat")))

	want := append(append([]byte{}, first...), second...)
	got := make([]byte, len(want))
	n, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, xxhash.Sum64(want), xxhash.Sum64(got))

	require.NoError(t, h.Release())
	onDisk, err := os.ReadFile(filepath.Join(f.ssd, "out", "result.dat"))
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64(want), xxhash.Sum64(onDisk))
	assert.Equal(t, []string{"memory->ssd"}, f.metrics.migrations)
}

func TestWriteAt_EagerMigration(t *testing.T) {
	f := newFixture(t, Config{EagerMigration: true})

	h, err := f.fs.Create("/big", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.Equal(t, f.mem, h.Mount().Path)

	f.prober.set(f.mem, 100)
	_, err = h.WriteAt(pattern(4096, 3), 0)
	require.NoError(t, err)
	assert.Equal(t, f.ssd, h.Mount().Path)
	require.NoError(t, h.Release())
}

func TestWriteAt_NoBetterMountpoint(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.fs.Create("/f", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer h.Release()

	// the selector still prefers the memory tier, so the file has nowhere to go
	f.memFull.Store(true)
	_, err = h.WriteAt([]byte("data"), 0)
	require.Error(t, err)
	assert.Equal(t, syscall.ENOSPC, seaerrors.Errno(err))
	assert.Equal(t, f.mem, h.Mount().Path)
	assert.Zero(t, h.Generation())
}

func TestWriteAt_ReadOnlyHandle(t *testing.T) {
	f := newFixture(t, Config{})
	f.put(t, f.root, "f", "x", 0o644)

	h, err := f.fs.Open("/f", os.O_RDONLY)
	require.NoError(t, err)
	defer h.Release()

	_, err = h.WriteAt([]byte("y"), 0)
	assert.Equal(t, syscall.EBADF, seaerrors.Errno(err))
}

func TestMigrate_LosingRaceIsNoop(t *testing.T) {
	f := newFixture(t, Config{})

	a, err := f.fs.Create("/shared", os.O_RDWR, 0o644)
	require.NoError(t, err)
	b, err := f.fs.Open("/shared", os.O_RDWR)
	require.NoError(t, err)
	require.Same(t, a.node, b.node)

	_, err = a.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	f.prober.set(f.mem, 0)
	seen := b.Generation()
	require.NoError(t, a.migrate(seen, 5, syscall.ENOSPC))
	require.NoError(t, b.migrate(seen, 5, syscall.ENOSPC))

	assert.Equal(t, uint64(1), b.Generation())
	assert.Equal(t, f.ssd, b.Mount().Path)
	assert.Equal(t, filepath.Join(f.ssd, "shared"), b.file.Name())

	got := make([]byte, 5)
	_, err = b.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func TestWriteAt_ConcurrentWritersMigrateOnce(t *testing.T) {
	f := newFixture(t, Config{})

	a, err := f.fs.Create("/par", os.O_RDWR, 0o644)
	require.NoError(t, err)
	b, err := f.fs.Open("/par", os.O_RDWR)
	require.NoError(t, err)

	f.memFull.Store(true)
	f.prober.set(f.mem, 0)

	const chunk = 8192
	var g errgroup.Group
	for i, h := range []*Handle{a, b} {
		i, h := i, h
		g.Go(func() error {
			for j := 0; j < 8; j++ {
				off := int64((j*2 + i) * chunk)
				if _, err := h.WriteAt(bytes.Repeat([]byte{byte('a' + i)}, chunk), off); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(1), a.Generation())
	assert.Equal(t, []string{"memory->ssd"}, f.metrics.migrations)

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())

	data, err := os.ReadFile(filepath.Join(f.ssd, "par"))
	require.NoError(t, err)
	require.Len(t, data, 16*chunk)
	for k := 0; k < 16; k++ {
		assert.Equal(t, byte('a'+k%2), data[k*chunk], "chunk %d", k)
	}
}

func TestRelease_ClearsWriteBitsOnFastTier(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.fs.Create("/f", os.O_WRONLY, 0o755)
	require.NoError(t, err)
	assert.True(t, f.fs.IsOpenForWrite("/f"))

	r, err := f.fs.Open("/f", os.O_RDONLY)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	assert.False(t, f.fs.IsOpenForWrite("/f"))
	assert.Equal(t, os.FileMode(0o555), perm(t, filepath.Join(f.mem, "f")))

	// releasing twice and releasing readers change nothing
	require.NoError(t, h.Release())
	require.NoError(t, r.Release())
	assert.Equal(t, os.FileMode(0o555), perm(t, filepath.Join(f.mem, "f")))
}

func TestRelease_ConcurrentWriterKeepsWriteBit(t *testing.T) {
	f := newFixture(t, Config{})
	p := filepath.Join(f.mem, "f")

	h, err := f.fs.Create("/f", os.O_WRONLY, 0o644)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		var next *Handle
		var g errgroup.Group
		g.Go(h.Release)
		g.Go(func() error {
			var err error
			next, err = f.fs.Open("/f", os.O_WRONLY)
			return err
		})
		require.NoError(t, g.Wait())

		// a writer is open, so the file must not look ready for flush
		assert.NotZero(t, perm(t, p)&0o200, "iteration %d", i)
		h = next
	}
	require.NoError(t, h.Release())
	assert.Equal(t, os.FileMode(0o444), perm(t, p))
}

func TestRelease_KeepsBackingRootWritable(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.put(t, f.root, "f", "x", 0o644)

	h, err := f.fs.Open("/f", os.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.Equal(t, os.FileMode(0o644), perm(t, p))
}

func TestHandle_SurvivesUnlink(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.fs.Create("/gone", os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, f.fs.Unlink("/gone"))
	assert.False(t, f.fs.IsOpenForWrite("/gone"))

	got := make([]byte, 3)
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	// a removed file is never relocated
	f.prober.set(f.mem, 0)
	err = h.migrate(h.Generation(), 1, nil)
	assert.Equal(t, syscall.ENOSPC, seaerrors.Errno(err))
	require.NoError(t, h.Release())
}
