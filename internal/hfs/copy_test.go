package hfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := pattern(300*1024, 9)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	res, err := CopyFile(src, dst, 0o440, true)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, xxhash.Sum64(data), res.Checksum)

	sum, err := Checksum(dst)
	require.NoError(t, err)
	assert.Equal(t, res.Checksum, sum)
	assert.Equal(t, os.FileMode(0o440), perm(t, dst))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), TempPrefix), "leftover %s", e.Name())
	}
}

func TestCopyFile_ReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old and longer"), 0o644))

	_, err := CopyFile(src, dst, 0o644, false)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCopyFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), 0o644, false)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
