package hfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/seafs/seafs/pkg/errors"
)

// CopyResult describes a completed copy.
type CopyResult struct {
	Bytes    int64
	Checksum uint64
}

// CopyFile copies src to dst through a temporary file in dst's directory. The
// temporary file is fsynced before it is renamed over dst, so dst is either
// absent or complete. With verify set, the temporary file is re-read and its
// xxhash compared against the source stream before the rename.
func CopyFile(src, dst string, mode os.FileMode, verify bool) (CopyResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return CopyResult{}, errors.WrapIO("open", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), TempPrefix+filepath.Base(dst)+"-")
	if err != nil {
		return CopyResult{}, errors.WrapIO("create", dst, err)
	}
	tmpName := tmp.Name()
	published := false
	defer func() {
		if !published {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hasher := xxhash.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), in)
	if err != nil {
		return CopyResult{}, errors.WrapIO("copy", dst, err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		return CopyResult{}, errors.WrapIO("chmod", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return CopyResult{}, errors.WrapIO("fsync", tmpName, err)
	}
	sum := hasher.Sum64()

	if verify {
		got, err := checksumFrom(tmp)
		if err != nil {
			return CopyResult{}, errors.WrapIO("verify", tmpName, err)
		}
		if got != sum {
			return CopyResult{}, errors.NewError(errors.ErrCodeIO,
				fmt.Sprintf("checksum mismatch copying %s: %016x != %016x", src, got, sum)).
				WithOperation("copy").WithPath(dst)
		}
	}

	if err := tmp.Close(); err != nil {
		return CopyResult{}, errors.WrapIO("close", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return CopyResult{}, errors.WrapIO("rename", dst, err)
	}
	published = true
	return CopyResult{Bytes: n, Checksum: sum}, nil
}

// Checksum returns the xxhash of the file at path.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return checksumFrom(f)
}

func checksumFrom(f *os.File) (uint64, error) {
	hasher := xxhash.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return 0, err
	}
	return hasher.Sum64(), nil
}
