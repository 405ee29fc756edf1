package daemon

import (
	"context"
	stderr "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/internal/hfs"
	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// Cleanup drains every fast mountpoint into the backing root and removes what
// the session created there. It must run while nothing else writes to the
// hierarchy.
func Cleanup(ctx context.Context, h *tier.Hierarchy, logger *utils.StructuredLogger) error {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("cleanup")

	var result *multierror.Error
	for _, mp := range h.Fast() {
		moved, err := drain(ctx, mp, h.Backing(), logger)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		logger.Info("drained mountpoint", map[string]interface{}{"path": mp.Path, "moved": moved})
	}
	return result.ErrorOrNil()
}

func drain(ctx context.Context, mp, backing *types.Mountpoint, logger *utils.StructuredLogger) (int, error) {
	var (
		dirs   []string
		moved  int
		failed *multierror.Error
	)
	err := filepath.WalkDir(mp.Path, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if stderr.Is(err, fs.ErrNotExist) {
				return nil
			}
			failed = multierror.Append(failed, err)
			return nil
		}
		if d.IsDir() {
			if p != mp.Path {
				dirs = append(dirs, p)
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), hfs.TempPrefix) {
			os.Remove(p)
			return nil
		}
		rel, err := utils.RelTo(mp.Path, p)
		if err != nil {
			return nil
		}
		if err := moveOne(mp, backing, rel, d); err != nil {
			logger.Error("cannot move file to backing root", map[string]interface{}{
				"path":  rel,
				"from":  mp.Path,
				"error": err.Error(),
			})
			failed = multierror.Append(failed, err)
			return nil
		}
		moved++
		return nil
	})
	if err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return moved, err
	}
	if failed != nil {
		// keep the namespace so nothing unmoved is lost
		return moved, failed.ErrorOrNil()
	}

	// deepest first
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		os.Remove(d)
	}
	if mp.Path != mp.Mount {
		if err := os.Remove(mp.Path); err != nil && !stderr.Is(err, fs.ErrNotExist) {
			return moved, errors.WrapIO("rmdir", mp.Path, err)
		}
	}
	return moved, nil
}

// moveOne moves one entry to the backing root. A flushed file whose backing
// copy matches is simply dropped.
func moveOne(mp, backing *types.Mountpoint, rel string, d fs.DirEntry) error {
	src := mp.Join(rel)
	dst := backing.Join(rel)

	info, err := d.Info()
	if err != nil {
		return err
	}
	if info.Mode().IsRegular() && info.Mode().Perm()&0o200 == 0 {
		if b, err := os.Lstat(dst); err == nil && b.Mode().IsRegular() && b.Size() == info.Size() {
			return os.Remove(src)
		}
	}

	if err := ensureParents(mp, backing, rel); err != nil {
		return err
	}
	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !stderr.Is(err, syscall.EXDEV) {
		return errors.WrapIO("rename", src, err)
	}

	if err := copyAcross(src, dst, info); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyAcross recreates src at dst on another filesystem. Fifos are recreated
// empty. A socket is bound to its listener and is not recreated.
func copyAcross(src, dst string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		if _, err := hfs.CopyFile(src, dst, mode, true); err != nil {
			return err
		}
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return errors.WrapIO("readlink", src, err)
		}
		os.Remove(dst)
		if err := os.Symlink(target, dst); err != nil {
			return errors.WrapIO("symlink", dst, err)
		}
	case mode&fs.ModeNamedPipe != 0:
		os.Remove(dst)
		if err := unix.Mkfifo(dst, uint32(mode.Perm())); err != nil {
			return errors.WrapIO("mkfifo", dst, err)
		}
	}
	return nil
}
