// Package daemon runs the background passes that move data between tiers: the
// flusher copies finished files to the backing root, the evictor frees fast
// tiers once a file is safely flushed, and Cleanup drains everything back at
// shutdown.
package daemon

import (
	"context"
	stderr "errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/seafs/seafs/internal/hfs"
	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// Census lists the ReadOnly regular files on every fast mountpoint, oldest
// access first. Files still being written keep their owner write bit and are
// not listed.
func Census(ctx context.Context, h *tier.Hierarchy, logger *utils.StructuredLogger) ([]types.FileRecord, error) {
	var out []types.FileRecord
	for _, mp := range h.Fast() {
		recs, err := censusMount(ctx, mp, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Accessed.Equal(out[j].Accessed) {
			return out[i].Accessed.Before(out[j].Accessed)
		}
		return out[i].Rel < out[j].Rel
	})
	return out, nil
}

func censusMount(ctx context.Context, mp *types.Mountpoint, logger *utils.StructuredLogger) ([]types.FileRecord, error) {
	var out []types.FileRecord
	err := filepath.WalkDir(mp.Path, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// entries vanish under concurrent unlink and rename
			if stderr.Is(err, fs.ErrNotExist) {
				return nil
			}
			logger.Warn("census walk error", map[string]interface{}{"path": p, "error": err.Error()})
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), hfs.TempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode().Perm()&0o200 != 0 {
			return nil
		}
		rel, err := utils.RelTo(mp.Path, p)
		if err != nil {
			return nil
		}
		out = append(out, types.FileRecord{
			Mount:    mp,
			Rel:      rel,
			Size:     info.Size(),
			Accessed: accessTime(info, mp.NoAtime),
			Mode:     uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return out, nil
}

// accessTime is atime, or mtime when the mount does not track atime.
func accessTime(info fs.FileInfo, noatime bool) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || noatime {
		return info.ModTime()
	}
	return time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
}
