// Package hfs implements the merged namespace on top of the tier hierarchy.
// Paths are namespace-relative ("/a/b"). Every operation resolves its physical
// target(s) on each call and delegates to the OS.
package hfs

import (
	stderr "errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// TempPrefix marks in-flight copies. Entries with this prefix are hidden from
// directory listings.
const TempPrefix = ".seafs-tmp-"

// Config tunes the operation surface.
type Config struct {
	// EagerMigration relocates a file before a write that would not fit on
	// its current mountpoint, instead of waiting for ENOSPC.
	EagerMigration bool
}

// FS is the operation surface over one hierarchy.
type FS struct {
	resolver  *tier.Resolver
	hierarchy *tier.Hierarchy
	selector  *tier.Selector
	config    Config
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector

	open *registry

	// writeAt is the physical write primitive
	writeAt func(f *os.File, p []byte, off int64) (int, error)
}

// New creates the operation surface.
func New(resolver *tier.Resolver, config Config, logger *utils.StructuredLogger, metrics types.MetricsCollector) *FS {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &FS{
		resolver:  resolver,
		hierarchy: resolver.Hierarchy(),
		selector:  resolver.Selector(),
		config:    config,
		logger:    logger.WithComponent("hfs"),
		metrics:   metrics,
		open:      newRegistry(),
		writeAt: func(f *os.File, p []byte, off int64) (int, error) {
			return f.WriteAt(p, off)
		},
	}
}

// Hierarchy returns the hierarchy the filesystem is built on.
func (h *FS) Hierarchy() *tier.Hierarchy {
	return h.hierarchy
}

// IsOpenForWrite reports whether rel has a writable handle open.
func (h *FS) IsOpenForWrite(rel string) bool {
	return h.open.writers(rel) > 0
}

// IsOpen reports whether rel has any handle open.
func (h *FS) IsOpen(rel string) bool {
	h.open.mu.Lock()
	defer h.open.mu.Unlock()
	_, ok := h.open.nodes[rel]
	return ok
}

func (h *FS) observe(op string, start time.Time, size int64, err error) {
	h.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil && !isExpected(err) {
		h.logger.Debug("operation failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
}

// isExpected filters errors that are normal filesystem answers.
func isExpected(err error) bool {
	switch errors.Errno(err) {
	case syscall.ENOENT, syscall.EEXIST, syscall.ENOTEMPTY, syscall.ENOTDIR, syscall.EISDIR:
		return true
	}
	return false
}

// mirrorParents creates the ancestors of rel on mp, copying each directory's
// mode from its first existing copy.
func (h *FS) mirrorParents(mp *types.Mountpoint, rel string) error {
	dir := path.Dir(rel)
	if dir == "/" {
		return nil
	}
	if _, err := os.Lstat(mp.Join(dir)); err == nil {
		return nil
	}
	if err := h.mirrorParents(mp, dir); err != nil {
		return err
	}

	mode := os.FileMode(0o755)
	if loc, ok := h.resolver.Lookup(dir); ok {
		if info, err := os.Stat(loc.Path); err == nil {
			if !info.IsDir() {
				return syscall.ENOTDIR
			}
			mode = info.Mode().Perm()
		}
	}
	if err := os.Mkdir(mp.Join(dir), mode); err != nil && !stderr.Is(err, fs.ErrExist) {
		return errors.WrapIO("mkdir", mp.Join(dir), err)
	}
	return nil
}

// applyAll runs fn on every existing copy of rel. A failure on some copies
// only is a PartialTierFailure.
func (h *FS) applyAll(op, rel string, fn func(loc tier.Location) error) error {
	locs := h.resolver.ResolveAll(rel)
	if len(locs) == 0 {
		return syscall.ENOENT
	}
	return h.mirror(op, rel, locs, fn)
}

func (h *FS) mirror(op, rel string, locs []tier.Location, fn func(loc tier.Location) error) error {
	var (
		failures  *multierror.Error
		succeeded int
	)
	for _, loc := range locs {
		if err := fn(loc); err != nil {
			failures = multierror.Append(failures, errors.WrapIO(op, loc.Path, err))
			continue
		}
		succeeded++
	}
	if failures == nil {
		return nil
	}
	if succeeded == 0 {
		// every copy failed the same way; report the first as-is
		return failures.Errors[0]
	}

	h.metrics.RecordPartialTierFailure(op)
	err := errors.NewPartialTierFailure(op, rel, failures, succeeded)
	h.logger.Error("namespace inconsistent across tiers", map[string]interface{}{
		"op":    op,
		"path":  rel,
		"error": err.Error(),
	})
	return err
}

// IsHidden reports whether name is an in-flight copy.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// writableFlags reports whether flags open for writing.
func writableFlags(flags int) bool {
	return flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0
}

func unixMode(m fs.FileMode) uint32 {
	switch {
	case m&fs.ModeDir != 0:
		return syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		return syscall.S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		return syscall.S_IFSOCK
	case m&fs.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case m&fs.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return syscall.S_IFREG
}
