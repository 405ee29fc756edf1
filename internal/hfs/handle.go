package hfs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
)

// node is the shared state of every open handle on one namespace path. Its
// lock serializes migration against reads and writes on all of them.
type node struct {
	mu      sync.RWMutex
	rel     string
	mount   *types.Mountpoint
	gen     uint64
	handles map[*Handle]struct{}
	writers int
	// unlinked is set once the path was removed while open
	unlinked bool
}

func (n *node) physical() string {
	return n.mount.Join(n.rel)
}

// registry tracks open nodes by namespace path. Lock order is registry.mu then
// node.mu.
type registry struct {
	mu    sync.Mutex
	nodes map[string]*node
}

func newRegistry() *registry {
	return &registry{nodes: make(map[string]*node)}
}

func (r *registry) writers(rel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rel]; ok {
		return n.writers
	}
	return 0
}

// detach forgets the open node of rel after an unlink. Its handles keep
// working on the removed file.
func (r *registry) detach(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rel]; ok {
		n.mu.Lock()
		n.unlinked = true
		n.mu.Unlock()
		delete(r.nodes, rel)
	}
}

// rename moves the open node of oldRel, along with any beneath it, to newRel.
func (r *registry) rename(oldRel, newRel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rel, n := range r.nodes {
		var moved string
		switch {
		case rel == oldRel:
			moved = newRel
		case len(rel) > len(oldRel) && rel[:len(oldRel)] == oldRel && rel[len(oldRel)] == '/':
			moved = newRel + rel[len(oldRel):]
		default:
			continue
		}
		n.mu.Lock()
		n.rel = moved
		n.mu.Unlock()
		delete(r.nodes, rel)
		r.nodes[moved] = n
	}
}

// Handle is a relocatable open file. Its identity is stable for the caller
// while the physical descriptor underneath moves between mountpoints.
type Handle struct {
	fs       *FS
	node     *node
	file     *os.File
	flags    int
	writable bool
	released bool
}

// Rel returns the namespace path the handle was opened on, following renames.
func (h *Handle) Rel() string {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	return h.node.rel
}

// Mount returns the mountpoint currently holding the file.
func (h *Handle) Mount() *types.Mountpoint {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	return h.node.mount
}

// Generation counts the migrations the file has gone through while open.
func (h *Handle) Generation() uint64 {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	return h.node.gen
}

// ReadAt reads from the current physical copy. A short read at end of file is
// not an error.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	start := time.Now()
	h.node.mu.RLock()
	n, err := h.file.ReadAt(p, off)
	name := h.file.Name()
	h.node.mu.RUnlock()
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		err = errors.WrapIO("read", name, err)
	}
	h.fs.observe("read", start, int64(n), err)
	return n, err
}

// WriteAt writes p at off. When the current mountpoint runs out of space the
// file is migrated to the next mountpoint with room and the write is retried
// there.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	start := time.Now()
	n, err := h.writeAt(p, off)
	h.fs.observe("write", start, int64(n), err)
	return n, err
}

func (h *Handle) writeAt(p []byte, off int64) (int, error) {
	if !h.writable {
		return 0, syscall.EBADF
	}

	// every pass either writes, fails, or moves the file one step
	for attempt := 0; attempt <= h.fs.hierarchy.Len(); attempt++ {
		h.node.mu.RLock()
		gen := h.node.gen
		mount := h.node.mount

		if h.fs.config.EagerMigration && !h.fits(mount, len(p)) {
			h.node.mu.RUnlock()
			if err := h.migrate(gen, int64(len(p)), nil); err != nil {
				h.fs.logger.Debug("eager migration skipped", map[string]interface{}{
					"path":  h.Rel(),
					"error": err.Error(),
				})
			} else {
				continue
			}
			h.node.mu.RLock()
			gen = h.node.gen
		}

		n, err := h.fs.writeAt(h.file, p, off)
		name := h.file.Name()
		h.node.mu.RUnlock()
		if err == nil {
			return n, nil
		}
		if !errors.IsOutOfSpace(err) {
			return n, errors.WrapIO("write", name, err)
		}

		if merr := h.migrate(gen, int64(len(p)), err); merr != nil {
			return 0, merr
		}
	}
	return 0, errors.WrapIO("write", h.Rel(), syscall.ENOSPC)
}

func (h *Handle) fits(mount *types.Mountpoint, size int) bool {
	avail, err := h.fs.selector.Available(mount)
	if err != nil {
		return true
	}
	return avail > uint64(size)
}

// migrate moves the file to the mountpoint the selector picks for its current
// size plus incoming bytes. It returns nil when the file moved, including when
// another handle moved it first. cause is the write error that triggered the
// move and is returned when no better mountpoint exists.
func (h *Handle) migrate(seenGen uint64, incoming int64, cause error) error {
	n := h.node
	n.mu.Lock()
	defer n.mu.Unlock()

	fail := func(err error) error {
		if cause != nil {
			return errors.WrapIO("write", n.physical(), cause)
		}
		return err
	}

	if n.gen != seenGen {
		h.fs.logger.Debug("migration already done by another writer", map[string]interface{}{
			"path": n.rel,
			"code": string(errors.ErrCodeMigrationRace),
		})
		return nil
	}
	if n.unlinked {
		return fail(syscall.ENOSPC)
	}

	info, err := h.file.Stat()
	if err != nil {
		return fail(errors.WrapIO("fstat", n.physical(), err))
	}
	required := info.Size() + incoming

	dest, err := h.fs.selector.Select(uint64(required))
	if err != nil {
		h.fs.logger.Warn("no mountpoint can take the file", map[string]interface{}{
			"path":     n.rel,
			"required": required,
		})
		return fail(err)
	}
	if dest.Path == n.mount.Path {
		return fail(syscall.ENOSPC)
	}

	from := n.mount
	oldPath := n.physical()
	newPath := dest.Join(n.rel)

	if err := h.fs.mirrorParents(dest, n.rel); err != nil {
		h.fs.metrics.RecordMigration(from.Tier.Name, dest.Tier.Name, required, false)
		return fail(err)
	}
	res, err := CopyFile(oldPath, newPath, info.Mode(), false)
	if err != nil {
		h.fs.metrics.RecordMigration(from.Tier.Name, dest.Tier.Name, required, false)
		return fail(errors.NewError(errors.ErrCodeMigrationFailed, "copy to destination failed").
			WithComponent("hfs").WithOperation("migrate").WithPath(n.rel).WithCause(err))
	}

	// reopen every handle on the node before touching the original
	reopened := make(map[*Handle]*os.File, len(n.handles))
	for other := range n.handles {
		f, err := os.OpenFile(newPath, reopenFlags(other.flags), 0)
		if err != nil {
			for _, rf := range reopened {
				rf.Close()
			}
			os.Remove(newPath)
			h.fs.metrics.RecordMigration(from.Tier.Name, dest.Tier.Name, required, false)
			return fail(errors.NewError(errors.ErrCodeMigrationFailed, "reopen at destination failed").
				WithComponent("hfs").WithOperation("migrate").WithPath(n.rel).WithCause(err))
		}
		reopened[other] = f
	}
	for other, f := range reopened {
		old := other.file
		other.file = f
		old.Close()
	}
	n.mount = dest
	n.gen++

	if err := os.Remove(oldPath); err != nil {
		h.fs.logger.Error("cannot remove migrated original, it shadows the new copy", map[string]interface{}{
			"path":  oldPath,
			"error": err.Error(),
		})
	}

	h.fs.metrics.RecordMigration(from.Tier.Name, dest.Tier.Name, res.Bytes, true)
	h.fs.logger.Info("migrated open file", map[string]interface{}{
		"path":       n.rel,
		"from":       from.Path,
		"to":         dest.Path,
		"bytes":      res.Bytes,
		"generation": n.gen,
	})
	return nil
}

func reopenFlags(flags int) int {
	return flags &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)
}

// Stat returns the attributes of the current physical copy.
func (h *Handle) Stat() (*syscall.Stat_t, error) {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	var st syscall.Stat_t
	if err := syscall.Fstat(int(h.file.Fd()), &st); err != nil {
		return nil, errors.WrapIO("fstat", h.file.Name(), err)
	}
	return &st, nil
}

// Truncate changes the size of the open file.
func (h *Handle) Truncate(size int64) error {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	if err := h.file.Truncate(size); err != nil {
		return errors.WrapIO("truncate", h.file.Name(), err)
	}
	return nil
}

// Sync flushes the current physical copy to stable storage.
func (h *Handle) Sync() error {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	if err := h.file.Sync(); err != nil {
		return errors.WrapIO("fsync", h.file.Name(), err)
	}
	return nil
}

// Release closes the handle. When the last writer on a fast-tier file closes,
// the file's write bits are cleared to mark it ready for flushing. The registry
// lock is held throughout so no writer can open the file in between.
func (h *Handle) Release() error {
	r := h.fs.open
	r.mu.Lock()
	defer r.mu.Unlock()
	n := h.node
	n.mu.Lock()
	defer n.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true
	delete(n.handles, h)
	if h.writable {
		n.writers--
	}
	lastWriter := h.writable && n.writers == 0 && !n.unlinked
	if len(n.handles) == 0 && r.nodes[n.rel] == n {
		delete(r.nodes, n.rel)
	}
	physical := n.physical()
	if err := h.file.Close(); err != nil {
		return errors.WrapIO("close", physical, err)
	}
	if !lastWriter || n.mount.Backing {
		return nil
	}

	info, err := os.Stat(physical)
	if err != nil {
		return errors.WrapIO("stat", physical, err)
	}
	if err := os.Chmod(physical, info.Mode().Perm()&^0o222); err != nil {
		return errors.WrapIO("chmod", physical, err)
	}
	h.fs.logger.Trace("file ready for flush", map[string]interface{}{"path": n.rel, "mount": n.mount.Path})
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle(%s)", h.Rel())
}
