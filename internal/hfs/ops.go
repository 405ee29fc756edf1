package hfs

import (
	stderr "errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/internal/tier"
	"github.com/seafs/seafs/pkg/errors"
)

// DirEntry is one merged directory listing entry. Mode holds only the file
// type bits.
type DirEntry struct {
	Name string
	Mode uint32
}

// Getattr returns the attributes of the authoritative copy of rel.
func (h *FS) Getattr(rel string) (*syscall.Stat_t, error) {
	start := time.Now()
	st, err := h.getattr(rel)
	h.observe("getattr", start, 0, err)
	return st, err
}

func (h *FS) getattr(rel string) (*syscall.Stat_t, error) {
	p, ok := h.authoritative(rel)
	if !ok {
		return nil, syscall.ENOENT
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, errors.WrapIO("lstat", p, err)
	}
	return &st, nil
}

// authoritative returns the physical path of rel, preferring the location of
// an open handle.
func (h *FS) authoritative(rel string) (string, bool) {
	h.open.mu.Lock()
	n, open := h.open.nodes[rel]
	h.open.mu.Unlock()
	if open {
		n.mu.Lock()
		defer n.mu.Unlock()
		h.rehome(n)
		return n.physical(), true
	}
	loc, ok := h.resolver.Lookup(rel)
	return loc.Path, ok
}

// rehome points a node that only has readers at the next copy of its path
// once its own copy is gone, as after an eviction. Open readers are moved to
// the new copy. The caller holds n.mu.
func (h *FS) rehome(n *node) {
	if n.writers > 0 || n.unlinked {
		return
	}
	old := n.physical()
	if _, err := os.Lstat(old); !stderr.Is(err, fs.ErrNotExist) {
		return
	}
	loc, ok := h.resolver.Lookup(n.rel)
	if !ok {
		return
	}
	for handle := range n.handles {
		f, err := os.OpenFile(loc.Path, reopenFlags(handle.flags), 0)
		if err != nil {
			// the descriptor on the removed copy still reads the same bytes
			continue
		}
		prev := handle.file
		handle.file = f
		prev.Close()
	}
	h.logger.Debug("open file followed to next copy", map[string]interface{}{
		"path": n.rel,
		"from": n.mount.Path,
		"to":   loc.Mount.Path,
	})
	n.mount = loc.Mount
}

// ReadDir lists rel as the union of its copies. Names are deduplicated with the
// highest-priority copy winning.
func (h *FS) ReadDir(rel string) ([]DirEntry, error) {
	start := time.Now()
	entries, err := h.readDir(rel)
	h.observe("readdir", start, int64(len(entries)), err)
	return entries, err
}

func (h *FS) readDir(rel string) ([]DirEntry, error) {
	locs := h.resolver.ResolveAll(rel)
	if len(locs) == 0 {
		return nil, syscall.ENOENT
	}

	var (
		out     []DirEntry
		seen    = make(map[string]bool)
		listed  bool
		lastErr error
	)
	for _, loc := range locs {
		entries, err := os.ReadDir(loc.Path)
		if err != nil {
			lastErr = errors.WrapIO("readdir", loc.Path, err)
			continue
		}
		listed = true
		for _, e := range entries {
			if IsHidden(e.Name()) || seen[e.Name()] {
				continue
			}
			seen[e.Name()] = true
			out = append(out, DirEntry{Name: e.Name(), Mode: unixMode(e.Type())})
		}
	}
	if !listed {
		return nil, lastErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open opens an existing file. Opening for writing makes the first copy the
// only one; the others would go stale.
func (h *FS) Open(rel string, flags int) (*Handle, error) {
	start := time.Now()
	handle, err := h.openHandle(rel, flags&^(os.O_CREATE|os.O_EXCL), 0, false)
	h.observe("open", start, 0, err)
	return handle, err
}

// Create opens rel, creating it on the placement selector's mountpoint when it
// exists nowhere.
func (h *FS) Create(rel string, flags int, mode os.FileMode) (*Handle, error) {
	start := time.Now()
	handle, err := h.openHandle(rel, flags|os.O_CREATE, mode, true)
	h.observe("create", start, 0, err)
	return handle, err
}

func (h *FS) openHandle(rel string, flags int, mode os.FileMode, create bool) (*Handle, error) {
	// writes carry explicit offsets
	flags &^= os.O_APPEND
	writable := writableFlags(flags)
	exclusive := create && flags&os.O_EXCL != 0

	r := h.open
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[rel]; ok {
		if exclusive {
			return nil, syscall.EEXIST
		}
		return h.join(n, flags, writable)
	}

	loc, exists := h.resolver.Lookup(rel)
	switch {
	case exists && exclusive:
		return nil, syscall.EEXIST
	case !exists && !create:
		return nil, syscall.ENOENT
	case !exists:
		if parent := path.Dir(rel); parent != "/" {
			if _, ok := h.resolver.Lookup(parent); !ok {
				return nil, syscall.ENOENT
			}
		}
		var err error
		loc, err = h.resolver.Resolve(rel)
		if err != nil {
			return nil, err
		}
		if err := h.mirrorParents(loc.Mount, rel); err != nil {
			return nil, err
		}
	}

	openFlags := flags &^ (os.O_CREATE | os.O_EXCL)
	perm := os.FileMode(0)
	if !exists {
		openFlags |= os.O_CREATE | os.O_EXCL
		// open writers keep the owner write bit so the daemons leave them alone
		perm = mode.Perm() | 0o200
	}
	if exists && writable {
		h.dropOtherCopies(rel, loc)
		if err := ensureOwnerWrite(loc.Path); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(loc.Path, openFlags, perm)
	if err != nil {
		return nil, errors.WrapIO("open", loc.Path, err)
	}

	n := &node{rel: rel, mount: loc.Mount, handles: make(map[*Handle]struct{})}
	r.nodes[rel] = n
	handle := &Handle{fs: h, node: n, file: f, flags: openFlags, writable: writable}
	n.handles[handle] = struct{}{}
	if writable {
		n.writers++
	}
	return handle, nil
}

// join opens another handle on an already open node. The caller holds the
// registry lock.
func (h *FS) join(n *node, flags int, writable bool) (*Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h.rehome(n)
	p := n.physical()
	if writable {
		if err := ensureOwnerWrite(p); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(p, flags&^(os.O_CREATE|os.O_EXCL), 0)
	if err != nil {
		return nil, errors.WrapIO("open", p, err)
	}
	handle := &Handle{fs: h, node: n, file: f, flags: flags &^ (os.O_CREATE | os.O_EXCL), writable: writable}
	n.handles[handle] = struct{}{}
	if writable {
		n.writers++
	}
	return handle, nil
}

// dropOtherCopies removes every copy of rel except keep.
func (h *FS) dropOtherCopies(rel string, keep tier.Location) {
	for _, loc := range h.resolver.ResolveAll(rel) {
		if loc.Path == keep.Path {
			continue
		}
		if err := os.Remove(loc.Path); err != nil && !stderr.Is(err, fs.ErrNotExist) {
			h.logger.Warn("cannot remove stale copy", map[string]interface{}{
				"path":  loc.Path,
				"error": err.Error(),
			})
		}
	}
}

func ensureOwnerWrite(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return errors.WrapIO("stat", p, err)
	}
	if info.Mode().Perm()&0o200 != 0 || info.IsDir() {
		return nil
	}
	if err := os.Chmod(p, info.Mode().Perm()|0o200); err != nil {
		return errors.WrapIO("chmod", p, err)
	}
	return nil
}

// Unlink removes every copy of rel.
func (h *FS) Unlink(rel string) error {
	start := time.Now()
	err := h.applyAll("unlink", rel, func(loc tier.Location) error {
		return syscall.Unlink(loc.Path)
	})
	if err == nil || errors.HasCode(err, errors.ErrCodePartialTierFailure) {
		h.open.detach(rel)
	}
	h.observe("unlink", start, 0, err)
	return err
}

// Mkdir creates rel on every mountpoint of the hierarchy.
func (h *FS) Mkdir(rel string, mode os.FileMode) error {
	start := time.Now()
	err := h.mkdir(rel, mode)
	h.observe("mkdir", start, 0, err)
	return err
}

func (h *FS) mkdir(rel string, mode os.FileMode) error {
	if _, ok := h.resolver.Lookup(rel); ok {
		return syscall.EEXIST
	}
	if parent := path.Dir(rel); parent != "/" {
		loc, ok := h.resolver.Lookup(parent)
		if !ok {
			return syscall.ENOENT
		}
		if info, err := os.Stat(loc.Path); err == nil && !info.IsDir() {
			return syscall.ENOTDIR
		}
	}

	mps := h.hierarchy.Mountpoints()
	locs := make([]tier.Location, 0, len(mps))
	for _, mp := range mps {
		locs = append(locs, tier.Location{Mount: mp, Path: mp.Join(rel)})
	}
	return h.mirror("mkdir", rel, locs, func(loc tier.Location) error {
		if err := h.mirrorParents(loc.Mount, rel); err != nil {
			return err
		}
		if err := os.Mkdir(loc.Path, mode.Perm()); err != nil && !stderr.Is(err, fs.ErrExist) {
			return err
		}
		return nil
	})
}

// Rmdir removes rel from every mountpoint. The merged directory must be empty.
func (h *FS) Rmdir(rel string) error {
	start := time.Now()
	err := h.rmdir(rel)
	h.observe("rmdir", start, 0, err)
	return err
}

func (h *FS) rmdir(rel string) error {
	if rel == "/" {
		return syscall.EBUSY
	}
	entries, err := h.readDir(rel)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return syscall.ENOTEMPTY
	}
	return h.applyAll("rmdir", rel, func(loc tier.Location) error {
		if err := syscall.Rmdir(loc.Path); err != nil && err != syscall.ENOENT {
			return err
		}
		return nil
	})
}

// Rename moves every copy of oldRel to newRel on its own mountpoint. Copies of
// a replaced file on other mountpoints are removed so they cannot shadow the
// result.
func (h *FS) Rename(oldRel, newRel string, flags uint32) error {
	start := time.Now()
	err := h.rename(oldRel, newRel, flags)
	h.observe("rename", start, 0, err)
	return err
}

func (h *FS) rename(oldRel, newRel string, flags uint32) error {
	if flags&unix.RENAME_EXCHANGE != 0 || flags&unix.RENAME_WHITEOUT != 0 {
		return syscall.EINVAL
	}
	srcs := h.resolver.ResolveAll(oldRel)
	if len(srcs) == 0 {
		return syscall.ENOENT
	}
	if flags&unix.RENAME_NOREPLACE != 0 {
		if _, ok := h.resolver.Lookup(newRel); ok {
			return syscall.EEXIST
		}
	}

	held := make(map[string]bool, len(srcs))
	for _, s := range srcs {
		held[s.Mount.Path] = true
	}
	for _, dst := range h.resolver.ResolveAll(newRel) {
		if held[dst.Mount.Path] {
			continue
		}
		info, err := os.Lstat(dst.Path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := os.Remove(dst.Path); err != nil {
			return errors.WrapIO("rename", dst.Path, err)
		}
	}

	err := h.mirror("rename", oldRel, srcs, func(loc tier.Location) error {
		if err := h.mirrorParents(loc.Mount, newRel); err != nil {
			return err
		}
		return os.Rename(loc.Path, loc.Mount.Join(newRel))
	})
	if err == nil || errors.HasCode(err, errors.ErrCodePartialTierFailure) {
		h.open.rename(oldRel, newRel)
	}
	return err
}

// Link creates newRel as a hard link next to the authoritative copy of oldRel.
func (h *FS) Link(oldRel, newRel string) error {
	start := time.Now()
	err := h.link(oldRel, newRel)
	h.observe("link", start, 0, err)
	return err
}

func (h *FS) link(oldRel, newRel string) error {
	src, ok := h.resolver.Lookup(oldRel)
	if !ok {
		return syscall.ENOENT
	}
	if _, ok := h.resolver.Lookup(newRel); ok {
		return syscall.EEXIST
	}
	if err := h.mirrorParents(src.Mount, newRel); err != nil {
		return err
	}
	if err := os.Link(src.Path, src.Mount.Join(newRel)); err != nil {
		return errors.WrapIO("link", src.Path, err)
	}
	return nil
}

// Symlink creates rel pointing at target on the placement selector's mountpoint.
func (h *FS) Symlink(target, rel string) error {
	start := time.Now()
	err := h.symlink(target, rel)
	h.observe("symlink", start, 0, err)
	return err
}

func (h *FS) symlink(target, rel string) error {
	if _, ok := h.resolver.Lookup(rel); ok {
		return syscall.EEXIST
	}
	if parent := path.Dir(rel); parent != "/" {
		if _, ok := h.resolver.Lookup(parent); !ok {
			return syscall.ENOENT
		}
	}
	loc, err := h.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if err := h.mirrorParents(loc.Mount, rel); err != nil {
		return err
	}
	if err := os.Symlink(target, loc.Path); err != nil {
		return errors.WrapIO("symlink", loc.Path, err)
	}
	return nil
}

// Readlink returns the target of the symlink rel.
func (h *FS) Readlink(rel string) (string, error) {
	loc, ok := h.resolver.Lookup(rel)
	if !ok {
		return "", syscall.ENOENT
	}
	target, err := os.Readlink(loc.Path)
	if err != nil {
		return "", errors.WrapIO("readlink", loc.Path, err)
	}
	return target, nil
}

// Chmod changes the mode of every copy of rel.
func (h *FS) Chmod(rel string, mode os.FileMode) error {
	start := time.Now()
	err := h.applyAll("chmod", rel, func(loc tier.Location) error {
		return os.Chmod(loc.Path, mode)
	})
	h.observe("chmod", start, 0, err)
	return err
}

// Chown changes the owner of every copy of rel. A negative id is left as is.
func (h *FS) Chown(rel string, uid, gid int) error {
	start := time.Now()
	err := h.applyAll("chown", rel, func(loc tier.Location) error {
		return os.Lchown(loc.Path, uid, gid)
	})
	h.observe("chown", start, 0, err)
	return err
}

// Utimens sets the timestamps of every copy of rel. A nil time is left as is.
func (h *FS) Utimens(rel string, atime, mtime *time.Time) error {
	start := time.Now()
	ts := []unix.Timespec{timespec(atime), timespec(mtime)}
	err := h.applyAll("utimens", rel, func(loc tier.Location) error {
		return unix.UtimesNanoAt(unix.AT_FDCWD, loc.Path, ts, unix.AT_SYMLINK_NOFOLLOW)
	})
	h.observe("utimens", start, 0, err)
	return err
}

func timespec(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

// Truncate changes the size of rel. Other copies are dropped since they no
// longer match.
func (h *FS) Truncate(rel string, size int64) error {
	start := time.Now()
	err := h.truncate(rel, size)
	h.observe("truncate", start, 0, err)
	return err
}

func (h *FS) truncate(rel string, size int64) error {
	h.open.mu.Lock()
	n, open := h.open.nodes[rel]
	h.open.mu.Unlock()
	if open {
		n.mu.Lock()
		defer n.mu.Unlock()
		h.rehome(n)
		loc := tier.Location{Mount: n.mount, Path: n.physical()}
		if n.writers == 0 {
			h.dropOtherCopies(rel, loc)
		}
		return truncateCopy(loc, size)
	}

	loc, ok := h.resolver.Lookup(rel)
	if !ok {
		return syscall.ENOENT
	}
	h.dropOtherCopies(rel, loc)
	return truncateCopy(loc, size)
}

// truncateCopy truncates one physical copy, lifting a cleared owner write bit
// for the duration.
func truncateCopy(loc tier.Location, size int64) error {
	info, err := os.Stat(loc.Path)
	if err != nil {
		return errors.WrapIO("stat", loc.Path, err)
	}
	perm := info.Mode().Perm()
	if perm&0o200 == 0 && !loc.Mount.Backing {
		// a flushed file; keep it read-only so it is flushed again
		if err := os.Chmod(loc.Path, perm|0o200); err != nil {
			return errors.WrapIO("chmod", loc.Path, err)
		}
		defer os.Chmod(loc.Path, perm)
	}
	if err := os.Truncate(loc.Path, size); err != nil {
		return errors.WrapIO("truncate", loc.Path, err)
	}
	return nil
}

// Statfs sums capacity over the distinct filesystems of the hierarchy.
func (h *FS) Statfs() (*syscall.Statfs_t, error) {
	var (
		out   syscall.Statfs_t
		seen  = make(map[syscall.Fsid]bool)
		first = true
	)
	for _, mp := range h.hierarchy.Mountpoints() {
		var st syscall.Statfs_t
		if err := syscall.Statfs(mp.Path, &st); err != nil {
			h.logger.Warn("statfs failed", map[string]interface{}{"path": mp.Path, "error": err.Error()})
			continue
		}
		if seen[st.Fsid] {
			continue
		}
		seen[st.Fsid] = true

		if first {
			out = st
			first = false
			continue
		}
		scale := func(blocks uint64) uint64 {
			return blocks * uint64(st.Bsize) / uint64(out.Bsize)
		}
		out.Blocks += scale(st.Blocks)
		out.Bfree += scale(st.Bfree)
		out.Bavail += scale(st.Bavail)
		out.Files += st.Files
		out.Ffree += st.Ffree
		if st.Namelen < out.Namelen {
			out.Namelen = st.Namelen
		}
	}
	if first {
		return nil, syscall.EIO
	}
	return &out, nil
}

// Access checks mask against the authoritative copy of rel.
func (h *FS) Access(rel string, mask uint32) error {
	p, ok := h.authoritative(rel)
	if !ok {
		return syscall.ENOENT
	}
	if err := unix.Access(p, mask); err != nil {
		return errors.WrapIO("access", p, err)
	}
	return nil
}
