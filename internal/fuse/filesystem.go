// Package fuse exposes the merged namespace to the kernel through go-fuse.
package fuse

import (
	"context"
	"os"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/seafs/seafs/internal/hfs"
	seaerrors "github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/utils"
)

// FileSystem binds the operation surface to go-fuse inodes.
type FileSystem struct {
	hfs    *hfs.FS
	logger *utils.StructuredLogger
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(surface *hfs.FS, logger *utils.StructuredLogger) *FileSystem {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &FileSystem{hfs: surface, logger: logger.WithComponent("fuse")}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: f}
}

// Node is a file, directory or symlink of the merged namespace. It carries no
// physical location; every call resolves its path again.
type Node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ = (fs.NodeLookuper)((*Node)(nil))
	_ = (fs.NodeGetattrer)((*Node)(nil))
	_ = (fs.NodeSetattrer)((*Node)(nil))
	_ = (fs.NodeReaddirer)((*Node)(nil))
	_ = (fs.NodeMkdirer)((*Node)(nil))
	_ = (fs.NodeRmdirer)((*Node)(nil))
	_ = (fs.NodeUnlinker)((*Node)(nil))
	_ = (fs.NodeRenamer)((*Node)(nil))
	_ = (fs.NodeCreater)((*Node)(nil))
	_ = (fs.NodeOpener)((*Node)(nil))
	_ = (fs.NodeLinker)((*Node)(nil))
	_ = (fs.NodeSymlinker)((*Node)(nil))
	_ = (fs.NodeReadlinker)((*Node)(nil))
	_ = (fs.NodeStatfser)((*Node)(nil))
	_ = (fs.NodeAccesser)((*Node)(nil))
)

// rel returns the node's namespace path.
func (n *Node) rel() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return path.Join(n.rel(), name)
}

func errno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	return seaerrors.Errno(err)
}

// newChild builds the inode for a freshly looked-up or created entry.
func (n *Node) newChild(ctx context.Context, st *syscall.Stat_t, out *fuse.EntryOut) *fs.Inode {
	out.Attr.FromStat(st)
	swapped := uint64(st.Dev)<<32 | uint64(st.Dev)>>32
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{
		Mode: uint32(st.Mode) & syscall.S_IFMT,
		Ino:  swapped ^ uint64(st.Ino),
	})
}

func (n *Node) lookupChild(ctx context.Context, rel string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, err := n.fsys.hfs.Getattr(rel)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, st, out), fs.OK
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if hfs.IsHidden(name) {
		return nil, syscall.ENOENT
	}
	return n.lookupChild(ctx, n.child(name), out)
}

// Getattr prefers the open handle, which follows the file across migrations.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*FileHandle); ok {
		return h.Getattr(ctx, out)
	}
	st, err := n.fsys.hfs.Getattr(n.rel())
	if err != nil {
		return errno(err)
	}
	out.FromStat(st)
	out.Ino = 0
	return fs.OK
}

// Setattr applies mode, ownership, size and timestamp changes in that order.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rel := n.rel()
	surface := n.fsys.hfs

	if mode, ok := in.GetMode(); ok {
		if err := surface.Chmod(rel, os.FileMode(mode&07777)); err != nil {
			return errno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := surface.Chown(rel, u, g); err != nil {
			return errno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		var err error
		if h, isHandle := fh.(*FileHandle); isHandle {
			err = h.h.Truncate(int64(size))
		} else {
			err = surface.Truncate(rel, int64(size))
		}
		if err != nil {
			return errno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ap, mp := &atime, &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		if err := surface.Utimens(rel, ap, mp); err != nil {
			return errno(err)
		}
	}

	return n.Getattr(ctx, fh, out)
}

// Readdir lists the union of every copy of the directory.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.hfs.ReadDir(n.rel())
	if err != nil {
		return nil, errno(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: e.Mode})
	}
	return fs.NewListDirStream(list), fs.OK
}

// Mkdir creates the directory on every tier.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.child(name)
	if err := n.fsys.hfs.Mkdir(rel, os.FileMode(mode&07777)); err != nil {
		return nil, errno(err)
	}
	return n.lookupChild(ctx, rel, out)
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.hfs.Rmdir(n.child(name)))
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.hfs.Unlink(n.child(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return errno(n.fsys.hfs.Rename(n.child(name), dst, flags))
}

// Create places a new file on the first tier with room.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.hfs.Create(n.child(name), int(flags), os.FileMode(mode&07777))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	st, err := h.Stat()
	if err != nil {
		h.Release()
		return nil, nil, 0, errno(err)
	}
	return n.newChild(ctx, st, out), &FileHandle{h: h, logger: n.fsys.logger}, 0, fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.hfs.Open(n.rel(), int(flags))
	if err != nil {
		return nil, 0, errno(err)
	}
	return &FileHandle{h: h, logger: n.fsys.logger}, 0, fs.OK
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.child(name)
	src := "/" + target.EmbeddedInode().Path(nil)
	if err := n.fsys.hfs.Link(src, rel); err != nil {
		return nil, errno(err)
	}
	return n.lookupChild(ctx, rel, out)
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.child(name)
	if err := n.fsys.hfs.Symlink(target, rel); err != nil {
		return nil, errno(err)
	}
	return n.lookupChild(ctx, rel, out)
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.hfs.Readlink(n.rel())
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), fs.OK
}

// Statfs reports the combined capacity of every tier.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.hfs.Statfs()
	if err != nil {
		return errno(err)
	}
	out.FromStatfsT(st)
	return fs.OK
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return errno(n.fsys.hfs.Access(n.rel(), mask))
}

// FileHandle adapts a relocatable handle to go-fuse.
type FileHandle struct {
	h      *hfs.Handle
	logger *utils.StructuredLogger
}

var (
	_ = (fs.FileReader)((*FileHandle)(nil))
	_ = (fs.FileWriter)((*FileHandle)(nil))
	_ = (fs.FileFlusher)((*FileHandle)(nil))
	_ = (fs.FileFsyncer)((*FileHandle)(nil))
	_ = (fs.FileReleaser)((*FileHandle)(nil))
	_ = (fs.FileGetattrer)((*FileHandle)(nil))
)

func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.h.ReadAt(dest, off)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write may move the file to another tier before it returns.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.h.WriteAt(data, off)
	if err != nil {
		return uint32(n), errno(err)
	}
	return uint32(n), fs.OK
}

// Flush runs on every close(2) of a descriptor. Data is written through, so
// there is nothing to push.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(fh.h.Sync())
}

func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.h.Release(); err != nil {
		fh.logger.Warn("release failed", map[string]interface{}{
			"path":  fh.h.Rel(),
			"error": err.Error(),
		})
		return errno(err)
	}
	return fs.OK
}

func (fh *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := fh.h.Stat()
	if err != nil {
		return errno(err)
	}
	out.FromStat(st)
	out.Ino = 0
	return fs.OK
}
