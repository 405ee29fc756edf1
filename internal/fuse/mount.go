package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/internal/config"
	"github.com/seafs/seafs/internal/topology"
	"github.com/seafs/seafs/pkg/utils"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	mountPoint string
	config     config.MountConfig
	mounts     topology.MountLister
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// NewMountManager creates a new mount manager. mounts is consulted to refuse
// mounting over an existing mount; it may be nil.
func NewMountManager(filesystem *FileSystem, mountPoint string, cfg config.MountConfig, mounts topology.MountLister, logger *utils.StructuredLogger) *MountManager {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if cfg.FSName == "" {
		cfg.FSName = "seafs"
	}
	return &MountManager{
		filesystem: filesystem,
		mountPoint: filepath.Clean(mountPoint),
		config:     cfg,
		mounts:     mounts,
		logger:     logger.WithComponent("mount"),
	}
}

// Mount mounts the filesystem and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.mountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.done = make(chan struct{})
	m.logger.Info("filesystem mounted", map[string]interface{}{"mount_point": m.mountPoint})

	go func(done chan struct{}) {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped", map[string]interface{}{"mount_point": m.mountPoint})
		close(done)
	}(m.done)

	return nil
}

// Unmount detaches the filesystem, falling back to a lazy unmount when the
// mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server, mounted := m.server, m.mounted
	m.mu.Unlock()

	if !mounted || server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("unmounting filesystem", map[string]interface{}{"mount_point": m.mountPoint})
	if err := server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, detaching lazily", map[string]interface{}{
			"mount_point": m.mountPoint,
			"error":       err.Error(),
		})
		if forceErr := unix.Unmount(m.mountPoint, unix.MNT_DETACH); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, forceErr)
		}
	}

	m.mu.Lock()
	m.mounted = false
	m.server = nil
	m.mu.Unlock()
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the mount point
func (m *MountManager) MountPoint() string {
	return m.mountPoint
}

// Wait blocks until the kernel connection closes.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.mountPoint == "" || m.mountPoint == "." {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.mountPoint)
	}

	entries, err := os.ReadDir(m.mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", map[string]interface{}{"mount_point": m.mountPoint})
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.mountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attr := m.config.AttrTimeout
	entry := m.config.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
			Options:    append([]string(nil), m.config.Options...),
		},
		AttrTimeout:  &attr,
		EntryTimeout: &entry,
		// permissions are checked by the tiers themselves
		NullPermissions: true,
	}
	opts.Logger = utils.StdLogger(m.logger, utils.WARN)
	if m.config.Debug {
		opts.MountOptions.Logger = utils.StdLogger(m.logger, utils.DEBUG)
	}
	return opts
}

// isAlreadyMounted reports whether the mount point is itself a mount.
func (m *MountManager) isAlreadyMounted() bool {
	if m.mounts == nil {
		return false
	}
	infos, err := m.mounts.Mounts()
	if err != nil {
		return false
	}
	for _, mi := range infos {
		if filepath.Clean(mi.MountPoint) == m.mountPoint {
			return true
		}
	}
	return false
}
