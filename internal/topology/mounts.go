package topology

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// MountInfo is the subset of a mount table entry discovery needs.
type MountInfo struct {
	MountPoint string
	FSType     string
	Source     string
	// MajorMinor is the st_dev of the mount as "major:minor".
	MajorMinor string
	Options    map[string]string
}

// ReadOnly reports whether the mount was mounted read-only.
func (m MountInfo) ReadOnly() bool {
	_, ro := m.Options["ro"]
	return ro
}

// NoAtime reports whether the mount does not track access times.
func (m MountInfo) NoAtime() bool {
	_, noatime := m.Options["noatime"]
	return noatime
}

// MountLister enumerates mounted filesystems.
type MountLister interface {
	Mounts() ([]MountInfo, error)
}

// ProcMounts lists mounts from <procRoot>/self/mountinfo.
type ProcMounts struct {
	fs procfs.FS
}

// NewProcMounts opens the proc filesystem at procRoot ("" means /proc).
func NewProcMounts(procRoot string) (*ProcMounts, error) {
	var (
		fs  procfs.FS
		err error
	)
	if procRoot == "" {
		fs, err = procfs.NewDefaultFS()
	} else {
		fs, err = procfs.NewFS(procRoot)
	}
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcMounts{fs: fs}, nil
}

// Mounts implements MountLister.
func (p *ProcMounts) Mounts() ([]MountInfo, error) {
	self, err := p.fs.Self()
	if err != nil {
		return nil, fmt.Errorf("resolve /proc/self: %w", err)
	}
	infos, err := self.MountInfo()
	if err != nil {
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}

	mounts := make([]MountInfo, 0, len(infos))
	for _, mi := range infos {
		opts := make(map[string]string, len(mi.Options)+len(mi.SuperOptions))
		for k, v := range mi.SuperOptions {
			opts[k] = v
		}
		// per-mount options win over superblock options
		for k, v := range mi.Options {
			opts[k] = v
		}
		mounts = append(mounts, MountInfo{
			MountPoint: mi.MountPoint,
			FSType:     mi.FSType,
			Source:     mi.Source,
			MajorMinor: mi.MajorMinorVer,
			Options:    opts,
		})
	}
	return mounts, nil
}
