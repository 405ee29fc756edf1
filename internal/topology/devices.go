package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/blockdevice"
)

// DeviceGraph exposes the block-device dependency graph of the host.
type DeviceGraph interface {
	// DeviceFor returns the kernel name of the block device backing a mount.
	DeviceFor(m MountInfo) (string, bool)
	// Parents returns the devices dev is built on: the whole disk of a
	// partition, or the slaves of a device-mapper or md device.
	Parents(dev string) ([]string, error)
	// Rotational reports the queue/rotational flag of dev.
	Rotational(dev string) (bool, error)
}

// SysfsGraph reads the device graph from sysfs.
type SysfsGraph struct {
	bd      blockdevice.FS
	sysRoot string
}

// NewSysfsGraph opens the device graph rooted at procRoot and sysRoot. Empty
// values select /proc and /sys.
func NewSysfsGraph(procRoot, sysRoot string) (*SysfsGraph, error) {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	bd, err := blockdevice.NewFS(procRoot, sysRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs: %w", err)
	}
	return &SysfsGraph{bd: bd, sysRoot: sysRoot}, nil
}

// DeviceFor implements DeviceGraph.
func (g *SysfsGraph) DeviceFor(m MountInfo) (string, bool) {
	if m.MajorMinor != "" {
		link, err := os.Readlink(filepath.Join(g.sysRoot, "dev", "block", m.MajorMinor))
		if err == nil {
			return filepath.Base(link), true
		}
	}

	// btrfs and some device-mapper setups report an anonymous st_dev
	if strings.HasPrefix(m.Source, "/dev/") {
		real, err := filepath.EvalSymlinks(m.Source)
		if err != nil {
			return "", false
		}
		name := filepath.Base(real)
		if _, err := os.Stat(filepath.Join(g.sysRoot, "class", "block", name)); err == nil {
			return name, true
		}
	}
	return "", false
}

// Parents implements DeviceGraph.
func (g *SysfsGraph) Parents(dev string) ([]string, error) {
	classPath := filepath.Join(g.sysRoot, "class", "block", dev)
	if _, err := os.Stat(filepath.Join(classPath, "partition")); err == nil {
		real, err := filepath.EvalSymlinks(classPath)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dev, err)
		}
		return []string{filepath.Base(filepath.Dir(real))}, nil
	}

	info, err := g.bd.SysBlockDeviceUnderlyingDevices(dev)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read slaves of %s: %w", dev, err)
	}
	return info.DeviceNames, nil
}

// Rotational implements DeviceGraph.
func (g *SysfsGraph) Rotational(dev string) (bool, error) {
	stats, err := g.bd.SysBlockDeviceQueueStats(dev)
	if err == nil {
		return stats.Rotational == 1, nil
	}

	// older kernels lack some of the queue attributes the full read requires
	data, rerr := os.ReadFile(filepath.Join(g.sysRoot, "block", dev, "queue", "rotational"))
	if rerr != nil {
		return false, fmt.Errorf("read rotational flag of %s: %w", dev, err)
	}
	v, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil {
		return false, fmt.Errorf("parse rotational flag of %s: %w", dev, perr)
	}
	return v == 1, nil
}
