// Package topology enumerates the mounted filesystems a SeaFS session can use and
// classifies each into a storage tier.
package topology

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// TierRule assigns mounts to a configured tier by filesystem type or mount path.
type TierRule struct {
	Tier    types.Tier
	FSTypes []string
	Paths   []string
}

// Options controls one discovery pass.
type Options struct {
	// BackingRoot is excluded from discovery along with its enclosing mount.
	BackingRoot string
	// MountPoint is where the merged namespace will be mounted.
	MountPoint string
	// Allowed lists the tiers that may appear in the result. Empty means the
	// built-in tiers.
	Allowed []types.Tier
	Rules   []TierRule

	Whitelist []string
	Blacklist []string

	// Namespace is the per-tenant subdirectory created under each mount.
	Namespace string
}

// Discoverer turns the mount table into tier mountpoints.
type Discoverer struct {
	lister MountLister
	graph  DeviceGraph
	logger *utils.StructuredLogger

	access func(path string) bool
	mkdir  func(path string, perm os.FileMode) error
}

// NewDiscoverer creates a discoverer over the given mount table and device graph.
func NewDiscoverer(lister MountLister, graph DeviceGraph, logger *utils.StructuredLogger) *Discoverer {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Discoverer{
		lister: lister,
		graph:  graph,
		logger: logger.WithComponent("topology"),
		access: func(path string) bool {
			return unix.Access(path, unix.R_OK|unix.W_OK) == nil
		},
		mkdir: os.MkdirAll,
	}
}

type candidate struct {
	mount MountInfo
	// base is the storage directory before namespacing
	base     string
	explicit bool
}

// Discover returns the usable mountpoints sorted by tier priority. The backing
// root is not part of the result.
func (d *Discoverer) Discover(opts Options) ([]*types.Mountpoint, error) {
	raw, err := d.lister.Mounts()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDiscoveryFailed, "cannot list mounts").
			WithComponent("topology").WithOperation("discover").WithCause(err)
	}
	mounts := dedupeMounts(raw)

	allowed := opts.Allowed
	if len(allowed) == 0 {
		allowed = types.BuiltinTiers()
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[t.Name] = true
	}
	blacklist := make(map[string]bool, len(opts.Blacklist))
	for _, b := range opts.Blacklist {
		blacklist[filepath.Clean(b)] = true
	}

	var backingMount string
	if opts.BackingRoot != "" {
		if m, ok := enclosingMount(mounts, opts.BackingRoot); ok {
			backingMount = m.MountPoint
		}
	}

	classifier := newDeviceClassifier(d.graph)
	var result []*types.Mountpoint
	for _, c := range d.candidates(mounts, opts.Whitelist) {
		fields := map[string]interface{}{"mount": c.mount.MountPoint, "dir": c.base, "fs_type": c.mount.FSType}
		skip := func(reason string) {
			if c.explicit {
				d.logger.Warn("whitelisted directory skipped: "+reason, fields)
			} else {
				d.logger.Debug("mount skipped: "+reason, fields)
			}
		}

		switch {
		case pseudoFSTypes[c.mount.FSType]:
			skip("pseudo filesystem")
			continue
		case c.mount.ReadOnly():
			skip("read-only mount")
			continue
		case blacklist[c.base] || blacklist[c.mount.MountPoint]:
			skip("blacklisted")
			continue
		case opts.MountPoint != "" && utils.IsWithin(opts.MountPoint, c.base):
			skip("inside the seafs mountpoint")
			continue
		case c.mount.MountPoint == backingMount:
			skip("shares a filesystem with the backing root")
			continue
		case opts.BackingRoot != "" && utils.IsWithin(opts.BackingRoot, c.base):
			skip("inside the backing root")
			continue
		case !d.access(c.base):
			skip("not readable and writable")
			continue
		}

		tier, device, ok := d.classify(classifier, c, opts.Rules)
		if !ok {
			skip("unclassified")
			continue
		}
		if !allowedSet[tier.Name] {
			skip("tier " + tier.Name + " not allowed")
			continue
		}

		path := c.base
		if opts.Namespace != "" {
			path = filepath.Join(c.base, opts.Namespace)
		}
		if err := d.mkdir(path, 0o700); err != nil {
			fields["error"] = err.Error()
			skip("cannot create storage directory")
			continue
		}

		mp := &types.Mountpoint{
			Path:    path,
			Mount:   c.mount.MountPoint,
			FSType:  c.mount.FSType,
			Device:  device,
			Tier:    tier,
			NoAtime: c.mount.NoAtime(),
		}
		if mp.NoAtime {
			d.logger.Warn("mount does not track access times, flush and eviction order falls back to mtime",
				map[string]interface{}{"mount": mp.Mount})
		}
		d.logger.Info("discovered mountpoint", map[string]interface{}{
			"path":   mp.Path,
			"tier":   mp.Tier.Name,
			"device": mp.Device,
		})
		result = append(result, mp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Tier.Priority < result[j].Tier.Priority
	})
	if len(result) == 0 {
		d.logger.Warn("no usable mountpoints found, all data goes to the backing root")
	}
	return result, nil
}

// ClassifyPath returns the tier of the mount enclosing path. It is used to label
// the backing root, which is never a discovered mountpoint.
func (d *Discoverer) ClassifyPath(path string) (types.Tier, bool) {
	raw, err := d.lister.Mounts()
	if err != nil {
		return types.Tier{}, false
	}
	m, ok := enclosingMount(dedupeMounts(raw), path)
	if !ok {
		return types.Tier{}, false
	}
	tier, _, ok := d.classify(newDeviceClassifier(d.graph), candidate{mount: m, base: path}, nil)
	return tier, ok
}

func (d *Discoverer) candidates(mounts []MountInfo, whitelist []string) []candidate {
	if len(whitelist) == 0 {
		out := make([]candidate, 0, len(mounts))
		for _, m := range mounts {
			out = append(out, candidate{mount: m, base: m.MountPoint})
		}
		return out
	}

	seen := make(map[string]bool)
	var out []candidate
	for _, w := range whitelist {
		w = filepath.Clean(w)
		if seen[w] {
			continue
		}
		seen[w] = true
		m, ok := enclosingMount(mounts, w)
		if !ok {
			d.logger.Warn("whitelisted directory has no enclosing mount", map[string]interface{}{"dir": w})
			continue
		}
		out = append(out, candidate{mount: m, base: w, explicit: true})
	}
	return out
}

func (d *Discoverer) classify(c *deviceClassifier, cand candidate, rules []TierRule) (types.Tier, string, bool) {
	m := cand.mount
	for _, r := range rules {
		for _, p := range r.Paths {
			if filepath.Clean(p) == m.MountPoint || filepath.Clean(p) == cand.base {
				return r.Tier, "", true
			}
		}
		for _, fst := range r.FSTypes {
			if fst == m.FSType {
				return r.Tier, "", true
			}
		}
	}

	switch {
	case memoryFSTypes[m.FSType]:
		return types.TierMemory, "", true
	case sharedFSTypes[m.FSType]:
		return types.TierShared, "", true
	}

	dev, ok := d.graph.DeviceFor(m)
	if !ok {
		return types.Tier{}, "", false
	}
	tier, err := c.classify(dev)
	if err != nil {
		d.logger.Warn("device classification failed", map[string]interface{}{
			"mount":  m.MountPoint,
			"device": dev,
			"error":  err.Error(),
		})
		return types.Tier{}, "", false
	}
	return tier, dev, true
}

// dedupeMounts keeps the last entry for each mountpoint, since a later mount
// hides an earlier one at the same path.
func dedupeMounts(mounts []MountInfo) []MountInfo {
	index := make(map[string]int, len(mounts))
	var out []MountInfo
	for _, m := range mounts {
		m.MountPoint = filepath.Clean(m.MountPoint)
		if i, ok := index[m.MountPoint]; ok {
			out[i] = m
			continue
		}
		index[m.MountPoint] = len(out)
		out = append(out, m)
	}
	return out
}

// enclosingMount returns the mount with the longest path containing target.
func enclosingMount(mounts []MountInfo, target string) (MountInfo, bool) {
	target = filepath.Clean(target)
	var (
		best  MountInfo
		found bool
	)
	for _, m := range mounts {
		if !utils.IsWithin(m.MountPoint, target) {
			continue
		}
		if !found || len(m.MountPoint) > len(best.MountPoint) {
			best = m
			found = true
		}
	}
	return best, found
}
