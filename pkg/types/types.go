package types

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tier is a priority class of storage. Lower priority values are faster.
type Tier struct {
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
}

// Built-in tiers, fastest first.
var (
	TierMemory = Tier{Name: "memory", Priority: 10}
	TierSSD    = Tier{Name: "ssd", Priority: 20}
	TierHDD    = Tier{Name: "hdd", Priority: 30}
	TierShared = Tier{Name: "shared", Priority: 40}

	// TierBacking labels the backing root, which always sorts last.
	TierBacking = Tier{Name: "backing", Priority: 1 << 20}
)

// BuiltinTiers returns the four default tiers in priority order.
func BuiltinTiers() []Tier {
	return []Tier{TierMemory, TierSSD, TierHDD, TierShared}
}

func (t Tier) String() string {
	return t.Name
}

// IsMemory reports whether placements on this tier count against the memory budget.
func (t Tier) IsMemory() bool {
	return t.Name == TierMemory.Name
}

// LookupTier finds a tier by name among the built-ins and the given extras.
func LookupTier(name string, extra []Tier) (Tier, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	// aliases accepted in tier lists
	switch name {
	case "tmpfs", "mem":
		name = TierMemory.Name
	case "lustre", "network":
		name = TierShared.Name
	}
	for _, t := range BuiltinTiers() {
		if t.Name == name {
			return t, true
		}
	}
	for _, t := range extra {
		if strings.ToLower(t.Name) == name {
			return t, true
		}
	}
	return Tier{}, false
}

// SortTiers orders tiers by priority, breaking ties by name.
func SortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].Priority == tiers[j].Priority {
			return tiers[i].Name < tiers[j].Name
		}
		return tiers[i].Priority < tiers[j].Priority
	})
}

// Mountpoint is one physical directory usable as storage.
type Mountpoint struct {
	// Path is the storage directory, already namespaced for non-backing mounts.
	Path string `json:"path"`
	// Mount is the enclosing mount of Path as listed in the mount table.
	Mount  string `json:"mount"`
	FSType string `json:"fs_type"`
	Device string `json:"device,omitempty"`
	Tier   Tier   `json:"tier"`

	Backing bool `json:"backing"`
	// NoAtime is set when the mount does not maintain access times.
	NoAtime bool `json:"noatime"`
}

func (m *Mountpoint) String() string {
	if m.Backing && m.Tier == TierBacking {
		return fmt.Sprintf("%s (backing)", m.Path)
	}
	if m.Backing {
		return fmt.Sprintf("%s (%s, backing)", m.Path, m.Tier)
	}
	return fmt.Sprintf("%s (%s)", m.Path, m.Tier)
}

// Join returns the physical path of a namespace-relative path on this mountpoint.
func (m *Mountpoint) Join(rel string) string {
	return filepath.Join(m.Path, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

// SpaceInfo is a point-in-time capacity reading for a directory.
type SpaceInfo struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// FileRecord is one entry of the read-only file census used by the daemons.
type FileRecord struct {
	Mount *Mountpoint
	Rel   string
	Size  int64
	// Accessed is atime, or mtime on mounts without atime tracking.
	Accessed time.Time
	Mode     uint32
}

// Physical returns the record's path on its mountpoint.
func (r FileRecord) Physical() string {
	return r.Mount.Join(r.Rel)
}
