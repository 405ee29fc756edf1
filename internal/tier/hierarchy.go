// Package tier holds the session's storage hierarchy and the policies that act
// on it: path resolution across tiers and capacity-aware placement.
package tier

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

// Hierarchy is the priority-ordered list of mountpoints for one session. The
// backing root is always last. It is never modified after construction.
type Hierarchy struct {
	mounts  []*types.Mountpoint
	backing *types.Mountpoint
}

// NewHierarchy appends the backing root to the discovered mountpoints. The
// discovered list must already be in priority order. backingTier labels the
// root; a zero tier selects types.TierBacking.
func NewHierarchy(discovered []*types.Mountpoint, backingRoot string, backingTier types.Tier) (*Hierarchy, error) {
	if !filepath.IsAbs(backingRoot) {
		return nil, errors.NewError(errors.ErrCodePathInvalid,
			fmt.Sprintf("backing root must be absolute: %s", backingRoot)).WithComponent("tier")
	}
	info, err := os.Stat(backingRoot)
	if err != nil {
		return nil, errors.WrapIO("stat", backingRoot, err)
	}
	if !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodePathInvalid,
			fmt.Sprintf("backing root is not a directory: %s", backingRoot)).WithComponent("tier")
	}
	if backingTier.Name == "" {
		backingTier = types.TierBacking
	}

	backing := &types.Mountpoint{
		Path:    filepath.Clean(backingRoot),
		Tier:    backingTier,
		Backing: true,
	}

	mounts := make([]*types.Mountpoint, 0, len(discovered)+1)
	for _, mp := range discovered {
		if utils.IsWithin(backing.Path, mp.Path) || utils.IsWithin(mp.Path, backing.Path) {
			return nil, errors.NewError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("mountpoint %s overlaps the backing root %s", mp.Path, backing.Path)).
				WithComponent("tier")
		}
		cp := *mp
		cp.Backing = false
		mounts = append(mounts, &cp)
	}
	mounts = append(mounts, backing)

	return &Hierarchy{mounts: mounts, backing: backing}, nil
}

// Mountpoints returns every mountpoint in priority order, backing root last.
func (h *Hierarchy) Mountpoints() []*types.Mountpoint {
	out := make([]*types.Mountpoint, len(h.mounts))
	copy(out, h.mounts)
	return out
}

// Fast returns the mountpoints other than the backing root.
func (h *Hierarchy) Fast() []*types.Mountpoint {
	return h.Mountpoints()[:len(h.mounts)-1]
}

// Backing returns the backing root.
func (h *Hierarchy) Backing() *types.Mountpoint {
	return h.backing
}

// Len is the number of mountpoints including the backing root.
func (h *Hierarchy) Len() int {
	return len(h.mounts)
}

// Owner returns the mountpoint holding the physical path and the namespace path
// it corresponds to.
func (h *Hierarchy) Owner(physical string) (*types.Mountpoint, string, bool) {
	var best *types.Mountpoint
	for _, mp := range h.mounts {
		if utils.IsWithin(mp.Path, physical) && (best == nil || len(mp.Path) > len(best.Path)) {
			best = mp
		}
	}
	if best == nil {
		return nil, "", false
	}
	rel, err := utils.RelTo(best.Path, physical)
	if err != nil {
		return nil, "", false
	}
	return best, rel, true
}

func (h *Hierarchy) String() string {
	s := ""
	for i, mp := range h.mounts {
		if i > 0 {
			s += ", "
		}
		s += mp.String()
	}
	return "[" + s + "]"
}
