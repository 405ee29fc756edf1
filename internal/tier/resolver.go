package tier

import (
	"os"

	"github.com/seafs/seafs/pkg/types"
)

// Location is one physical copy of a namespace path.
type Location struct {
	Mount *types.Mountpoint
	Path  string
}

// Resolver maps namespace paths to physical paths by probing the hierarchy in
// order. Existence is checked on every call.
type Resolver struct {
	hierarchy *Hierarchy
	selector  *Selector
}

// NewResolver creates a resolver that falls back to selector for new entries.
func NewResolver(selector *Selector) *Resolver {
	return &Resolver{hierarchy: selector.Hierarchy(), selector: selector}
}

// Hierarchy returns the hierarchy being resolved against.
func (r *Resolver) Hierarchy() *Hierarchy {
	return r.hierarchy
}

// Selector returns the placement selector used for new entries.
func (r *Resolver) Selector() *Selector {
	return r.selector
}

// Lookup returns the first existing copy of rel.
func (r *Resolver) Lookup(rel string) (Location, bool) {
	for _, mp := range r.hierarchy.mounts {
		p := mp.Join(rel)
		if _, err := os.Lstat(p); err == nil {
			return Location{Mount: mp, Path: p}, true
		}
	}
	return Location{}, false
}

// Resolve returns the first existing copy of rel, or the placement for a new
// entry when rel exists nowhere.
func (r *Resolver) Resolve(rel string) (Location, error) {
	return r.ResolveFor(rel, 0)
}

// ResolveFor is Resolve with a size hint for the placement of a new entry.
func (r *Resolver) ResolveFor(rel string, minFree uint64) (Location, error) {
	if loc, ok := r.Lookup(rel); ok {
		return loc, nil
	}
	mp, err := r.selector.Select(minFree)
	if err != nil {
		return Location{}, err
	}
	return Location{Mount: mp, Path: mp.Join(rel)}, nil
}

// ResolveAll returns every existing copy of rel in hierarchy order.
func (r *Resolver) ResolveAll(rel string) []Location {
	var out []Location
	for _, mp := range r.hierarchy.mounts {
		p := mp.Join(rel)
		if _, err := os.Lstat(p); err == nil {
			out = append(out, Location{Mount: mp, Path: p})
		}
	}
	return out
}
