package topology

import (
	"fmt"

	"github.com/seafs/seafs/pkg/types"
)

var memoryFSTypes = map[string]bool{
	"tmpfs": true,
	"ramfs": true,
}

var sharedFSTypes = map[string]bool{
	"lustre":          true,
	"nfs":             true,
	"nfs4":            true,
	"gpfs":            true,
	"beegfs":          true,
	"cifs":            true,
	"smb3":            true,
	"ceph":            true,
	"glusterfs":       true,
	"fuse.glusterfs":  true,
	"panfs":           true,
	"wekafs":          true,
	"fuse.ceph-fuse":  true,
	"fuse.lustre-ost": true,
}

// pseudo filesystems never hold user data
var pseudoFSTypes = map[string]bool{
	"proc":        true,
	"sysfs":       true,
	"devtmpfs":    true,
	"devpts":      true,
	"cgroup":      true,
	"cgroup2":     true,
	"mqueue":      true,
	"debugfs":     true,
	"tracefs":     true,
	"securityfs":  true,
	"pstore":      true,
	"bpf":         true,
	"autofs":      true,
	"configfs":    true,
	"fusectl":     true,
	"hugetlbfs":   true,
	"binfmt_misc": true,
	"nsfs":        true,
	"efivarfs":    true,
	"rpc_pipefs":  true,
}

// deviceClassifier walks the device graph for one discovery pass.
type deviceClassifier struct {
	graph DeviceGraph
	memo  map[string][]string
}

func newDeviceClassifier(graph DeviceGraph) *deviceClassifier {
	return &deviceClassifier{graph: graph, memo: make(map[string][]string)}
}

// leaves returns the physical devices underneath dev. Cycles are cut at the
// first revisited node.
func (c *deviceClassifier) leaves(dev string, visiting map[string]bool) ([]string, error) {
	if l, ok := c.memo[dev]; ok {
		return l, nil
	}
	if visiting[dev] {
		return nil, nil
	}
	visiting[dev] = true
	defer delete(visiting, dev)

	parents, err := c.graph.Parents(dev)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		c.memo[dev] = []string{dev}
		return c.memo[dev], nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range parents {
		l, err := c.leaves(p, visiting)
		if err != nil {
			return nil, err
		}
		for _, leaf := range l {
			if !seen[leaf] {
				seen[leaf] = true
				out = append(out, leaf)
			}
		}
	}
	// a node whose every parent closes a cycle is treated as a leaf
	if len(out) == 0 {
		out = []string{dev}
	}
	c.memo[dev] = out
	return out, nil
}

// classify maps a block device to the ssd or hdd tier.
func (c *deviceClassifier) classify(dev string) (types.Tier, error) {
	leaves, err := c.leaves(dev, make(map[string]bool))
	if err != nil {
		return types.Tier{}, err
	}

	var (
		checked int
		lastErr error
	)
	for _, leaf := range leaves {
		rot, err := c.graph.Rotational(leaf)
		if err != nil {
			lastErr = err
			continue
		}
		checked++
		if !rot {
			return types.TierSSD, nil
		}
	}
	if checked == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no leaf devices")
		}
		return types.Tier{}, fmt.Errorf("classify %s: %w", dev, lastErr)
	}
	return types.TierHDD, nil
}
