package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupTier(t *testing.T) {
	extra := []Tier{{Name: "nvram", Priority: 5}}

	tests := []struct {
		name  string
		want  Tier
		found bool
	}{
		{"memory", TierMemory, true},
		{"tmpfs", TierMemory, true},
		{"SSD", TierSSD, true},
		{"hdd", TierHDD, true},
		{"lustre", TierShared, true},
		{"nvram", Tier{Name: "nvram", Priority: 5}, true},
		{"tape", Tier{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LookupTier(tt.name, extra)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSortTiers(t *testing.T) {
	tiers := []Tier{TierShared, TierHDD, {Name: "nvram", Priority: 5}, TierMemory, TierSSD}
	SortTiers(tiers)

	names := make([]string, len(tiers))
	for i, tier := range tiers {
		names[i] = tier.Name
	}
	assert.Equal(t, []string{"nvram", "memory", "ssd", "hdd", "shared"}, names)
}

func TestMountpointJoin(t *testing.T) {
	m := &Mountpoint{Path: "/dev/shm/node1-alice", Tier: TierMemory}

	assert.Equal(t, "/dev/shm/node1-alice/a/b.txt", m.Join("/a/b.txt"))
	assert.Equal(t, "/dev/shm/node1-alice/a/b.txt", m.Join("a/b.txt"))
	assert.Equal(t, "/dev/shm/node1-alice", m.Join("/"))
	assert.Equal(t, "/dev/shm/node1-alice", m.Join(""))
	assert.Equal(t, "/dev/shm/node1-alice (memory)", m.String())

	root := &Mountpoint{Path: "/scratch/run", Tier: TierShared, Backing: true}
	assert.Equal(t, "/scratch/run (shared, backing)", root.String())

	unclassified := &Mountpoint{Path: "/scratch/run", Tier: TierBacking, Backing: true}
	assert.Equal(t, "/scratch/run (backing)", unclassified.String())
}

func TestNopMetricsImplementsCollector(t *testing.T) {
	var _ MetricsCollector = NopMetrics{}
}
