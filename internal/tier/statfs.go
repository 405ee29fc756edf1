package tier

import (
	"golang.org/x/sys/unix"

	"github.com/seafs/seafs/pkg/errors"
	"github.com/seafs/seafs/pkg/types"
)

// StatfsProber reads free space with statfs(2). Free is the space available to
// unprivileged users.
type StatfsProber struct{}

// Space implements types.SpaceProber.
func (StatfsProber) Space(path string) (types.SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return types.SpaceInfo{}, errors.WrapIO("statfs", path, err)
	}
	bsize := uint64(st.Bsize)
	return types.SpaceInfo{
		Total: st.Blocks * bsize,
		Free:  st.Bavail * bsize,
	}, nil
}
