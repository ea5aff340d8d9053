package cache

import (
	"golang.org/x/sys/unix"
)

// DiskProbe reports how full the filesystem holding the cache is.
type DiskProbe interface {
	UsedPercent() (float64, error)
}

// StatfsProbe measures usage of the filesystem containing Dir.
type StatfsProbe struct {
	Dir string
}

// UsedPercent returns (blocks - free) / blocks as a percentage.
func (p StatfsProbe) UsedPercent() (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(p.Dir, &st); err != nil {
		return 0, err
	}
	unit := fragmentSize(&st)
	total := float64(st.Blocks) * unit
	if total == 0 {
		return 0, nil
	}
	used := total - float64(st.Bfree)*unit
	return used / total * 100, nil
}

// ProbeFunc adapts a function to DiskProbe.
type ProbeFunc func() (float64, error)

func (f ProbeFunc) UsedPercent() (float64, error) { return f() }
