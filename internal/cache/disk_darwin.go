package cache

import (
	"time"

	"golang.org/x/sys/unix"
)

func fragmentSize(st *unix.Statfs_t) float64 {
	return float64(st.Bsize)
}

// StatTimes extracts the modification and status change times of a stat result.
func StatTimes(st *unix.Stat_t) (mtime, ctime time.Time) {
	return time.Unix(st.Mtimespec.Unix()), time.Unix(st.Ctimespec.Unix())
}
