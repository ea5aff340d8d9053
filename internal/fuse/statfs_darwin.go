package fuse

import "golang.org/x/sys/unix"

func statfsInfoOf(st *unix.Statfs_t) statfsInfo {
	return statfsInfo{
		Bsize:   uint64(st.Bsize),
		Frsize:  uint64(st.Bsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		NameLen: 255,
	}
}
