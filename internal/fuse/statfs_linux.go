package fuse

import "golang.org/x/sys/unix"

func statfsInfoOf(st *unix.Statfs_t) statfsInfo {
	return statfsInfo{
		Bsize:   safeInt64ToUint64(st.Bsize),
		Frsize:  safeInt64ToUint64(st.Frsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		NameLen: safeInt64ToUint64(st.Namelen),
	}
}
