package fuse

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// statfsInfo is the platform-neutral subset of statfs reported to the
// kernel.
type statfsInfo struct {
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint64
}

func fillStatfs(st *unix.Statfs_t, out *fuse.StatfsOut) {
	info := statfsInfoOf(st)
	out.Bsize = uint32(info.Bsize)
	out.Frsize = uint32(info.Frsize)
	out.Blocks = info.Blocks
	out.Bfree = info.Bfree
	out.Bavail = info.Bavail
	out.Files = info.Files
	out.Ffree = info.Ffree
	out.NameLen = uint32(info.NameLen)
}
