/*
Package fuse exposes the filesystem core to the kernel.

Two adapters are provided. The default is a go-fuse node tree
(FileSystem, DirectoryNode, FileNode, FileHandle) in which nodes hold no
state of their own: each callback resolves the node's current path from
the live inode tree and calls the core. The second, built with
-tags cgofuse, is a path-based adapter on cgofuse for macFUSE and WinFsp.

	core, _ := adapter.New(ctx, cfg, store, logger, collector)
	mount, err := fuse.CreatePlatformMountManager(cfg.FUSE.Adapter, core,
		fuse.MountConfigFrom(cfg.FUSE), logger, collector)
	if err != nil {
		return err
	}
	if err := mount.Mount(ctx); err != nil {
		return err
	}
	defer mount.Unmount()
	mount.Wait()

# Errors

Core errors are converted with the core's errno translator. go-fuse
callbacks return the positive syscall.Errno; cgofuse callbacks return its
negative.

# Files

Open downloads the object into the local cache and reads and writes go to
that copy. Flush uploads the copy when the handle modified it. Release
closes the copy and hands it to the evictor.

# Metrics

When the collector implements RecordOperation, every kernel-facing
operation is counted and timed.
*/
package fuse
