/*
Package cache manages the on-disk copy of remote objects.

Every path of the mounted tree maps to a file under <cache_dir>/root. Files
land there when opened and are queued for deletion when the kernel reports
their last close.

# Eviction

The Evictor drains that queue in FIFO order from a single background
goroutine. An entry is deleted once it has been closed for longer than the
TTL and its file has been neither modified nor had its status changed within
the TTL, or at any age while the disk is under pressure. A file still held
through an advisory lock is never deleted.

Disk pressure follows two watermarks:

	used >= high            pressure asserted
	low < used < high       unchanged
	used <= low             pressure cleared

Failures are logged and never returned; an entry that could not be deleted
is dropped from the queue.
*/
package cache
