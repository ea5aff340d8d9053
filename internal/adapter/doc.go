/*
Package adapter is the filesystem core that the kernel adapters call into.

An Adapter owns one instance of every stateful component: the path lock
registry, the errno translator, the local cache layout and its evictor, the
namespace resolver and the relocation engine. Operations take clean absolute
paths ("/docs/a.txt") and return errors that Errno converts to the POSIX
numbers the kernel expects.

# File data

Files are served from the local cache. Open downloads the object into
<cache_dir>/root/<path> unless a copy is already present, then opens the
copy and takes a shared flock on it. Writes mark the handle dirty; Flush
uploads the copy; Release flushes, closes and queues the path for eviction.
The evictor only removes a copy once it can take an exclusive flock, so an
open handle keeps its file.

# Directories

Mkdir writes a zero-size object flagged hdi_isfolder=true. Rmdir refuses
with ENOTEMPTY while the remote listing or the local cache directory has a
child, and otherwise deletes every marker form.

# Health

Every remote call made by the core is recorded against the "store"
component of a health tracker, and Start runs periodic probes of the store
and the cache disk. Not-found results count as successes.

# Unsupported operations

Access, Chmod, Chown, Utimens and Fsync succeed without effect. Readlink
fails with EINVAL and the extended attribute calls fail with ENOSYS.
*/
package adapter
