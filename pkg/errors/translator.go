package errors

import (
	"context"
	stderr "errors"
	"io/fs"
	"syscall"

	"go.uber.org/zap"
)

// DefaultStatusTable maps remote store status codes to POSIX error numbers.
var DefaultStatusTable = map[int]syscall.Errno{
	400: syscall.EINVAL,
	401: syscall.EACCES,
	403: syscall.EACCES,
	404: syscall.ENOENT,
	409: syscall.EEXIST,
	412: syscall.EAGAIN,
	416: syscall.EINVAL,
	429: syscall.EAGAIN,
	500: syscall.EIO,
	503: syscall.EAGAIN,
	507: syscall.ENOSPC,
}

// Translator turns backend failures into the errno vocabulary of the kernel
// interface. The table is fixed at construction time.
type Translator struct {
	table    map[int]syscall.Errno
	logger   *zap.Logger
	unmapped func(status int)
}

// NewTranslator creates a translator over the default table.
func NewTranslator(logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[int]syscall.Errno, len(DefaultStatusTable))
	for k, v := range DefaultStatusTable {
		table[k] = v
	}
	return &Translator{table: table, logger: logger}
}

// OnUnmapped registers a callback invoked for every unmapped status code.
func (t *Translator) OnUnmapped(fn func(status int)) {
	t.unmapped = fn
}

// Map returns the errno for a backend status code. Unmapped codes fall back
// to EIO and are logged every time they are seen.
func (t *Translator) Map(status int) syscall.Errno {
	if errno, ok := t.table[status]; ok {
		return errno
	}
	t.logger.Warn("failed to map storage status code, returning EIO",
		zap.Int("status", status))
	if t.unmapped != nil {
		t.unmapped(status)
	}
	return syscall.EIO
}

// Errno resolves any error returned by the core into a positive errno.
func (t *Translator) Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	// The outermost FSError with an errno or status wins; wrappers such as
	// RETRY_EXHAUSTED defer to the remote failure they carry.
	for cur := err; cur != nil; cur = stderr.Unwrap(cur) {
		fe, ok := cur.(*FSError)
		if !ok {
			continue
		}
		if fe.Errno != 0 {
			return fe.Errno
		}
		if fe.Status != 0 {
			return t.Map(fe.Status)
		}
	}

	var fe *FSError
	if stderr.As(err, &fe) {
		switch fe.Code {
		case ErrCodeObjectNotFound, ErrCodeFileNotFound, ErrCodeBucketNotFound:
			return syscall.ENOENT
		case ErrCodeAccessDenied:
			return syscall.EACCES
		case ErrCodeNotEmpty:
			return syscall.ENOTEMPTY
		case ErrCodePathInvalid:
			return syscall.EINVAL
		case ErrCodeNotSupported:
			return syscall.ENOSYS
		case ErrCodeOperationCanceled:
			return syscall.EINTR
		}
	}

	var errno syscall.Errno
	if stderr.As(err, &errno) {
		return errno
	}
	if stderr.Is(err, fs.ErrNotExist) {
		return syscall.ENOENT
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	return syscall.EIO
}

// Negative returns the negative integer form used by kernel callbacks.
func Negative(errno syscall.Errno) int {
	return -int(errno)
}
