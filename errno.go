package nbd

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// mapErrno translates an OS-level I/O error into the wire error code a
// SimpleReply should carry. Errors that already implement Error (returned by
// a Device implementation that knows its own NBD error code) are passed
// through unchanged; everything else is classified by the same rough
// categories the protocol itself uses: permission problems become EPERM,
// missing files or bad arguments become EINVAL, exhausted storage becomes
// ENOSPC, and anything unrecognized becomes EIO.
func mapErrno(err error) Errno {
	if err == nil {
		return 0
	}
	var e Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return mapErrno(pe.Err)
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.EPERM, syscall.EACCES:
			return EPERM
		case syscall.ENOSPC:
			return ENOSPC
		case syscall.EINVAL, syscall.ENOENT:
			return EINVAL
		case syscall.ENOTSUP:
			return ENOTSUP
		default:
			return EIO
		}
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		return EPERM
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrInvalid):
		return EINVAL
	default:
		return EIO
	}
}
