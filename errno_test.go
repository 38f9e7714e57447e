package nbd

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

func TestMapErrno(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, 0},
		{"wrapped Error", Errorf(ENOSPC, "disk full"), ENOSPC},
		{"path error wraps syscall", &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, ENOSPC},
		{"permission syscall", syscall.EACCES, EPERM},
		{"invalid argument syscall", syscall.EINVAL, EINVAL},
		{"not exist syscall", syscall.ENOENT, EINVAL},
		{"unsupported syscall", syscall.ENOTSUP, ENOTSUP},
		{"generic syscall", syscall.EBUSY, EIO},
		{"os permission sentinel", os.ErrPermission, EPERM},
		{"os not-exist sentinel", os.ErrNotExist, EINVAL},
		{"unrecognized error", errors.New("boom"), EIO},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := mapErrno(c.err); got != c.want {
				t.Errorf("mapErrno(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}
