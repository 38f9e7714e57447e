//go:build linux

package nbd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// NBD ioctl numbers, from <linux/nbd.h>. NBD_SET_FLAGS and NBD_SET_TIMEOUT
// collide at 43785 in some header revisions; this package only ever issues
// NBD_SET_FLAGS, so the collision is harmless here.
const (
	nbdSetSock       = 0xab00
	nbdSetBlkSize    = 0xab01
	nbdSetSize       = 0xab02
	nbdDoIt          = 0xab03
	nbdClearSock     = 0xab04
	nbdClearQue      = 0xab05
	nbdSetSizeBlocks = 0xab07
	nbdDisconnect    = 0xab08
	nbdSetTimeout    = 0xab09
	nbdSetFlags      = 0xab0a
)

func ioctl(fd, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// configureSizeFlags issues the NBD_SET_BLKSIZE / NBD_SET_SIZE_BLOCKS /
// NBD_SET_FLAGS ioctls shared by both AttachIoctl and ConfigureIoctl.
func configureSizeFlags(fd uintptr, size uint64, blockSize uint32, flags uint16) error {
	if blockSize == 0 {
		blockSize = blockSizePreferred
	}
	if err := ioctl(fd, nbdSetBlkSize, uintptr(blockSize)); err != nil {
		return fmt.Errorf("NBD_SET_BLKSIZE: %w", err)
	}
	if err := ioctl(fd, nbdSetSizeBlocks, uintptr(size/uint64(blockSize))); err != nil {
		return fmt.Errorf("NBD_SET_SIZE_BLOCKS: %w", err)
	}
	if err := ioctl(fd, nbdSetFlags, uintptr(flags)); err != nil {
		return fmt.Errorf("NBD_SET_FLAGS: %w", err)
	}
	return nil
}

// AttachIoctl hooks up d as the backing store for the NBD device node at
// devPath (e.g. "/dev/nbd0"), using the legacy ioctl interface rather than
// the netlink one Configure and Loopback use. Like Loopback, it runs its own
// transmission-phase server over a local socket pair; it blocks until ctx is
// cancelled or the kernel reports the device disconnected, at which point it
// tears the association down and returns.
//
// Unlike the netlink path, ioctl attachment only ever supports a single
// connection per device and does not support discovering already-attached
// devices (see DisconnectIoctl for that half of the interface).
func AttachIoctl(ctx context.Context, devPath string, d Device, size uint64, blockSize uint32) error {
	nbdF, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", devPath, err)
	}
	defer nbdF.Close()

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("creating socket pair: %w", err)
	}
	kernelSide := os.NewFile(uintptr(sp[0]), filepath.Base(devPath)+"-kernel")
	userSide := os.NewFile(uintptr(sp[1]), filepath.Base(devPath)+"-user")
	userConn, err := net.FileConn(userSide)
	userSide.Close()
	if err != nil {
		kernelSide.Close()
		return fmt.Errorf("wrapping user side of socket pair: %w", err)
	}

	fd := nbdF.Fd()
	if err := configureSizeFlags(fd, size, blockSize, transmitFlagsDefault); err != nil {
		kernelSide.Close()
		userConn.Close()
		return err
	}
	if err := ioctl(fd, nbdSetSock, kernelSide.Fd()); err != nil {
		kernelSide.Close()
		userConn.Close()
		return fmt.Errorf("NBD_SET_SOCK: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- serve(ctx, userConn, connParameters{
			Export: Export{Size: size, Device: d},
		})
	}()

	doItErr := make(chan error, 1)
	go func() {
		// NBD_DO_IT blocks until the device is disconnected (either by us,
		// via DisconnectIoctl, or by the peer closing kernelSide).
		doItErr <- ioctl(fd, nbdDoIt, 0)
	}()

	select {
	case <-ctx.Done():
		ioctl(fd, nbdDisconnect, 0)
		<-doItErr
	case <-doItErr:
	}
	ioctl(fd, nbdClearSock, 0)
	kernelSide.Close()
	userConn.Close()
	<-serveErr
	return nil
}

// ConfigureIoctl hands sock, which must already be in transmission phase
// with a remote NBD server, directly to the kernel as the backing socket for
// devPath. Unlike AttachIoctl, no local serve loop runs: the kernel talks to
// the remote server over sock directly. It returns a wait function that
// blocks until the device disconnects (via DisconnectIoctl, the peer closing
// the connection, or ctx being cancelled).
func ConfigureIoctl(ctx context.Context, devPath string, sock *os.File, size uint64, blockSize uint32) (wait func() error, err error) {
	nbdF, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devPath, err)
	}

	fd := nbdF.Fd()
	if err := configureSizeFlags(fd, size, blockSize, transmitFlagsDefault); err != nil {
		nbdF.Close()
		return nil, err
	}
	if err := ioctl(fd, nbdSetSock, sock.Fd()); err != nil {
		nbdF.Close()
		return nil, fmt.Errorf("NBD_SET_SOCK: %w", err)
	}

	doItErr := make(chan error, 1)
	go func() {
		doItErr <- ioctl(fd, nbdDoIt, 0)
	}()

	wait = func() error {
		var err error
		select {
		case <-ctx.Done():
			ioctl(fd, nbdDisconnect, 0)
			err = <-doItErr
		case err = <-doItErr:
		}
		ioctl(fd, nbdClearSock, 0)
		nbdF.Close()
		return err
	}
	return wait, nil
}

// DisconnectIoctl disconnects the NBD device at devPath that was attached via
// AttachIoctl or ConfigureIoctl, causing its NBD_DO_IT ioctl to return.
func DisconnectIoctl(devPath string) error {
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return ioctl(f.Fd(), nbdDisconnect, 0)
}
