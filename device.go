package nbd

import (
	"io"
	"os"
	"sync"
)

// MemDevice is a Device backed entirely by memory. It is mainly useful for
// tests and for exports that don't need to survive a restart.
type MemDevice struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemDevice returns a MemDevice of the given size, initialized to zero.
func NewMemDevice(size uint64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt. A read extending past the end of the device
// is rejected with EINVAL rather than silently truncated, matching the bounds
// check WriteAt performs.
func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(d.data)) {
		return 0, Errorf(EINVAL, "read out of bounds")
	}
	return copy(p, d.data[off:]), nil
}

// WriteAt implements io.WriterAt. A write extending past the end of the
// device is rejected with EINVAL: the device does not grow to fit it.
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(d.data)) {
		return 0, Errorf(EINVAL, "write out of bounds")
	}
	return copy(d.data[off:], p), nil
}

// Sync is a no-op: there is nothing to persist.
func (d *MemDevice) Sync() error { return nil }

// Size returns the device's capacity in bytes.
func (d *MemDevice) Size() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint64(len(d.data))
}

// FileDevice exposes a regular file as a fixed-size Device. Unlike a raw
// *os.File (which also satisfies Device directly, since ReadAt/WriteAt/Sync
// all exist on it already), FileDevice enforces the export's declared size
// and translates OS errors through mapErrno before they reach the wire.
type FileDevice struct {
	f    *os.File
	size uint64
}

// NewFileDevice wraps f, an already-open file, as a Device of the given
// size. The caller remains responsible for closing f.
func NewFileDevice(f *os.File, size uint64) *FileDevice {
	return &FileDevice{f: f, size: size}
}

// OpenFileDevice opens path read-write and sizes the device to the file's
// current length.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, size: uint64(fi.Size())}, nil
}

// Size returns the device's capacity in bytes.
func (d *FileDevice) Size() uint64 { return d.size }

// Close closes the underlying file.
func (d *FileDevice) Close() error { return d.f.Close() }

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, Errorf(EINVAL, "read out of bounds")
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, Errorf(mapErrno(err), "%v", err)
	}
	// A short read here means the file is smaller than the size it was
	// declared at: the caller would otherwise ship stale bytes from the
	// remainder of its buffer.
	if n < len(p) {
		return n, Errorf(EIO, "short read: got %d of %d bytes", n, len(p))
	}
	return n, nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, Errorf(EINVAL, "write out of bounds")
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, Errorf(mapErrno(err), "%v", err)
	}
	return n, nil
}

func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return Errorf(mapErrno(err), "%v", err)
	}
	return nil
}

// BlockDevice wraps a whole block device node (e.g. /dev/sdb), sizing itself
// by seeking to the end rather than trusting Stat, which reports 0 for block
// special files on Linux.
type BlockDevice struct {
	f    *os.File
	size uint64
}

// OpenBlockDevice opens the block device node at path read-write.
func OpenBlockDevice(path string) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &BlockDevice{f: f, size: uint64(size)}, nil
}

// Size returns the device's capacity in bytes.
func (d *BlockDevice) Size() uint64 { return d.size }

// Close closes the underlying file descriptor.
func (d *BlockDevice) Close() error { return d.f.Close() }

func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, Errorf(EINVAL, "read out of bounds")
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, Errorf(mapErrno(err), "%v", err)
	}
	// A short read here means the device is smaller than the size it was
	// sized at: the caller would otherwise ship stale bytes from the
	// remainder of its buffer.
	if n < len(p) {
		return n, Errorf(EIO, "short read: got %d of %d bytes", n, len(p))
	}
	return n, nil
}

func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, Errorf(EINVAL, "write out of bounds")
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, Errorf(mapErrno(err), "%v", err)
	}
	return n, nil
}

func (d *BlockDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return Errorf(mapErrno(err), "%v", err)
	}
	return nil
}
