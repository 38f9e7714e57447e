package nbd

import (
	"bytes"
	"testing"
)

func TestMemDeviceRoundTrip(t *testing.T) {
	d := NewMemDevice(16)
	data := []byte("0123456789abcdef")
	if _, err := d.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := d.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadAt = %q, want %q", got, data)
	}
}

func TestMemDeviceBoundsStrict(t *testing.T) {
	d := NewMemDevice(16)

	// A write/read exactly reaching the end is in bounds.
	if _, err := d.WriteAt([]byte{1}, 15); err != nil {
		t.Errorf("write ending exactly at size: %v", err)
	}
	if _, err := d.ReadAt(make([]byte, 1), 15); err != nil {
		t.Errorf("read ending exactly at size: %v", err)
	}

	// A write/read extending one byte past the end is rejected.
	if _, err := d.WriteAt([]byte{1, 2}, 15); err == nil {
		t.Error("write past end of device succeeded, want error")
	}
	if _, err := d.ReadAt(make([]byte, 2), 15); err == nil {
		t.Error("read past end of device succeeded, want error")
	}
}

func TestMemDeviceSync(t *testing.T) {
	d := NewMemDevice(4)
	if err := d.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}
