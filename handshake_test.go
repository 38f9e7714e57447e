package nbd

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestClientServerRoundTrip(t *testing.T) {
	dev := NewMemDevice(10 << 20) // 10 MiB, matching the reference scenario size
	exp := Export{
		Name:       "default",
		Size:       dev.Size(),
		BlockSizes: &defaultBlockSizes,
		Device:     dev,
	}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- Serve(ctx, serverConn, exp)
	}()

	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	gotExp, err := cl.Go("")
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if gotExp.Size != exp.Size {
		t.Fatalf("Go returned size %d, want %d", gotExp.Size, exp.Size)
	}

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	if err := cl.Write(0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cl.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(data))
	if err := cl.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}

	if err := cl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	clientConn.Close()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Serve did not return after client disconnect")
	}
}

func TestClientReadWriteBoundsOverflow(t *testing.T) {
	dev := NewMemDevice(1024)
	exp := Export{Name: "default", Size: dev.Size(), BlockSizes: &defaultBlockSizes, Device: dev}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- Serve(ctx, serverConn, exp)
	}()

	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if _, err := cl.Go(""); err != nil {
		t.Fatalf("Go: %v", err)
	}

	// Writing past the end of the export must fail with EINVAL, mapped from
	// MemDevice's bounds check.
	err = cl.Write(1020, []byte("01234567"))
	if err == nil {
		t.Fatal("Write past end of export succeeded, want error")
	}
	var nerr Error
	if e, ok := err.(Error); ok {
		nerr = e
	} else {
		t.Fatalf("error %v does not implement Error", err)
	}
	if nerr.Errno() != EINVAL {
		t.Errorf("errno = %v, want EINVAL", nerr.Errno())
	}

	// Reading past the end of the export must also fail with EINVAL rather
	// than hanging: the server's error reply carries no payload, so the
	// client must not block trying to read one.
	readDone := make(chan error, 1)
	go func() {
		readDone <- cl.Read(1020, make([]byte, 8))
	}()
	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("Read past end of export succeeded, want error")
		}
		nerr, ok := err.(Error)
		if !ok {
			t.Fatalf("error %v does not implement Error", err)
		}
		if nerr.Errno() != EINVAL {
			t.Errorf("errno = %v, want EINVAL", nerr.Errno())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read past end of export did not return, client is stuck waiting for a payload that was never sent")
	}

	// The connection must still be usable afterwards: a well-formed request
	// following an error reply should succeed normally.
	if err := cl.Read(0, make([]byte, 8)); err != nil {
		t.Errorf("Read after error reply: %v", err)
	}

	cl.Disconnect()
	clientConn.Close()
	<-serveDone
}

func TestServerHandshakeUnknownExport(t *testing.T) {
	exp := Export{Name: "known", Size: 1024, Device: NewMemDevice(1024)}

	serverConn, clientConn := net.Pipe()
	handshakeDone := make(chan error, 1)
	go func() {
		_, err := serverHandshake(serverConn, []Export{exp})
		handshakeDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if _, err := cl.Go("does-not-exist"); err == nil {
		t.Fatal("Go with unknown export succeeded, want error")
	}
	// The server answers an unknown export with NBD_REP_ERR_UNKNOWN and keeps
	// negotiating; once the client hangs up, the handshake must end with an
	// error rather than a session.
	clientConn.Close()

	select {
	case err := <-handshakeDone:
		if err == nil {
			t.Error("serverHandshake returned nil error for unknown export")
		}
	case <-time.After(2 * time.Second):
		t.Error("serverHandshake did not return")
	}
}

func TestServerHandshakeAbort(t *testing.T) {
	exp := Export{Name: "known", Size: 1024, Device: NewMemDevice(1024)}

	serverConn, clientConn := net.Pipe()
	handshakeDone := make(chan error, 1)
	go func() {
		_, err := serverHandshake(serverConn, []Export{exp})
		handshakeDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if err := cl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	select {
	case err := <-handshakeDone:
		if err != nil {
			t.Errorf("serverHandshake returned error after abort: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("serverHandshake did not return after abort")
	}
}
