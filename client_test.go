package nbd

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestClientTrim(t *testing.T) {
	dev := NewMemDevice(4096)
	exp := Export{Name: "default", Size: dev.Size(), BlockSizes: &defaultBlockSizes, Device: dev}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- Serve(ctx, serverConn, exp) }()

	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if _, err := cl.Go(""); err != nil {
		t.Fatalf("Go: %v", err)
	}

	// Trim is purely advisory; the server always acknowledges it and the
	// backing data is untouched.
	if err := cl.Trim(0, 512); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	cl.Disconnect()
	clientConn.Close()
	<-serveDone
}

func TestClientReplyHandleMismatch(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A server stand-in that always replies to the wrong handle.
	go func() {
		rw := wrapConn(ctx, serverConn)
		defer rw.Close()
		do(rw, func(e *encoder) {
			var req request
			if e.uint32() != reqMagic {
				return
			}
			req.decodeBody(e, make([]byte, scratchSize))
			(&simpleReply{0, req.handle + 1, nil, 0}).encode(e)
		})
	}()

	cl := &Client{rw: wrapConn(ctx, clientConn)}
	err := cl.Flush()
	if err == nil {
		t.Fatal("Flush with mismatched reply handle succeeded, want error")
	}
}

func TestServerRejectsOversizedRead(t *testing.T) {
	size := uint64(scratchSize) + 4096
	dev := NewMemDevice(size)
	exp := Export{Name: "default", Size: size, BlockSizes: &defaultBlockSizes, Device: dev}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- Serve(ctx, serverConn, exp) }()

	cl, err := ClientHandshake(ctx, clientConn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if _, err := cl.Go(""); err != nil {
		t.Fatalf("Go: %v", err)
	}

	// A request for more than the scratch buffer holds must be rejected
	// with EOVERFLOW rather than slicing past it, which would panic the
	// connection goroutine outside do()'s recover.
	readDone := make(chan error, 1)
	go func() {
		readDone <- cl.Read(0, make([]byte, scratchSize+4096))
	}()
	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("oversized Read succeeded, want error")
		}
		nerr, ok := err.(Error)
		if !ok {
			t.Fatalf("error %v does not implement Error", err)
		}
		if nerr.Errno() != EOVERFLOW {
			t.Errorf("errno = %v, want EOVERFLOW", nerr.Errno())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oversized Read did not return")
	}

	cl.Disconnect()
	clientConn.Close()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Serve did not return")
	}
}

func TestCmdName(t *testing.T) {
	cases := map[uint16]string{
		cmdRead:  "read",
		cmdWrite: "write",
		cmdDisc:  "disconnect",
		cmdFlush: "flush",
		cmdTrim:  "trim",
		9999:     "cmd(9999)",
	}
	for typ, want := range cases {
		if got := cmdName(typ); got != want {
			t.Errorf("cmdName(%d) = %q, want %q", typ, got, want)
		}
	}
}
