// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Error combines the normal error interface with an Errno method, that returns
// an NBD error number. All of Device's methods should return an Error -
// otherwise, the error number is derived by mapErrno, which falls back to EIO
// for errors it does not recognize.
type Error interface {
	Error() string
	Errno() Errno
}

// Device is the interface that should be implemented to expose an NBD device
// to the network or the kernel. Errors returned should implement Error -
// otherwise, the error number is derived by mapErrno (EIO if unrecognized).
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync should block until all previous writes where written to persistent
	// storage and return any errors that occured.
	Sync() error
}

// ListenAndServe starts listening on the given network/address and serves the
// given exports, the first of which will serve as the default. It starts a new
// goroutine for each connection. ListenAndServe only returns when ctx is
// cancelled or an unrecoverable error occurs. Either way, it will wait for all
// connections to terminate first.
func ListenAndServe(ctx context.Context, network, addr string, exp ...Export) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			logger.Printf("nbd: client connected from %s", c.RemoteAddr())
			metricsConnections.Add(1)
			if err := Serve(ctx, c, exp...); err != nil && ctx.Err() == nil {
				logger.Printf("nbd: error handling client %s: %v", c.RemoteAddr(), err)
				return
			}
			logger.Printf("nbd: client %s disconnected", c.RemoteAddr())
		}()
	}
}

// Serve serves the given exports on c. The first export is used as a default.
// Serve returns after ctx is cancelled, the client disconnects cleanly, or an
// error occurs.
func Serve(ctx context.Context, c net.Conn, exp ...Export) error {
	parms, err := serverHandshake(c, exp)
	if err != nil {
		return err
	}
	return serve(ctx, c, parms)
}

// serve runs the transmission-phase loop for a connection that has completed
// the handshake, dispatching requests against p.Export.Device until the
// client disconnects, sends NBD_CMD_DISC, or ctx is cancelled.
func serve(ctx context.Context, c net.Conn, p connParameters) error {
	rw := wrapConn(ctx, c)
	defer rw.Close()
	scratch := make([]byte, scratchSize)
	return do(rw, func(e *encoder) {
		for {
			magic, ok := e.tryUint32()
			if !ok {
				// Clean EOF before a new request: the client closed its
				// end of the connection without sending NBD_CMD_DISC.
				return
			}
			if magic != reqMagic {
				e.check(errors.New("invalid magic for request"))
			}
			var req request
			if derr := req.decodeBody(e, scratch); derr != nil {
				respondErr(e, req.handle, derr)
				continue
			}
			logger.Debugf("nbd: %s", req.describe())
			switch req.typ {
			case cmdRead:
				if req.length > uint32(len(scratch)) {
					respondErr(e, req.handle, EOVERFLOW)
					continue
				}
				buf := scratch[:req.length]
				_, err := p.Export.Device.ReadAt(buf, int64(req.offset))
				if err != nil {
					logger.Errorf("nbd: read error: %v", err)
					respondErr(e, req.handle, err)
					continue
				}
				metricsRequests.WithCmd("read").Add(1)
				(&simpleReply{0, req.handle, buf, 0}).encode(e)
			case cmdWrite:
				_, err := p.Export.Device.WriteAt(req.data, int64(req.offset))
				if err != nil {
					logger.Errorf("nbd: write error: %v", err)
					respondErr(e, req.handle, err)
					continue
				}
				metricsRequests.WithCmd("write").Add(1)
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			case cmdDisc:
				// No reply is sent: the NBD protocol allows an ACK here but
				// Linux's kernel client closes the connection immediately
				// regardless, so a reply would just race the close.
				return
			case cmdFlush:
				if err := p.Export.Device.Sync(); err != nil {
					// A failed flush violates the client's durability
					// assumption about already-acknowledged writes: the
					// whole session is no longer trustworthy.
					e.check(err)
				}
				metricsRequests.WithCmd("flush").Add(1)
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			case cmdTrim:
				metricsRequests.WithCmd("trim").Add(1)
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			default:
				logger.Errorf("nbd: unsupported command %d, closing connection", req.typ)
				(&simpleReply{uint32(ENOTSUP), req.handle, nil, 0}).encode(e)
				return
			}
		}
	})
}

// describe renders a request for logging without allocating a full
// fmt.Stringer implementation that would also be used on the wire.
func (r *request) describe() string {
	names := map[uint16]string{
		cmdRead: "READ", cmdWrite: "WRITE", cmdDisc: "DISCONNECT",
		cmdFlush: "FLUSH", cmdTrim: "TRIM",
	}
	name, ok := names[r.typ]
	if !ok {
		name = "UNKNOWN"
	}
	return name + " handle=" + itoa(r.handle) + " offset=" + itoa(r.offset) + " len=" + itoa(uint64(r.length))
}

// respondErr writes an error response to e, based on handle and err. If err
// does not carry its own Errno (via the Error interface or a recognized OS
// error), EIO is assumed.
func respondErr(e *encoder, handle uint64, err error) {
	code := mapErrno(err)
	if code == 0 {
		code = EIO
	}
	metricsErrors.WithErrno(code).Add(1)
	rep := simpleReply{
		errno:  uint32(code),
		handle: handle,
		length: 0,
	}
	rep.encode(e)
}

// ctxRW wraps a net.Conn to respect context cancellation. It does so by
// starting a goroutine that sets the connection's read/write deadline in the
// past whenever the context is cancelled.
type ctxRW struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	c      net.Conn
	done   <-chan struct{}
}

// wrapConn wraps a connection in a ctxRW.
func wrapConn(ctx context.Context, c net.Conn) io.ReadWriteCloser {
	// Note: cancel is called by Close().
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		c.SetDeadline(time.Now())
	}()
	return &ctxRW{ctx, cancel, c, done}
}

// Read implements io.Reader. It returns context.Cause(ctx) if the read was
// aborted due to context cancellation.
func (rw *ctxRW) Read(p []byte) (n int, err error) {
	n, err = rw.c.Read(p)
	if e := context.Cause(rw.ctx); e != nil {
		err = e
	}
	return n, err
}

// Write implements io.Writer. It returns context.Cause(ctx) if the write was
// aborted due to context cancellation.
func (rw *ctxRW) Write(p []byte) (n int, err error) {
	n, err = rw.c.Write(p)
	if e := context.Cause(rw.ctx); e != nil {
		err = e
	}
	return n, err
}

// Close implements io.Closer. It cleans up the resources associated with the
// ctxRW, but not the wrapped net.Conn. The wrapped net.Conn must be closed by
// the caller separately, otherwise any pending read/write operation may be left
// running indefinitely.
func (rw *ctxRW) Close() error {
	rw.cancel(errors.New("wrapped connection was closed"))
	<-rw.done
	return nil
}
