package nbd

import (
	"fmt"
)

// nextHandle returns the next handle to tag a transmission-phase request
// with. Handles only need to be unique among requests in flight; since this
// client never pipelines (it waits for each reply before sending the next
// request), a simple increasing counter is enough.
func (c *Client) nextHandle() uint64 {
	c.handle++
	return c.handle
}

// Size returns the size of the export opened by Go, in bytes.
func (c *Client) Size() uint64 {
	return c.export.Size
}

// roundTrip sends req (with optional payload data) and waits for the
// matching simple reply, reading len(buf) bytes of response payload into buf.
func (c *Client) roundTrip(req request, data []byte, buf []byte) error {
	return do(c.rw, func(e *encoder) {
		req.data = data
		req.encode(e)
		rep := simpleReply{length: uint32(len(buf))}
		if err := rep.decode(e); err != nil {
			e.check(err)
		}
		if rep.handle != req.handle {
			e.check(fmt.Errorf("reply for wrong handle %d != %d", rep.handle, req.handle))
		}
		if rep.errno != 0 {
			e.check(Errorf(Errno(rep.errno), "%s failed", cmdName(req.typ)))
		}
		copy(buf, rep.data)
	})
}

func cmdName(typ uint16) string {
	switch typ {
	case cmdRead:
		return "read"
	case cmdWrite:
		return "write"
	case cmdDisc:
		return "disconnect"
	case cmdFlush:
		return "flush"
	case cmdTrim:
		return "trim"
	default:
		return fmt.Sprintf("cmd(%d)", typ)
	}
}

// Read reads len(p) bytes from the export at offset into p.
func (c *Client) Read(offset uint64, p []byte) error {
	req := request{typ: cmdRead, handle: c.nextHandle(), offset: offset, length: uint32(len(p))}
	var result []byte
	err := do(c.rw, func(e *encoder) {
		req.encode(e)
		rep := simpleReply{length: uint32(len(p))}
		if err := rep.decode(e); err != nil {
			e.check(err)
		}
		if rep.handle != req.handle {
			e.check(fmt.Errorf("reply for wrong handle %d != %d", rep.handle, req.handle))
		}
		if rep.errno != 0 {
			e.check(Errorf(Errno(rep.errno), "read failed"))
		}
		result = rep.data
	})
	if err != nil {
		return err
	}
	copy(p, result)
	return nil
}

// Write writes data to the export at offset.
func (c *Client) Write(offset uint64, data []byte) error {
	req := request{typ: cmdWrite, handle: c.nextHandle(), offset: offset, length: uint32(len(data))}
	return c.roundTrip(req, data, nil)
}

// Flush requests that the server commit all previously acknowledged writes to
// persistent storage before replying.
func (c *Client) Flush() error {
	req := request{typ: cmdFlush, handle: c.nextHandle()}
	return c.roundTrip(req, nil, nil)
}

// Trim requests that the server release the given byte range; it is purely
// advisory, and the server is free to treat it as a no-op.
func (c *Client) Trim(offset uint64, length uint32) error {
	req := request{typ: cmdTrim, handle: c.nextHandle(), offset: offset, length: length}
	return c.roundTrip(req, nil, nil)
}

// Disconnect sends NBD_CMD_DISC and returns. No reply is expected; the
// connection should be closed by the caller immediately afterwards.
func (c *Client) Disconnect() error {
	return do(c.rw, func(e *encoder) {
		req := request{typ: cmdDisc, handle: c.nextHandle()}
		req.encode(e)
	})
}
