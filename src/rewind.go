package main

import "net"

// rewindConn replays a previously peeked prefix before delegating reads to
// the wrapped connection. Writes and Close always pass through, so after the
// prefix is drained it behaves exactly like the inner connection.
type rewindConn struct {
	net.Conn
	prefix []byte
}

func newRewindConn(inner net.Conn, prefix []byte) *rewindConn {
	return &rewindConn{Conn: inner, prefix: prefix}
}

func (c *rewindConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
