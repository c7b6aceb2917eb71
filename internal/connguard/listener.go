package connguard

import (
	"net"
	"sync"
)

// Listener wraps inner so every accepted connection is counted against its
// source. Connections the guard rejects are closed right away and Accept
// moves on to the next one.
func (g *Guard) Listener(inner net.Listener) net.Listener {
	return &guardedListener{Listener: inner, guard: g}
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		source := SourceOf(conn.RemoteAddr())
		if err := l.guard.Acquire(source); err != nil {
			l.guard.log.Debug("Connection rejected", "source", source, "error", err)
			_ = conn.Close()
			continue
		}
		return &guardedConn{Conn: conn, guard: l.guard, source: source}, nil
	}
}

type guardedConn struct {
	net.Conn
	guard  *Guard
	source string
	once   sync.Once
}

// Close releases the slot exactly once, however many times it is called.
func (c *guardedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.guard.Release(c.source) })
	return err
}

// SourceOf extracts the host part of addr, falling back to its string form.
func SourceOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
