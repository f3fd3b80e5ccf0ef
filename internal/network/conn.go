package network

import (
	"fmt"
	"io"
	"net"
	"time"
)

// UDPConn gives a single received datagram net.Conn-like semantics. Read yields the datagram
// payload exactly once; Write sends a reply to the datagram's sender over the shared server socket.
// A UDPConn represents one transaction and is not safe for concurrent use.
type UDPConn struct {
	conn         net.PacketConn
	remote       net.Addr
	payload      []byte
	consumed     bool
	writeTimeout time.Duration
}

// NewUDPConn creates a UDPConn for a datagram already read from the backing net.PacketConn.
func NewUDPConn(conn net.PacketConn, remote net.Addr, payload []byte, writeTimeout time.Duration) *UDPConn {
	return &UDPConn{
		conn:         conn,
		remote:       remote,
		payload:      payload,
		writeTimeout: writeTimeout,
	}
}

// Read copies the datagram into buf. A datagram larger than buf is truncated, like a read from a
// UDP socket. Subsequent reads return io.EOF.
func (c *UDPConn) Read(buf []byte) (n int, err error) {
	if c.consumed {
		return 0, io.EOF
	}

	c.consumed = true

	return copy(buf, c.payload), nil
}

// Write sends buf to the client from which the datagram was received.
func (c *UDPConn) Write(buf []byte) (n int, err error) {
	if c.remote == nil {
		return 0, fmt.Errorf("conn: no remote associated with this connection")
	}

	// The socket is shared by every in-flight transaction, so the deadline is set on the write
	// path only and never on reads.
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}

	return c.conn.WriteTo(buf, c.remote)
}

// Close ends the transaction. The shared server socket stays open.
func (c *UDPConn) Close() error {
	c.consumed = true
	return nil
}

// LocalAddr obtains the server socket's local address.
func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr obtains the address of the client that sent the datagram.
func (c *UDPConn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline is a no-op; reads never block and writes use the configured write timeout.
func (c *UDPConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a no-op; the datagram has already been read.
func (c *UDPConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline is a no-op; see Write.
func (c *UDPConn) SetWriteDeadline(t time.Time) error {
	return nil
}
