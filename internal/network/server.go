package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// contextKey is a type alias for context keys passed to server handlers.
type contextKey int

// ServerHandler is a common interface that wraps logic for handling incoming datagrams.
type ServerHandler interface {
	// Handle describes the routine to run for one received datagram. The passed conn is a
	// UDPConn whose Read yields the datagram and whose Write replies to its sender.
	Handle(ctx context.Context, conn net.Conn) error

	// ConsumeError is a callback invoked when the server fails to read from its socket, or
	// when the handler returns an error or panics.
	ConsumeError(ctx context.Context, err error)
}

// UDPServer describes a server that listens on a UDP address.
type UDPServer struct {
	addr string
	opts UDPServerOpts
	conn net.PacketConn
}

// UDPServerOpts formalizes UDP server configuration options.
type UDPServerOpts struct {
	// WriteTimeout is the maximum amount of time the server is allowed to take to write a reply
	// back to a client, after which the server will consider the write to have failed. Zero
	// disables the timeout.
	WriteTimeout time.Duration
	// MaxDatagramSize is the size of the receive buffer. Larger datagrams are truncated.
	MaxDatagramSize int
}

const (
	// ClientAddrContextKey is the name of the context key holding the net.Addr of the client
	// whose datagram is being handled.
	ClientAddrContextKey contextKey = iota
)

const defaultMaxDatagramSize = 4096

// NewUDPServer creates a UDP server that will listen on the specified address.
func NewUDPServer(addr string, opts UDPServerOpts) *UDPServer {
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = defaultMaxDatagramSize
	}

	return &UDPServer{addr: addr, opts: opts}
}

// Listen binds the UDP socket. It returns an error if it fails to bind to the initialized
// address.
func (s *UDPServer) Listen() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on UDP socket: addr=%s err=%v", s.addr, err)
	}

	s.conn = conn

	return nil
}

// Addr reports the bound socket address, or nil before Listen.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}

	return s.conn.LocalAddr()
}

// ListenAndServe binds the UDP socket and serves datagrams until ctx is cancelled.
func (s *UDPServer) ListenAndServe(ctx context.Context, handler ServerHandler) error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve(ctx, handler)
}

// Serve reads datagrams from the bound socket and dispatches each one to handler in a new
// goroutine. When ctx is cancelled it stops reading, waits for in-flight handlers to finish,
// closes the socket and returns nil. Any other terminal socket error is returned.
func (s *UDPServer) Serve(ctx context.Context, handler ServerHandler) error {
	if s.conn == nil {
		return fmt.Errorf("server: serve called before listen: addr=%s", s.addr)
	}

	var inflight sync.WaitGroup

	// Unblock the pending read on cancellation. The socket stays open so in-flight handlers
	// can still write their replies.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	defer func() {
		inflight.Wait()
		s.conn.Close()
	}()

	buf := make([]byte, s.opts.MaxDatagramSize)

	for {
		n, remote, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: socket closed: err=%v", err)
			}

			handler.ConsumeError(ctx, fmt.Errorf("server: error reading datagram: err=%v", err))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		udpConn := NewUDPConn(s.conn, remote, payload, s.opts.WriteTimeout)
		// Shutdown stops new reads only; in-flight transactions are never cancelled.
		reqCtx := context.WithValue(context.WithoutCancel(ctx), ClientAddrContextKey, remote)

		inflight.Add(1)

		go func() {
			defer inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					handler.ConsumeError(reqCtx, fmt.Errorf("server: handler panic: client=%v panic=%v", remote, r))
				}
			}()

			if err := handler.Handle(reqCtx, udpConn); err != nil {
				handler.ConsumeError(reqCtx, err)
			}
		}()
	}
}
