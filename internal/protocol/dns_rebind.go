package protocol

import (
	"context"
	"fmt"
	"net"

	"github.com/getsentry/raven-go"
	"github.com/miekg/dns"
	"lib.kevinlin.info/aperture/lib"

	"rebinder/internal/log"
	"rebinder/internal/metrics"
	"rebinder/internal/network"
	"rebinder/internal/rebind"
)

// DNSRebindHandler is an authoritative DNS server handler that answers A queries with an address
// chosen by a rebinding selection policy. One handler is shared by every in-flight request.
type DNSRebindHandler struct {
	Selector       rebind.Selector
	ClientCxIOHook metrics.ConnectionIOHook
	RebindHook     metrics.RebindHook
	Logger         log.Logger
	Opts           DNSRebindOpts
}

// DNSRebindOpts formalizes configuration options for the rebinding handler.
type DNSRebindOpts struct {
	// TTL is the time-to-live stamped on every answer record. Zero asks resolvers not to cache.
	TTL uint32
	// ReportErrors enables forwarding of handler errors to Sentry.
	ReportErrors bool
}

// ConsumeError logs the error and reports it.
func (h *DNSRebindHandler) ConsumeError(ctx context.Context, err error) {
	h.Logger.Error("%v", err)
	h.RebindHook.EmitError()

	if h.Opts.ReportErrors {
		raven.CaptureError(err, map[string]string{
			"client": fmt.Sprintf("%v", ctx.Value(network.ClientAddrContextKey)),
			"mode":   h.Selector.Mode().String(),
		})
	}
}

// Handle reads a single query from the client connection, answers it according to the selection
// policy and writes the reply back to the client. A datagram that cannot be decoded is dropped
// without a reply and without an error.
func (h *DNSRebindHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	rttTxTimer := lib.NewStopwatch()

	/* Read and decode the DNS query from the client */

	req, err := h.clientRead(clientConn)
	if err != nil {
		return err
	}

	if req == nil {
		return nil
	}

	h.Logger.Info(
		"dns_rebind: received query: client=%v id=%d name=%s qtype=%s",
		clientConn.RemoteAddr(),
		req.Id,
		questionName(req),
		questionType(req),
	)
	h.RebindHook.EmitQuery(questionType(req), clientConn.RemoteAddr())

	/* Select the answer and build the reply */

	reply, selection := BuildReply(req, h.Selector, h.Opts.TTL)

	if selection != nil {
		h.Logger.Debug(
			"dns_rebind: selected answer: mode=%s ip=%s index=%d seq=%d",
			h.Selector.Mode(),
			selection.IP,
			selection.Index,
			selection.Seq,
		)
		h.RebindHook.EmitAnswer(h.Selector.Mode().String(), selection.IP)
	} else {
		h.Logger.Warn(
			"dns_rebind: query type not handled; sending empty response: qtype=%s",
			questionType(req),
		)
	}

	/* Serialize and write the reply back to the client */

	resp, err := reply.Pack()
	if err != nil {
		return fmt.Errorf("dns_rebind: error packing reply: id=%d err=%v", req.Id, err)
	}

	if err := h.clientWrite(clientConn, resp); err != nil {
		return err
	}

	h.Logger.Debug(
		"dns_rebind: completed write back to client: rtt=%v response_bytes=%d",
		rttTxTimer.Elapsed(),
		len(resp),
	)

	h.RebindHook.EmitResponseSize(int64(len(resp)), clientConn.RemoteAddr())
	h.RebindHook.EmitRTT(rttTxTimer.Elapsed(), clientConn.RemoteAddr())

	return nil
}

// clientRead reads a datagram from the client and decodes it. It returns a nil message without
// error when the datagram is not a valid DNS message.
func (h *DNSRebindHandler) clientRead(conn net.Conn) (*dns.Msg, error) {
	buf := make([]byte, dns.MaxMsgSize)

	n, err := conn.Read(buf)
	if err != nil {
		h.ClientCxIOHook.EmitReadError(conn.RemoteAddr())
		return nil, fmt.Errorf("dns_rebind: error reading request from client: err=%v", err)
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf[:n]); err != nil {
		h.Logger.Warn(
			"dns_rebind: error parsing DNS request; dropping: client=%v request_bytes=%d err=%v",
			conn.RemoteAddr(),
			n,
			err,
		)
		h.RebindHook.EmitParseError(conn.RemoteAddr())

		return nil, nil
	}

	return req, nil
}

// clientWrite writes the reply back to the client.
func (h *DNSRebindHandler) clientWrite(conn net.Conn, resp []byte) error {
	n, err := conn.Write(resp)
	if err != nil {
		h.ClientCxIOHook.EmitWriteError(conn.RemoteAddr())
		return fmt.Errorf("dns_rebind: error writing reply to client: err=%v", err)
	}

	if n != len(resp) {
		h.ClientCxIOHook.EmitWriteError(conn.RemoteAddr())
		return fmt.Errorf(
			"dns_rebind: failed writing response bytes to client: expected=%d actual=%d",
			len(resp),
			n,
		)
	}

	return nil
}
