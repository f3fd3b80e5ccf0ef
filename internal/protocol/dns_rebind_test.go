package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"rebinder/internal/log"
	"rebinder/internal/metrics"
	"rebinder/internal/network"
	"rebinder/internal/rebind"
)

// datagramConn is an in-memory net.Conn carrying a single request datagram and collecting replies.
type datagramConn struct {
	request  []byte
	read     bool
	replies  [][]byte
	writeErr error
}

func (c *datagramConn) Read(buf []byte) (int, error) {
	if c.read {
		return 0, io.EOF
	}
	c.read = true
	return copy(buf, c.request), nil
}

func (c *datagramConn) Write(buf []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.replies = append(c.replies, append([]byte(nil), buf...))
	return len(buf), nil
}

func (c *datagramConn) Close() error                       { return nil }
func (c *datagramConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4zero, Port: 53} }
func (c *datagramConn) RemoteAddr() net.Addr               { return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: 40000} }
func (c *datagramConn) SetDeadline(t time.Time) error      { return nil }
func (c *datagramConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *datagramConn) SetWriteDeadline(t time.Time) error { return nil }

// recordingHook counts parse errors and answers on top of the noop hook.
type recordingHook struct {
	metrics.NoopRebindHook

	mutex       sync.Mutex
	parseErrors int
	answers     []string
	errors      int
}

func (h *recordingHook) EmitParseError(client net.Addr) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.parseErrors++
}

func (h *recordingHook) EmitAnswer(mode string, ip net.IP) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.answers = append(h.answers, mode+"="+ip.String())
}

func (h *recordingHook) EmitError() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.errors++
}

func newHandler(selector rebind.Selector, hook metrics.RebindHook, out io.Writer) *DNSRebindHandler {
	return &DNSRebindHandler{
		Selector:       selector,
		ClientCxIOHook: metrics.NewNoopConnectionIOHook(),
		RebindHook:     hook,
		Logger:         log.NewWriterLogger(out, log.Debug, false),
		Opts:           DNSRebindOpts{TTL: 5},
	}
}

func packed(t *testing.T, msg *dns.Msg) []byte {
	t.Helper()

	buf, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}

	return buf
}

func TestHandleAnswersAQuery(t *testing.T) {
	hook := &recordingHook{}
	var logs bytes.Buffer
	handler := newHandler(newSelector(t, rebind.Count, 1, "10.0.0.1", "10.0.0.2"), hook, &logs)

	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.2"} {
		req := query("attacker.example", dns.TypeA)
		conn := &datagramConn{request: packed(t, req)}

		if err := handler.Handle(context.Background(), conn); err != nil {
			t.Fatal(err)
		}

		if len(conn.replies) != 1 {
			t.Fatalf("request %d: %d replies written", i, len(conn.replies))
		}

		reply := new(dns.Msg)
		if err := reply.Unpack(conn.replies[0]); err != nil {
			t.Fatal(err)
		}

		if reply.Id != req.Id {
			t.Errorf("request %d: id = %d, want %d", i, reply.Id, req.Id)
		}
		if got := answerIP(t, reply).String(); got != want {
			t.Errorf("request %d: answer %s, want %s", i, got, want)
		}
		if ttl := reply.Answer[0].Header().Ttl; ttl != 5 {
			t.Errorf("request %d: ttl = %d", i, ttl)
		}
	}

	if len(hook.answers) != 3 || hook.answers[0] != "count=10.0.0.1" {
		t.Errorf("answers = %v", hook.answers)
	}
	if !strings.Contains(logs.String(), "client=192.0.2.99:40000") {
		t.Errorf("source address not logged: %q", logs.String())
	}
}

func TestHandleAnswersLargeEDNS0Query(t *testing.T) {
	hook := &recordingHook{}
	handler := newHandler(newSelector(t, rebind.RoundRobin, 0, "10.0.0.1"), hook, io.Discard)

	req := query("padded.example", dns.TypeA)
	req.SetEdns0(dns.MaxMsgSize, false)
	opt := req.IsEdns0()
	opt.Option = append(opt.Option, &dns.EDNS0_PADDING{Padding: make([]byte, 4500)})

	conn := &datagramConn{request: packed(t, req)}
	if len(conn.request) <= 4096 {
		t.Fatalf("query is only %d bytes", len(conn.request))
	}

	if err := handler.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	if hook.parseErrors != 0 || len(conn.replies) != 1 {
		t.Fatalf("parse errors = %d, replies = %d", hook.parseErrors, len(conn.replies))
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(conn.replies[0]); err != nil {
		t.Fatal(err)
	}

	if got := answerIP(t, reply).String(); got != "10.0.0.1" {
		t.Errorf("answer = %s", got)
	}
}

func TestHandleDropsMalformedDatagram(t *testing.T) {
	hook := &recordingHook{}
	handler := newHandler(newSelector(t, rebind.RoundRobin, 0, "10.0.0.1"), hook, io.Discard)

	for _, garbage := range [][]byte{
		[]byte("definitely not dns"),
		{0x12},
		{},
	} {
		conn := &datagramConn{request: garbage}

		if err := handler.Handle(context.Background(), conn); err != nil {
			t.Errorf("malformed datagram %q returned %v", garbage, err)
		}
		if len(conn.replies) != 0 {
			t.Errorf("malformed datagram %q was answered", garbage)
		}
	}

	if hook.parseErrors != 3 {
		t.Errorf("parse errors = %d, want 3", hook.parseErrors)
	}
	if got := handler.Selector.(*rebind.RoundRobinSelector).Counter(); got != 0 {
		t.Errorf("malformed datagrams consumed counter values: %d", got)
	}
}

func TestHandleNonAQuery(t *testing.T) {
	handler := newHandler(newSelector(t, rebind.RoundRobin, 0, "10.0.0.1"), metrics.NewNoopRebindHook(), io.Discard)
	req := query("example.com", dns.TypeAAAA)
	conn := &datagramConn{request: packed(t, req)}

	if err := handler.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(conn.replies[0]); err != nil {
		t.Fatal(err)
	}

	if reply.Id != req.Id || len(reply.Answer) != 0 || !reply.Response {
		t.Errorf("reply = %v", reply)
	}
}

func TestHandleWriteFailure(t *testing.T) {
	handler := newHandler(newSelector(t, rebind.Random, 0, "10.0.0.1"), metrics.NewNoopRebindHook(), io.Discard)
	conn := &datagramConn{
		request:  packed(t, query("example.com", dns.TypeA)),
		writeErr: errors.New("network unreachable"),
	}

	if err := handler.Handle(context.Background(), conn); err == nil {
		t.Error("expected the write error to be returned")
	}
}

func TestConsumeErrorLogsAndCounts(t *testing.T) {
	hook := &recordingHook{}
	var logs bytes.Buffer
	handler := newHandler(newSelector(t, rebind.Random, 0, "10.0.0.1"), hook, &logs)

	handler.ConsumeError(context.Background(), errors.New("server: boom"))

	if hook.errors != 1 {
		t.Errorf("errors = %d", hook.errors)
	}
	if !strings.Contains(logs.String(), "ERROR\tserver: boom") {
		t.Errorf("error not logged: %q", logs.String())
	}
}

// startResponder serves the handler on a loopback socket for end-to-end tests.
func startResponder(t *testing.T, handler *DNSRebindHandler) (string, func()) {
	t.Helper()

	server := network.NewUDPServer("127.0.0.1:0", network.UDPServerOpts{WriteTimeout: time.Second})
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := server.Serve(ctx, handler); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	return server.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestResponderRecoversFromGarbage(t *testing.T) {
	hook := &recordingHook{}
	handler := newHandler(newSelector(t, rebind.RoundRobin, 0, "10.9.8.7", "127.0.0.1"), hook, io.Discard)
	addr, stop := startResponder(t, handler)
	defer stop()

	raw, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	if _, err := raw.Write([]byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatal(err)
	}

	raw.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, err := raw.Read(make([]byte, 512)); err == nil {
		t.Fatalf("garbage datagram was answered with %d bytes", n)
	}

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	for _, want := range []string{"10.9.8.7", "127.0.0.1", "10.9.8.7"} {
		reply, _, err := client.Exchange(query("rebind.example", dns.TypeA), addr)
		if err != nil {
			t.Fatal(err)
		}

		if got := answerIP(t, reply).String(); got != want {
			t.Errorf("answer %s, want %s", got, want)
		}
	}
}

func TestResponderConcurrentCountMode(t *testing.T) {
	const requests = 40

	selector := newSelector(t, rebind.Count, 10, "1.1.1.1", "2.2.2.2")
	handler := newHandler(selector, metrics.NewNoopRebindHook(), io.Discard)
	addr, stop := startResponder(t, handler)
	defer stop()

	var wg sync.WaitGroup
	var mutex sync.Mutex
	tally := make(map[string]int)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
			reply, _, err := client.Exchange(query("race.example", dns.TypeA), addr)
			if err != nil || len(reply.Answer) != 1 {
				return
			}

			mutex.Lock()
			tally[reply.Answer[0].(*dns.A).A.String()]++
			mutex.Unlock()
		}()
	}

	wg.Wait()

	if tally["1.1.1.1"] != 10 || tally["2.2.2.2"] != requests-10 {
		t.Errorf("tally = %v, want 10 x 1.1.1.1 and %d x 2.2.2.2", tally, requests-10)
	}
	if got := selector.(*rebind.CountSelector).Counter(); got != requests {
		t.Errorf("counter = %d, want %d", got, requests)
	}
}
