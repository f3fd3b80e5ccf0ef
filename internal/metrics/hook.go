package metrics

import (
	"fmt"
	"net"
	"os"
	"time"
)

// ConnectionIOHook is a metrics hook interface for reporting I/O failures on the client-facing UDP
// socket.
type ConnectionIOHook interface {
	// EmitReadError reports the event that reading a datagram failed.
	EmitReadError(addr net.Addr)

	// EmitWriteError reports the event that writing a reply datagram failed.
	EmitWriteError(addr net.Addr)

	// Close releases any resources held by the hook.
	Close() error
}

// RebindHook is a metrics hook interface for reporting events and latencies related to answering
// a single query.
type RebindHook interface {
	// EmitQuery reports a successfully parsed query and its question type.
	EmitQuery(qtype string, client net.Addr)

	// EmitAnswer reports the address chosen for an A query under the named selection mode.
	EmitAnswer(mode string, ip net.IP)

	// EmitParseError reports a datagram that could not be decoded as a DNS message.
	EmitParseError(client net.Addr)

	// EmitResponseSize reports the size of the reply on the wire.
	EmitResponseSize(bytes int64, client net.Addr)

	// EmitRTT reports the end-to-end latency of serving a single query, from the moment the
	// datagram was handed to the responder to the completed reply write.
	EmitRTT(latency time.Duration, client net.Addr)

	// EmitError reports the occurrence of an error that caused a query to go unanswered.
	EmitError()

	// Close releases any resources held by the hook.
	Close() error
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdRebindHook is an implementation of RebindHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdRebindHook struct {
	client *StatsdClient
}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NoopRebindHook implements the RebindHook interface but noops on all emissions.
type NoopRebindHook struct{}

// NewAsyncStatsdConnectionIOHook creates a new client with the specified source, statsd address,
// and statsd sample rate. The source denotes the entity with whom the server is performing I/O.
func NewAsyncStatsdConnectionIOHook(source string, addr string, sampleRate float32, version string) (ConnectionIOHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionIOHook{
		client: client,
		source: source,
	}, nil
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// Close closes the statsd client.
func (h *AsyncStatsdConnectionIOHook) Close() error {
	return h.client.Close()
}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// Close noops.
func (h *NoopConnectionIOHook) Close() error { return nil }

// NewAsyncStatsdRebindHook creates a new client with the specified statsd address and sample
// rate.
func NewAsyncStatsdRebindHook(addr string, sampleRate float32, version string) (RebindHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdRebindHook{client}, nil
}

// EmitQuery statsd implementation
func (h *AsyncStatsdRebindHook) EmitQuery(qtype string, client net.Addr) {
	go h.client.Count("event.rebind.query", 1, map[string]string{
		"qtype":  qtype,
		"client": ipFromAddr(client),
	})
}

// EmitAnswer statsd implementation
func (h *AsyncStatsdRebindHook) EmitAnswer(mode string, ip net.IP) {
	go h.client.Count("event.rebind.answer", 1, map[string]string{
		"mode": mode,
		"ip":   ip.String(),
	})
}

// EmitParseError statsd implementation
func (h *AsyncStatsdRebindHook) EmitParseError(client net.Addr) {
	go h.client.Count("event.rebind.parse_error", 1, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdRebindHook) EmitResponseSize(bytes int64, client net.Addr) {
	go h.client.Size("size.rebind.response", bytes, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdRebindHook) EmitRTT(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.rebind.tx_rtt", latency, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdRebindHook) EmitError() {
	go h.client.Count("event.rebind.error", 1, nil)
}

// Close closes the statsd client.
func (h *AsyncStatsdRebindHook) Close() error {
	return h.client.Close()
}

// NewNoopRebindHook creates a noop implementation of RebindHook.
func NewNoopRebindHook() RebindHook {
	return &NoopRebindHook{}
}

// EmitQuery noops.
func (h *NoopRebindHook) EmitQuery(qtype string, client net.Addr) {}

// EmitAnswer noops.
func (h *NoopRebindHook) EmitAnswer(mode string, ip net.IP) {}

// EmitParseError noops.
func (h *NoopRebindHook) EmitParseError(client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopRebindHook) EmitResponseSize(bytes int64, client net.Addr) {}

// EmitRTT noops.
func (h *NoopRebindHook) EmitRTT(latency time.Duration, client net.Addr) {}

// EmitError noops.
func (h *NoopRebindHook) EmitError() {}

// Close noops.
func (h *NoopRebindHook) Close() error { return nil }

// statsdClientFactory creates a configured StatsdClient with reasonable defaults for the given
// statsd server address and sample rate. Every metric is tagged with the host and build version.
func statsdClientFactory(addr string, sampleRate float32, version string) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	defaultTags := map[string]string{
		"host": hostname,
	}

	if version != "" {
		defaultTags["version"] = version
	}

	return NewStatsdClient(addr, "rebinder", defaultTags, sampleRate)
}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		return networkAddr.IP.String()
	default:
		return "null"
	}
}
