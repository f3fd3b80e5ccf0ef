//go:generate go run golang.org/x/tools/cmd/stringer -type=Mode -linecomment=true

package rebind

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
)

// Mode formalizes the policy used to choose which address from the pool answers an A query.
type Mode int

// Selector chooses one answer address per A query. Implementations are safe for concurrent use.
type Selector interface {
	// Select picks the address for a single request.
	Select() Selection

	// Mode reports the policy the selector implements.
	Mode() Mode
}

// Selection is the outcome of a single Select call.
type Selection struct {
	// IP is the chosen IPv4 address.
	IP net.IP
	// Index is the position of IP in the configured pool.
	Index int
	// Seq is the counter value consumed by the request. It is only meaningful for stateful
	// policies; random selection never touches the counter and always reports zero.
	Seq uint64
}

// SelectorFactory constructs the Selector for one Mode.
type SelectorFactory func(ips []net.IP, countRequests uint64) Selector

// RandomSelector picks uniformly at random from the pool. It holds no mutable state.
type RandomSelector struct {
	ips []net.IP
}

// RoundRobinSelector cycles through the pool in order, one address per request.
type RoundRobinSelector struct {
	ips []net.IP

	// Number of requests served so far; the pool index is counter mod len(ips).
	counter uint64
	mutex   sync.Mutex
}

// CountSelector answers with the first address for the first countRequests requests, then
// switches permanently to the second address. It never cycles back.
type CountSelector struct {
	ips           []net.IP
	countRequests uint64

	counter uint64
	mutex   sync.Mutex
}

const (
	// Random selects an address uniformly at random.
	Random Mode = iota // random
	// RoundRobin statefully iterates through each address on every request.
	RoundRobin // roundrobin
	// Count serves the first address a fixed number of times before switching to the second.
	Count // count
)

// NewSelector creates the Selector for the given mode over a pool of IPv4 addresses. Modes
// without a registered factory fall back to random selection. It returns an error if the pool
// is empty, or if count mode is requested without exactly two addresses and a positive
// threshold.
func NewSelector(mode Mode, ips []net.IP, countRequests uint64) (Selector, error) {
	factories := map[Mode]SelectorFactory{
		Random:     NewRandomSelector,
		RoundRobin: NewRoundRobinSelector,
		Count:      NewCountSelector,
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("selector: empty address pool: mode=%s", mode)
	}

	if mode == Count {
		if len(ips) != 2 {
			return nil, fmt.Errorf("selector: count mode requires exactly 2 addresses: got=%d", len(ips))
		}

		if countRequests == 0 {
			return nil, fmt.Errorf("selector: count mode requires a positive request threshold")
		}
	}

	factory, ok := factories[mode]
	if !ok {
		factory = NewRandomSelector
	}

	// Callers keep no handle on the pool.
	pool := make([]net.IP, len(ips))
	copy(pool, ips)

	return factory(pool, countRequests), nil
}

// NewRandomSelector is a selector factory for the random policy.
func NewRandomSelector(ips []net.IP, _ uint64) Selector {
	return &RandomSelector{ips: ips}
}

// Select picks an address at random. The package-level source is safe for concurrent use, so no
// lock is taken.
func (s *RandomSelector) Select() Selection {
	idx := rand.Intn(len(s.ips))

	return Selection{IP: s.ips[idx], Index: idx}
}

// Mode reports Random.
func (s *RandomSelector) Mode() Mode {
	return Random
}

// NewRoundRobinSelector is a selector factory for the round robin policy.
func NewRoundRobinSelector(ips []net.IP, _ uint64) Selector {
	return &RoundRobinSelector{ips: ips}
}

// Select reads the counter, derives the pool index and increments the counter as one critical
// section.
func (s *RoundRobinSelector) Select() Selection {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	seq := s.counter
	s.counter++

	idx := int(seq % uint64(len(s.ips)))

	return Selection{IP: s.ips[idx], Index: idx, Seq: seq}
}

// Mode reports RoundRobin.
func (s *RoundRobinSelector) Mode() Mode {
	return RoundRobin
}

// Counter reads the number of requests served so far.
func (s *RoundRobinSelector) Counter() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.counter
}

// NewCountSelector is a selector factory for the count policy. The pool must hold exactly two
// addresses; NewSelector enforces this.
func NewCountSelector(ips []net.IP, countRequests uint64) Selector {
	return &CountSelector{ips: ips, countRequests: countRequests}
}

// Select answers with the first address while the counter is below the threshold and with the
// second address afterwards. The counter keeps growing past the threshold.
func (s *CountSelector) Select() Selection {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	seq := s.counter
	s.counter++

	idx := 1
	if seq < s.countRequests {
		idx = 0
	}

	return Selection{IP: s.ips[idx], Index: idx, Seq: seq}
}

// Mode reports Count.
func (s *CountSelector) Mode() Mode {
	return Count
}

// Counter reads the number of requests served so far.
func (s *CountSelector) Counter() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.counter
}

// ParseMode parses a Mode constant from its stringified representation in a case-insensitive
// manner. Unknown names resolve to Random.
func ParseMode(mode string) (Mode, bool) {
	knownModes := []Mode{Random, RoundRobin, Count}

	for _, knownMode := range knownModes {
		if strings.EqualFold(strings.TrimSpace(mode), knownMode.String()) {
			return knownMode, true
		}
	}

	return Random, false
}

// ParseIPv4 parses a single pool entry, rejecting anything that is not an IPv4 address.
func ParseIPv4(addr string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil, fmt.Errorf("selector: invalid IP address: addr=%q", addr)
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("selector: not an IPv4 address: addr=%q", addr)
	}

	return ip4, nil
}

// ParsePool parses every entry of an address pool with ParseIPv4.
func ParsePool(addrs []string) ([]net.IP, error) {
	ips := make([]net.IP, 0, len(addrs))

	for _, addr := range addrs {
		ip, err := ParseIPv4(addr)
		if err != nil {
			return nil, err
		}

		ips = append(ips, ip)
	}

	return ips, nil
}
