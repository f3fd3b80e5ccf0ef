package meta

import (
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rebinder/internal/rebind"
)

// DefaultPort is the UDP port the responder binds when none is configured.
const DefaultPort = 53

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn" toml:"sentry_dsn"`
}

// StatsdConfig describes the statsd metrics backend.
type StatsdConfig struct {
	Address    string  `yaml:"addr" toml:"addr"`
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *StatsdConfig `yaml:"statsd" toml:"statsd"`
}

// UDPListenerConfig describes the UDP socket the responder serves on.
type UDPListenerConfig struct {
	Address         string        `yaml:"addr" toml:"addr"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxDatagramSize int           `yaml:"max_datagram_size" toml:"max_datagram_size"`
}

// ListenerConfig is a top-level block for server listener configuration.
type ListenerConfig struct {
	UDP *UDPListenerConfig `yaml:"udp" toml:"udp"`
}

// RebindConfig is a top-level block describing how A queries are answered.
type RebindConfig struct {
	// IPs is the pool of IPv4 answer addresses.
	IPs []string `yaml:"ips" toml:"ips"`
	// Mode is one of random, roundrobin or count.
	Mode string `yaml:"mode" toml:"mode"`
	// TTL is stamped on every answer record.
	TTL int64 `yaml:"ttl" toml:"ttl"`
	// CountRequests is the number of requests answered with the first address in count mode.
	CountRequests int64 `yaml:"count_requests" toml:"count_requests"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application" toml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener" toml:"listener"`
	Rebind      *RebindConfig      `yaml:"rebind" toml:"rebind"`
}

// DefaultConfig returns the configuration used when no file is supplied: a wildcard UDP listener
// on DefaultPort, random mode and a zero TTL. The address pool is left empty.
func DefaultConfig() *Config {
	return &Config{
		Listener: &ListenerConfig{
			UDP: &UDPListenerConfig{Address: ListenAddress(DefaultPort)},
		},
		Rebind: &RebindConfig{Mode: rebind.Random.String()},
	}
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk. Files
// ending in .toml are decoded as TOML; everything else is decoded as YAML. Blocks missing from
// the file keep the values of DefaultConfig. The result is not validated.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%v", err)
	}

	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: error parsing TOML config: err=%v", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: error parsing YAML config: err=%v", err)
		}
	}

	// An explicitly empty block in the file decodes to nil; restore the defaults.
	defaults := DefaultConfig()
	if cfg.Listener == nil || cfg.Listener.UDP == nil {
		cfg.Listener = defaults.Listener
	}
	if cfg.Rebind == nil {
		cfg.Rebind = defaults.Rebind
	}

	return cfg, nil
}

// ListenAddress formats the wildcard bind address for a port.
func ListenAddress(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// SplitIPList splits a comma-separated address list, trimming whitespace and dropping blank
// entries.
func SplitIPList(list string) []string {
	var ips []string

	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips = append(ips, ip)
		}
	}

	return ips
}

// ValidatePort checks that a port number is usable for a UDP socket.
func ValidatePort(port int) error {
	if port < 0 || port > math.MaxUint16 {
		return fmt.Errorf("config: port out of range: port=%d", port)
	}

	return nil
}

// ParsedMode parses the configured selection mode. Validate rejects unknown modes, so after a
// successful validation the second return value is always true.
func (c *RebindConfig) ParsedMode() (rebind.Mode, bool) {
	if c.Mode == "" {
		return rebind.Random, true
	}

	return rebind.ParseMode(c.Mode)
}

// Pool parses the configured address pool.
func (c *RebindConfig) Pool() ([]net.IP, error) {
	return rebind.ParsePool(c.IPs)
}

// Validate the contents of the configuration. Returns an error if validation failed; nil
// otherwise.
func (c *Config) Validate() error {
	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return fmt.Errorf("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	if c.Listener == nil || c.Listener.UDP == nil {
		return fmt.Errorf("config: missing UDP listener config")
	}

	if c.Listener.UDP.Address == "" {
		return fmt.Errorf("config: missing UDP server listening address")
	}

	if c.Listener.UDP.WriteTimeout < 0 {
		return fmt.Errorf("config: negative UDP write timeout: timeout=%v", c.Listener.UDP.WriteTimeout)
	}

	/* Rebind */

	if c.Rebind == nil {
		return fmt.Errorf("config: missing top-level rebind config key")
	}

	if len(c.Rebind.IPs) == 0 {
		return fmt.Errorf("config: no response IP addresses specified")
	}

	if _, err := c.Rebind.Pool(); err != nil {
		return fmt.Errorf("config: invalid response IP address: err=%v", err)
	}

	mode, ok := c.Rebind.ParsedMode()
	if !ok {
		return fmt.Errorf("config: unknown response mode: mode=%s", c.Rebind.Mode)
	}

	if c.Rebind.TTL < 0 || c.Rebind.TTL > math.MaxUint32 {
		return fmt.Errorf("config: TTL out of range: ttl=%d", c.Rebind.TTL)
	}

	if mode == rebind.Count {
		if len(c.Rebind.IPs) != 2 {
			return fmt.Errorf("config: count mode requires exactly 2 IP addresses: got=%d", len(c.Rebind.IPs))
		}

		if c.Rebind.CountRequests <= 0 {
			return fmt.Errorf("config: count mode requires a positive count_requests value")
		}
	}

	return nil
}
