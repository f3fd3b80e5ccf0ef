package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rebinder/internal/log"
	"rebinder/internal/meta"
	"rebinder/internal/metrics"
	"rebinder/internal/network"
	"rebinder/internal/protocol"
	"rebinder/internal/rebind"

	"github.com/getsentry/raven-go"
)

// options holds the raw command line values.
type options struct {
	configPath    string
	ips           string
	port          int
	ttl           int64
	mode          string
	countRequests int64
	verbosity     string
	noColor       bool
	version       bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, map[string]bool, error) {
	opts := &options{}

	fs.StringVar(
		&opts.configPath,
		"config",
		os.Getenv("REBINDER_CONFIG"),
		"optional path to a YAML or TOML configuration file; flags override its values",
	)
	fs.StringVar(
		&opts.ips,
		"ips",
		"",
		"comma-separated list of IPv4 addresses to use in responses (e.g. '8.8.8.8,127.0.0.1')",
	)
	fs.IntVar(&opts.port, "port", meta.DefaultPort, "UDP port to listen on")
	fs.Int64Var(&opts.ttl, "ttl", 0, "TTL value for DNS answers")
	fs.StringVar(
		&opts.mode,
		"mode",
		rebind.Random.String(),
		"response mode: one of random, roundrobin, count",
	)
	fs.Int64Var(
		&opts.countRequests,
		"count-requests",
		0,
		"(required for count mode) number of responses to serve with the first IP before switching",
	)
	fs.StringVar(
		&opts.verbosity,
		"verbosity",
		"info",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	fs.BoolVar(&opts.noColor, "no-color", false, "disable colored log output")
	fs.BoolVar(&opts.version, "version", false, "print the compiled rebinder version SHA")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	return opts, set, nil
}

// loadConfig merges the optional configuration file with explicitly set flags and validates the
// result. Nothing is bound before it succeeds.
func loadConfig(opts *options, set map[string]bool) (*meta.Config, error) {
	cfg := meta.DefaultConfig()

	if opts.configPath != "" {
		parsed, err := meta.ParseConfig(opts.configPath)
		if err != nil {
			return nil, err
		}

		cfg = parsed
	}

	if set["ips"] || opts.configPath == "" {
		cfg.Rebind.IPs = meta.SplitIPList(opts.ips)
	}

	if set["port"] || opts.configPath == "" {
		if err := meta.ValidatePort(opts.port); err != nil {
			return nil, err
		}

		cfg.Listener.UDP.Address = meta.ListenAddress(opts.port)
	}

	if set["ttl"] || opts.configPath == "" {
		cfg.Rebind.TTL = opts.ttl
	}

	if set["mode"] || opts.configPath == "" {
		cfg.Rebind.Mode = opts.mode
	}

	if set["count-requests"] || opts.configPath == "" {
		cfg.Rebind.CountRequests = opts.countRequests
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func main() {
	opts, set, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	// Report the compiled version and exit
	if opts.version {
		fmt.Printf("rebinder/%s\n", meta.VersionSHA)
		return
	}

	// Logging configuration; default to log.Info verbosity
	level, _ := log.ParseLevel(opts.verbosity)
	logger := log.NewConsoleLogger(level, !opts.noColor)
	logger.Debug("main: initialized logger: level=%v", level)

	// Parse and validate application configuration before any socket is opened
	config, err := loadConfig(opts, set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebinder: %v\n", err)
		os.Exit(1)
	}

	pool, _ := config.Rebind.Pool()
	mode, _ := config.Rebind.ParsedMode()

	selector, err := rebind.NewSelector(mode, pool, uint64(config.Rebind.CountRequests))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebinder: %v\n", err)
		os.Exit(1)
	}

	// Configure error reporting
	reportErrors := false
	if config.Application != nil && config.Application.SentryDSN != "" {
		if err := raven.SetDSN(config.Application.SentryDSN); err != nil {
			logger.Warn("main: invalid sentry DSN; disabling error reporting: err=%v", err)
		} else {
			raven.SetRelease(meta.VersionSHA)
			reportErrors = true
		}
	}

	// Configure metrics reporting
	clientCxIOHook := metrics.NewNoopConnectionIOHook()
	rebindHook := metrics.NewNoopRebindHook()

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		sampleRate := float32(config.Metrics.Statsd.SampleRate)

		if clientCxIOHook, err = metrics.NewAsyncStatsdConnectionIOHook(
			"client",
			config.Metrics.Statsd.Address,
			sampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if rebindHook, err = metrics.NewAsyncStatsdRebindHook(
			config.Metrics.Statsd.Address,
			sampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}
	} else {
		logger.Debug("main: no metrics output engine specified; disabling metrics")
	}

	h := &protocol.DNSRebindHandler{
		Selector:       selector,
		ClientCxIOHook: clientCxIOHook,
		RebindHook:     rebindHook,
		Logger:         logger,
		Opts: protocol.DNSRebindOpts{
			TTL:          uint32(config.Rebind.TTL),
			ReportErrors: reportErrors,
		},
	}

	server := network.NewUDPServer(config.Listener.UDP.Address, network.UDPServerOpts{
		WriteTimeout:    config.Listener.UDP.WriteTimeout,
		MaxDatagramSize: config.Listener.UDP.MaxDatagramSize,
	})

	if err := server.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "rebinder: %v\n", err)
		os.Exit(1)
	}

	logger.Info("main: DNS server running: addr=%s", server.Addr())
	logger.Info("main: response mode: mode=%s", selector.Mode())
	logger.Info("main: response IPs: ips=%v", config.Rebind.IPs)
	logger.Info("main: answer TTL: ttl=%d", config.Rebind.TTL)
	if mode == rebind.Count {
		logger.Info(
			"main: first IP will be used for the first %d requests; then always the second IP",
			config.Rebind.CountRequests,
		)
	}

	// Serve until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := server.Serve(ctx, h)

	// Handlers have drained; release the metrics sockets
	for _, hook := range []interface{ Close() error }{clientCxIOHook, rebindHook} {
		if err := hook.Close(); err != nil {
			logger.Warn("main: error closing metrics hook: err=%v", err)
		}
	}

	if serveErr != nil {
		logger.Error("main: server stopped: err=%v", serveErr)
		os.Exit(1)
	}

	logger.Info("main: shutting down the server")
}
