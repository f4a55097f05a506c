// Command mirror connects to a treesync server, applies writes given on the command
// line and prints the events of watched locations as JSON lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/config"
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/pushid"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/transport"
	"github.com/erauner12/treesync/internal/view"
)

const (
	version = "0.1.0"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (JSON)")
	showVersion = flag.Bool("version", false, "Show version information")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	serverURL   = flag.String("server", "", "Websocket URL of the server (overrides config)")
	subject     = flag.String("sub", "", "Subject sent as X-Debug-Sub to dev servers")
	children    = flag.Bool("children", false, "Print child events instead of value events")
	limitLast   = flag.Int("limit-last", 0, "Only watch the last N children")
)

func main() {
	var watches, sets, pushes, incrs multiFlag
	flag.Var(&watches, "watch", "Path to watch (repeatable)")
	flag.Var(&sets, "set", "path=json to set (repeatable)")
	flag.Var(&pushes, "push", "path=json to append under a new key (repeatable)")
	flag.Var(&incrs, "incr", "Path to increment in a transaction (repeatable)")
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("mirror version %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	ops, err := buildOps(sets, pushes, incrs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		os.Exit(2)
	}
	if len(ops) == 0 && len(watches) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to do: give -watch, -set, -push or -incr")
		os.Exit(2)
	}

	// Setup logging
	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("serverUrl", cfg.Client.ServerURL).
		Bool("debug", cfg.Debug).
		Msg("Starting mirror")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Create shutdown goroutine
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, watches, ops); err != nil {
		log.Error().Err(err).Msg("mirror failed")
		os.Exit(1)
	}
}

// loadConfig loads the configuration from file and environment
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		// Try to load from environment only
		cfg, err = config.LoadFromEnvironment()
	}

	if err != nil {
		return nil, err
	}

	// Apply CLI flag overrides BEFORE validation
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *subject != "" {
		cfg.Client.Subject = *subject
	}
	if *debug {
		cfg.Debug = true
		// Auto-set log level to debug when --debug flag is used
		// (unless user explicitly set a different level)
		if *logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupLogging configures the global logger. Logs go to stderr; stdout carries events.
func setupLogging(cfg *config.Config) {
	// Parse log level
	level := parseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.Debug {
		// Pretty logging for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON logging for production
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	// Add caller information in debug mode
	if cfg.Debug {
		log.Logger = log.Logger.With().Caller().Logger()
	}
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// run connects, applies ops and prints events. Without watches it returns once every
// op has completed; otherwise it runs until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, watches []string, ops []op) error {
	header := http.Header{}
	switch {
	case cfg.Client.AuthToken != "":
		header.Set("Authorization", "Bearer "+cfg.Client.AuthToken)
	case cfg.Client.Subject != "":
		header.Set("X-Debug-Sub", cfg.Client.Subject)
	}

	conn := transport.New(transport.Options{URL: cfg.Client.ServerURL, Header: header})
	r := repo.New(conn, repo.Options{MaxTransactionRetries: cfg.Client.MaxTransactionRetries})
	conn.Start(ctx, r)
	defer conn.Close()

	out := newPrinter(os.Stdout)
	for _, w := range watches {
		query := view.DefaultQuery(dbpath.New(w))
		if *limitLast > 0 {
			query.Params = query.Params.LimitToLast(*limitLast)
		}
		var reg view.Registration = out.valueRegistration()
		if *children {
			reg = out.childRegistration()
		}
		if err := r.AddEventCallback(query, reg); err != nil {
			return fmt.Errorf("watch %s: %w", w, err)
		}
	}

	var pending sync.WaitGroup
	for _, o := range ops {
		if err := apply(r, o, out, &pending); err != nil {
			return fmt.Errorf("%s %s: %w", o.kind, o.path, err)
		}
	}
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	if len(watches) == 0 {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return nil
}

var pushIDs = pushid.NewGenerator()

// apply starts one write; pending is released when the server has answered it
func apply(r *repo.Repo, o op, out *printer, pending *sync.WaitGroup) error {
	path := dbpath.New(o.path)
	pending.Add(1)
	var err error
	switch o.kind {
	case opSet:
		err = r.Set(path, o.value, func(err error) {
			out.result(o, path.String(), err, nil, o.value)
			pending.Done()
		})
	case opPush:
		// the key is chosen here so the completion can report it
		child := path.Child(pushIDs.Next(r.ServerTime()))
		err = r.Set(child, o.value, func(err error) {
			out.result(o, child.String(), err, nil, o.value)
			pending.Done()
		})
	case opIncr:
		err = r.Transaction(path, increment, func(err error, committed bool, s view.Snapshot) {
			out.result(o, path.String(), err, &committed, s.Val())
			pending.Done()
		}, true)
	}
	if err != nil {
		pending.Done()
	}
	return err
}
