// Command replayctl is an operator tool for a replay store: it bootstraps
// storage, appends records and prints aggregated replays.
//
// Usage:
//
//	replayctl [-config store.yaml] bootstrap
//	replayctl [-config store.yaml] set [-id ID] -kind init|event|payload [-ts RFC3339] (-json '{...}' | -file PATH)
//	replayctl [-config store.yaml] get -id ID
//	replayctl [-config store.yaml] stats -id ID
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/INLOpen/replaystore/config"
	"github.com/INLOpen/replaystore/replaystore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

const metricsPrefix = "replaystore_"

// errUsage marks errors already reported together with the usage text.
var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, store *replaystore.Store, args []string, stdout io.Writer) error
}

var commands = []command{
	{name: "bootstrap", usage: "provision the configured storage", run: runBootstrap},
	{name: "set", usage: "append one record", run: runSet},
	{name: "get", usage: "print the aggregated replay as JSON", run: runGet},
	{name: "stats", usage: "print replay statistics as JSON", run: runStats},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replayctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "replaystore.yaml", "Path to the configuration file")
	dumpMetrics := fs.Bool("metrics", false, "Print the store metrics to stderr on exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: replayctl [-config path] <command> [flags]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %-10s %s\n", c.name, c.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == fs.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration %s: %v\n", *configPath, err)
		return 1
	}
	logger, logCloser, err := createLogger(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return 1
	}
	defer tracerCleanup()

	store, err := replaystore.OpenAndBootstrap(ctx, cfg,
		replaystore.WithLogger(logger),
		replaystore.WithTracerProvider(tp),
		replaystore.WithMetrics(replaystore.NewStoreMetrics(true, metricsPrefix)),
	)
	if err != nil {
		logger.Error("Failed to open replay store", "backend", cfg.Store.Backend, "error", err)
		fmt.Fprintf(stderr, "replayctl: %v\n", err)
		return 1
	}
	defer store.Close()
	if *dumpMetrics {
		defer writeMetrics(stderr)
	}

	if err := cmd.run(ctx, store, fs.Args()[1:], stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "replayctl %s: %v\n", cmd.name, err)
		}
		return 1
	}
	return 0
}

// writeMetrics prints every published store variable as name=value lines.
func writeMetrics(w io.Writer) {
	expvar.Do(func(kv expvar.KeyValue) {
		if strings.HasPrefix(kv.Key, metricsPrefix) {
			fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value.String())
		}
	})
}
