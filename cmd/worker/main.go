package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/internal/logging"
	"github.com/me/kiln/internal/worker"
)

func main() {
	cfg := config.DefaultWorkerConfig()

	// Server connection flags.
	flag.StringVar(&cfg.Server, "server", cfg.Server, "kiln server URL (or KILN_SERVER env)")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "Worker name (default: hostname)")
	flag.IntVarP(&cfg.Capacity, "capacity", "c", cfg.Capacity, "Concurrent builds this worker accepts")
	flag.DurationVar(&cfg.MinBackoff, "min-backoff", cfg.MinBackoff, "Initial reconnect delay")
	flag.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "Maximum reconnect delay")

	// Build flags.
	flag.StringVar(&cfg.Runtime, "runtime", cfg.Runtime, "Build runtime (docker, podman, shell)")
	flag.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Directory for per-build scratch space")
	flag.IntVar(&cfg.LogFlushSize, "log-flush-size", cfg.LogFlushSize, "Upload build output once this many bytes are buffered")
	flag.DurationVar(&cfg.LogFlushInterval, "log-flush-interval", cfg.LogFlushInterval, "Upload buffered build output at least this often")

	// Logging flags.
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if err := config.ApplyFile(flag.CommandLine, *configFile, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, "kiln-worker")

	w, err := worker.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init worker: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		"server", cfg.Server,
		"name", cfg.Name,
		"capacity", cfg.Capacity,
		"runtime", cfg.Runtime,
		"workdir", cfg.WorkDir,
	)

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}
