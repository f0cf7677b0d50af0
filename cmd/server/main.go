package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/internal/logging"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/internal/server"
	"github.com/me/kiln/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Archive database path (empty disables the archive)")
	flag.StringVar((*string)(&cfg.Strategy), "strategy", string(cfg.Strategy), "Worker tie-break: round-robin or least-loaded")
	flag.DurationVar(&cfg.JobRetention, "job-retention", cfg.JobRetention, "Keep finished jobs live this long (0 keeps them until released)")
	flag.DurationVar(&cfg.LogPollTimeout, "log-poll-timeout", cfg.LogPollTimeout, "Maximum long-poll duration for log and status reads")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Keep-alive interval on event streams")
	configFile := flag.String("config", "", "Path to YAML config file")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if err := config.ApplyFile(flag.CommandLine, *configFile, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, "kiln-server")

	var (
		schedOpts  = []scheduler.Option{scheduler.WithStrategy(cfg.Strategy)}
		serverOpts []server.Option
		recorder   *store.Recorder
		st         *store.SQLiteStore
	)
	if cfg.DBPath != "" {
		var err error
		st, err = store.NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
			os.Exit(1)
		}
		logger.Info("archive ready", "path", cfg.DBPath)

		recorder = store.NewRecorder(st, logger, 1024)
		schedOpts = append(schedOpts, scheduler.WithObserver(recorder))
		serverOpts = append(serverOpts, server.WithStore(st), server.WithRecorder(recorder))
	} else {
		logger.Warn("archive disabled; job history is lost on restart")
	}

	sched := scheduler.New(logger, schedOpts...)
	srv := server.New(cfg, sched, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartJanitor(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "strategy", cfg.Strategy, "job_retention", cfg.JobRetention)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Closing the scheduler ends every worker stream, which lets the HTTP
	// server drain.
	if err := sched.Close(); err != nil {
		logger.Error("scheduler close error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	srv.Shutdown()
	if recorder != nil {
		recorder.Close()
	}
	logger.Info("server stopped")
}
