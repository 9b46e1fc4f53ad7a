package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mirador/internal/adapter/gateway"
	"mirador/internal/adapter/source"
	"mirador/internal/domain"
	"mirador/internal/infra/config"
	"mirador/internal/infra/logger"
	"mirador/internal/infra/tracer"
	"mirador/internal/usecase/eventbus"
	"mirador/internal/usecase/sessionlock"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`mirador - real-time event core for local collaboration sessions

USAGE:
    mirador [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./mirador.yaml)

CONFIGURATION:
    Config file: ./mirador.yaml
    Environment: MIRADOR_* variables override config

ENDPOINTS:
    ws://127.0.0.1:8137/ws              event stream (token required)
    http://127.0.0.1:8137/session/token session token for local front-ends
    http://127.0.0.1:8137/status        liveness and connection stats`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Event core: sequence, replay, bus
	seq := eventbus.NewSequenceAllocator()
	replay := eventbus.NewReplayBuffer(cfg.Replay.Capacity, cfg.Replay.TTL, cfg.Replay.SweepInterval, log)
	go replay.Run(ctx)

	bus := eventbus.New(seq, replay, cfg.Bus.QueueCapacity, log)
	defer bus.Close()

	// 5. Session lock
	locks := sessionlock.NewManager(cfg.Lock.Path, log)

	// 6. Source adapters
	if cfg.Watcher.Enabled {
		watcher, err := source.NewFileWatcher(cfg.Watcher, bus, log)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("file watcher stopped", "error", err)
			}
		}()
	}

	// 7. Gateway
	verifier, err := gateway.NewTokenVerifier()
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	srv := gateway.NewServer(cfg.Server, bus, replay, seq, locks, verifier, log)

	log.Info("mirador starting",
		"addr", cfg.Server.Addr(),
		"max_connections", cfg.Server.MaxConnections,
		"watcher", cfg.Watcher.Enabled,
		"lock_path", cfg.Lock.Path,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	// Shutdown order: stop accepting and close clients, then release our
	// write lock so the next process does not have to reclaim a stale record.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", "error", err)
	}
	releaseOwnedLock(locks, log)

	log.Info("mirador stopped")
	return nil
}

// releaseOwnedLock drops the write lock if this process holds it.
func releaseOwnedLock(locks domain.SessionLocker, log *slog.Logger) {
	rec, err := locks.Holder()
	if err != nil || rec == nil || rec.PID != os.Getpid() {
		return
	}
	if err := locks.Release(rec.Interface); err != nil {
		log.Warn("lock release failed", "error", err)
	}
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MIRADOR_CONFIG"); p != "" {
		return p
	}
	return "mirador.yaml"
}
