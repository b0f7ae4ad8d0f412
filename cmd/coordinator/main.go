// Command coordinator runs the Coordinator process: the single authority
// over instance state, checkpoints, and signal delivery (spec.md §4.2).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runtara/runtara/coordinator"
	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/storage"
)

func main() {
	var (
		addr        = flag.String("addr", ":7800", "address to listen on for instance/management RPC")
		metricsAddr = flag.String("metrics-addr", ":9100", "address to serve /metrics on")
		backend     = flag.String("store", "memory", "storage backend: memory, sqlite, mysql")
		dsn         = flag.String("dsn", "", "sqlite path or mysql DSN (ignored for memory)")
		wakePoll    = flag.Duration("wake-poll-interval", 2*time.Second, "how often to scan for due wake entries")
		eventLog    = flag.String("event-log", "", "emit observability events as JSONL to this path ('-' for stdout); unset disables emission")
	)
	flag.Parse()

	logger := slog.Default()

	store, err := openStore(*backend, *dsn)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(registry)
	server := coordinator.NewServer(store, metrics)
	if emitter, closeFn, err := openEmitter(*eventLog); err != nil {
		logger.Error("open event log", "error", err)
		os.Exit(1)
	} else if emitter != nil {
		server.SetEmitter(emitter)
		defer closeFn()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	go server.RunWakeDispatcher(ctx, store, *wakePoll, func(ctx context.Context, instanceID, checkpointID string) {
		if err := server.Management.SendSignal(ctx, instanceID, storage.SignalResume, nil); err != nil {
			logger.Error("deliver wake resume signal", "instance", instanceID, "checkpoint", checkpointID, "error", err)
		}
	})

	logger.Info("coordinator listening", "addr", *addr, "store", *backend)
	if err := server.Serve(ctx, *addr); err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	logger.Info("coordinator shut down")
}

func openStore(backend, dsn string) (storage.CoordinatorStore, error) {
	switch backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(dsn)
	case "mysql":
		return storage.NewMySQLStore(dsn)
	default:
		return nil, &unknownBackendError{backend}
	}
}

type unknownBackendError struct{ backend string }

func (e *unknownBackendError) Error() string {
	return "coordinator: unknown storage backend " + e.backend
}

// openEmitter returns nil, a no-op closer, nil when path is empty (emission
// disabled), or a JSONL emit.LogEmitter writing to path ("-" for stdout).
func openEmitter(path string) (emit.Emitter, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return emit.NewLogEmitter(os.Stdout, true), func() {}, nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return emit.NewLogEmitter(f, true), func() { _ = f.Close() }, nil
	}
}
