// Command environment runs the Environment process: the lifecycle
// controller that launches, monitors, wakes, and reaps workflow instance
// processes (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/environment"
	"github.com/runtara/runtara/environment/runner"
	"github.com/runtara/runtara/environment/workers"
	"github.com/runtara/runtara/rpc"
	"github.com/runtara/runtara/storage"
)

func main() {
	var (
		addr          = flag.String("addr", ":7801", "address to listen on for environment RPC")
		coreAddr      = flag.String("core-addr", "127.0.0.1:7800", "coordinator management RPC address (RUNTARA_CORE_ADDR)")
		backend       = flag.String("store", "memory", "storage backend: memory, sqlite, mysql")
		dsn           = flag.String("dsn", "", "sqlite path or mysql DSN (ignored for memory)")
		dataDir       = flag.String("data-dir", "/var/lib/runtara", "scenario/runs root (DATA_DIR)")
		ociRuntime    = flag.String("oci-runtime", "runc", "OCI runtime binary for the runner backend")
		wakePoll      = flag.Duration("wake-poll-interval", 5*time.Second, "wake scheduler poll interval")
		hbInterval    = flag.Duration("heartbeat-monitor-interval", 30*time.Second, "heartbeat monitor poll interval")
		hbTimeout     = flag.Duration("heartbeat-timeout", 120*time.Second, "staleness threshold for the heartbeat monitor")
		retention     = flag.Duration("retention", 24*time.Hour, "how long terminal instances/run dirs/images survive before cleanup")
		cleanInterval = flag.Duration("cleaner-interval", 10*time.Minute, "poll interval shared by the three retention cleaners")
		eventLog      = flag.String("event-log", "", "emit observability events as JSONL to this path ('-' for stdout); unset disables emission")
	)
	flag.Parse()

	logger := slog.Default()

	store, err := openStore(*backend, *dsn)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}

	coordClient := rpc.NewClient(*coreAddr, 30*time.Second)
	defer coordClient.Close()

	opts := []environment.Option{
		environment.WithSignalProxy(func(ctx context.Context, instanceID string, sigType storage.SignalType, payload []byte) error {
			req := rpc.SendSignalRequest{InstanceID: instanceID, SignalType: string(sigType), Payload: payload}
			var resp rpc.SendSignalResponse
			return coordClient.Call(rpc.TypeSendSignalRequest, req, &resp)
		}),
	}
	if emitter, closeFn, err := openEmitter(*eventLog); err != nil {
		logger.Error("open event log", "error", err)
		os.Exit(1)
	} else if emitter != nil {
		opts = append(opts, environment.WithEmitter(emitter))
		defer closeFn()
	}

	rn := runner.NewOCIRunner(*ociRuntime)
	server := environment.NewServer(store, rn, *dataDir, *coreAddr, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := workers.NewSupervisor(logger,
		workers.NewWakeScheduler(store, server.Handlers, logger, *wakePoll, 50),
		workers.NewHeartbeatMonitor(store, logger, *hbInterval, *hbTimeout),
		workers.NewRunDirCleaner(store, *dataDir, logger, *cleanInterval, *retention),
		workers.NewDBCleaner(store, logger, *cleanInterval, *retention),
		workers.NewImageCleaner(store, logger, *cleanInterval, *retention),
	)
	go func() {
		if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker supervisor exited", "error", err)
		}
	}()

	logger.Info("environment listening", "addr", *addr, "store", *backend, "core-addr", *coreAddr)
	if err := server.Serve(ctx, *addr); err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	logger.Info("environment shut down")
}

func openStore(backend, dsn string) (environment.Store, error) {
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
	return "environment: unknown storage backend " + e.backend
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
