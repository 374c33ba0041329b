package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // sqlite driver

	"github.com/opendwn/core/pkg/config"
	"github.com/opendwn/core/pkg/events"
	"github.com/opendwn/core/pkg/identity"
	"github.com/opendwn/core/pkg/observability"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/records"
	"github.com/opendwn/core/pkg/store"
	"github.com/opendwn/core/pkg/tasks"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := config.Load()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tp, err := observability.NewTracerProvider("dev")
	if err != nil {
		logger.Error("failed to init tracer provider", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messages, data, eventLog, taskStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Error("failed to init stores", "error", err)
		return 1
	}
	defer closeStores()

	resolver := identity.NewStaticResolver()
	verifier := identity.NewVerifier(resolver)

	cache := protocol.NewCache()
	protoEngine := protocol.NewEngine(cache, messages)

	grants, err := permissions.NewEngine(messages)
	if err != nil {
		logger.Error("failed to init permissions engine", "error", err)
		return 1
	}

	stream := events.NewStream()

	handler, err := records.NewHandler(messages, data, eventLog, taskStore, stream, verifier, protoEngine, cache, grants, cfg)
	if err != nil {
		logger.Error("failed to init records handler", "error", err)
		return 1
	}

	mgr := tasks.NewManager(
		taskStore,
		time.Duration(cfg.TaskLeaseSeconds)*time.Second,
		time.Duration(cfg.TaskExtendInterval)*time.Second,
		5*time.Second,
		8,
	)
	mgr.Register(records.TaskKindRevocationCascade, tasks.NewRevocationCascadeRunner(messages, data))
	mgr.Register(records.TaskKindPruneCascade, tasks.NewPruneCascadeRunner(messages, data))
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start task manager", "error", err)
		return 1
	}
	defer mgr.Stop()

	_ = handler // wired for use by an external transport (spec.md §1: transport is an external collaborator)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		logger.Info("dwnd: health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("dwnd: ready")
	<-ctx.Done()
	logger.Info("dwnd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return 0
}

// buildStores selects concrete store.MessageStore/DataStore/EventLog/
// TaskStore implementations from the configured DSNs, falling back to
// the in-memory store for anything unset — the same DSN-scheme dispatch
// the ambient codebase's runServer uses to pick Postgres vs SQLite
// (Lite Mode) at startup.
func buildStores(ctx context.Context, cfg *config.Config) (store.MessageStore, store.DataStore, store.EventLog, store.TaskStore, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case strings.HasPrefix(cfg.MessageStoreDSN, "postgres://"):
		db, err := sql.Open("postgres", cfg.MessageStoreDSN)
		if err != nil {
			return nil, nil, nil, nil, closeAll, fmt.Errorf("dwnd: open postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, fmt.Errorf("dwnd: ping postgres: %w", err)
		}

		messages, err := store.NewPostgresMessageStore(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		dataStore, err := store.NewPostgresDataStore(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		eventLog, err := store.NewPostgresEventLog(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}

		taskStore, taskCloser, err := buildTaskStore(ctx, cfg, nil)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		closers = append(closers, taskCloser)
		return messages, dataStore, eventLog, taskStore, closeAll, nil

	case strings.HasPrefix(cfg.MessageStoreDSN, "sqlite://"):
		path := strings.TrimPrefix(cfg.MessageStoreDSN, "sqlite://")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, nil, nil, closeAll, fmt.Errorf("dwnd: open sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		messages, err := store.NewSQLiteMessageStore(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		dataStore, err := store.NewSQLiteDataStore(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		eventLog, err := store.NewSQLiteEventLog(db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}

		taskStore, taskCloser, err := buildTaskStore(ctx, cfg, db)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, closeAll, err
		}
		closers = append(closers, taskCloser)
		return messages, dataStore, eventLog, taskStore, closeAll, nil

	default:
		mem := store.NewMemory()
		taskStore, taskCloser, err := buildTaskStore(ctx, cfg, nil)
		if err != nil {
			return nil, nil, nil, nil, closeAll, err
		}
		closers = append(closers, taskCloser)
		return mem.Messages, mem.Data, mem.Events, taskStore, closeAll, nil
	}
}

// buildTaskStore wraps a SQLite-backed task table with Redis lease
// coordination when TaskStoreDSN names a redis:// endpoint (spec §4.8:
// leases must be safely contestable across replicas); otherwise it
// falls back to the SQL task table sharing db, or an in-memory task
// store when no SQL backend is in play (there is no Postgres-backed
// TaskStore implementation yet, see DESIGN.md).
func buildTaskStore(ctx context.Context, cfg *config.Config, db *sql.DB) (store.TaskStore, func(), error) {
	noop := func() {}

	var sqlTasks store.TaskStore
	if db != nil {
		ts, err := store.NewSQLiteTaskStore(db)
		if err != nil {
			return nil, noop, err
		}
		sqlTasks = ts
	} else {
		sqlTasks = store.NewMemory().Tasks
	}

	if !strings.HasPrefix(cfg.TaskStoreDSN, "redis://") {
		return sqlTasks, noop, nil
	}

	opts, err := redis.ParseURL(cfg.TaskStoreDSN)
	if err != nil {
		return nil, noop, fmt.Errorf("dwnd: parse redis task store dsn: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, noop, fmt.Errorf("dwnd: ping redis: %w", err)
	}

	leased := store.NewRedisLeaseIndex(sqlTasks, client)
	return leased, func() { _ = client.Close() }, nil
}
