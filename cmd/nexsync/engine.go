package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/nadmax/nexsync/internal/config"
	"github.com/nadmax/nexsync/internal/coordinator"
	"github.com/nadmax/nexsync/internal/notify"
	"github.com/nadmax/nexsync/internal/queue"
	"github.com/nadmax/nexsync/internal/remote"
	"github.com/nadmax/nexsync/internal/repository"
	"github.com/nadmax/nexsync/internal/repository/postgres"
	"github.com/nadmax/nexsync/internal/repository/sqlite"
	"github.com/nadmax/nexsync/internal/serial"
	"github.com/nadmax/nexsync/internal/store"
	"github.com/nadmax/nexsync/internal/worker"
)

// engine holds the components one command needs. Storage is always opened;
// the remote side is added by connect.
type engine struct {
	cfg     *config.Config
	repo    *sqlite.Repository
	history *postgres.HistoryRepository
	store   *store.Store
	queue   *queue.Queue
	closers []func() error

	serial *serial.Executor
	coord  *coordinator.Coordinator
	worker *worker.Worker
}

func openStorage(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{cfg: cfg}

	repo, err := sqlite.New(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	e.repo = repo
	e.closers = append(e.closers, repo.Close)

	var outboxStore queue.Store = repo.Outbox()
	if cfg.Outbox.Backend == config.BackendRedis {
		rs, err := queue.NewRedisStore(cfg.Redis.Addr)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, rs.Close)
		outboxStore = rs
	}

	var history repository.HistoryRepository
	if cfg.Postgres.DSN != "" {
		h, err := postgres.NewHistoryRepository(cfg.Postgres.DSN)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, h.Close)
		if err := h.EnsureSchema(ctx); err != nil {
			e.Close()
			return nil, err
		}
		e.history = h
		history = h
	}

	e.store = store.New(repo.Tasks())
	e.queue = queue.NewQueue(outboxStore, history,
		queue.WithBaseDelay(cfg.Outbox.BaseDelay),
		queue.WithMaxRetries(cfg.Outbox.MaxRetries),
	)
	return e, nil
}

// connect validates the remote settings and builds the gateway, coordinator
// and drain worker around the opened storage.
func (e *engine) connect() error {
	cfg := e.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []remote.Option{
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
		remote.WithLogger(logger("[remote] ")),
	}
	if cfg.Remote.Token != "" {
		opts = append(opts, remote.WithToken(cfg.Remote.Token, cfg.Remote.Timeout))
	}
	client, err := remote.NewClient(cfg.Remote.WebhookURL, opts...)
	if err != nil {
		return err
	}
	gw := remote.Instrument(client)

	e.serial = serial.NewExecutor(serial.DefaultIdleTimeout)
	e.closers = append(e.closers, func() error {
		e.serial.Close()
		return nil
	})

	e.coord = coordinator.New(e.store, e.queue, gw, e.serial, coordinator.WithLogger(logger("[coordinator] ")))

	workerOpts := []worker.Option{
		worker.WithInterval(cfg.Drain.Interval),
		worker.WithConcurrency(cfg.Drain.Concurrency),
		worker.WithLogger(logger("[drain] ")),
	}
	if cfg.Email.Enabled() {
		n, err := notify.NewEmailNotifier(cfg.Email.APIKey, cfg.Email.FromName, cfg.Email.FromAddress, cfg.Email.To)
		if err != nil {
			return fmt.Errorf("failed to configure e-mail notifier: %w", err)
		}
		workerOpts = append(workerOpts, worker.WithNotifier(n))
	}
	e.worker = worker.NewWorker(workerID(), e.queue, e.store, gw, e.serial, workerOpts...)
	return nil
}

func workerID() string {
	if id := os.Getenv("NEXSYNC_WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "nexsync"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Printf("failed to close resource: %v", err)
		}
	}
	e.closers = nil
}
