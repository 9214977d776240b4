// Package localstorage opens a local document store and hands out search
// sessions over it. One LocalStorage owns the storage engine, the read pool
// shared by its sessions, the observer manager and the optional change feed.
package localstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/syntrixbase/appsearch/internal/config"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
	"github.com/syntrixbase/appsearch/internal/core/pubsub/nats"
	"github.com/syntrixbase/appsearch/internal/core/storage"
	"github.com/syntrixbase/appsearch/internal/executor"
	"github.com/syntrixbase/appsearch/internal/metrics"
	"github.com/syntrixbase/appsearch/internal/migration"
	"github.com/syntrixbase/appsearch/internal/observer"
	"github.com/syntrixbase/appsearch/internal/session"
	"github.com/syntrixbase/appsearch/pkg/model"
)

var (
	// ErrClosed is returned by any operation after Close
	ErrClosed = errors.New("local storage is closed")
)

// Swapped in tests.
var (
	openStore = storage.NewStore

	newFeedProvider = func(cfg config.ObserverConfig, logger *slog.Logger) pubsub.Provider {
		return nats.NewProvider(cfg.NatsURL, cfg.ClientName, logger)
	}
)

// Options configures Open.
type Options struct {
	// Config is the loaded application configuration. Nil uses the defaults.
	Config *config.Config

	Logger *slog.Logger

	// Registerer receives the Prometheus collectors; nil disables metrics.
	Registerer prometheus.Registerer
}

// LocalStorage is an open store. It is safe for concurrent use.
type LocalStorage struct {
	cfg       *config.Config
	store     storage.Store
	readers   *executor.Pool
	observers *observer.Manager
	provider  pubsub.Provider
	publisher pubsub.Publisher
	worker    *maintenanceWorker
	metrics   metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	closed   bool
}

// Open opens the store described by opts.Config and, when the change feed
// is enabled, connects to the broker. ctx bounds the connection attempt
// and the lifetime of the maintenance worker.
func Open(ctx context.Context, opts Options) (*LocalStorage, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
		if err := cfg.Apply(config.DefaultConfigDir); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var m metrics.Metrics = &metrics.NoopMetrics{}
	if opts.Registerer != nil {
		pm, err := metrics.NewPrometheus(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		m = pm
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	ls := &LocalStorage{
		cfg:      cfg,
		store:    store,
		readers:  executor.NewPool(cfg.Session.ReadPoolSize, logger),
		sessions: make(map[*session.Session]struct{}),
		metrics:  m,
		logger:   logger.With("component", "local-storage"),
	}

	if cfg.Observer.FeedEnabled {
		if err := ls.connectFeed(ctx, logger); err != nil {
			ls.readers.Stop()
			if cerr := store.Close(); cerr != nil {
				ls.logger.Warn("Failed to close store after feed error", "error", cerr)
			}
			return nil, err
		}
	}

	ls.observers = observer.NewManager(observer.Options{
		Publisher: ls.publisher,
		Logger:    logger,
		Metrics:   m,
	})

	ls.worker = newMaintenanceWorker(store, cfg.Session.MaintenanceInterval, logger, m)
	ls.worker.Start(ctx)

	ls.logger.Info("Local storage opened",
		"path", cfg.Storage.Path,
		"in_memory", cfg.Storage.InMemory,
		"read_pool_size", ls.readers.Size(),
		"change_feed", cfg.Observer.FeedEnabled)
	return ls, nil
}

func (l *LocalStorage) connectFeed(ctx context.Context, logger *slog.Logger) error {
	provider := newFeedProvider(l.cfg.Observer, logger)
	if err := provider.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect change feed: %w", err)
	}
	publisher, err := provider.NewPublisher(pubsub.PublisherOptions{
		StreamName:    l.cfg.Observer.StreamName,
		SubjectPrefix: l.cfg.Observer.SubjectPrefix,
		RetryAttempts: l.cfg.Observer.RetryAttempts,
		Storage:       pubsub.ParseStorageType(l.cfg.Observer.Storage),
		MaxAge:        l.cfg.Observer.MaxAge,
	})
	if err != nil {
		if cerr := provider.Close(); cerr != nil {
			logger.Warn("Failed to close change feed provider", "error", cerr)
		}
		return fmt.Errorf("failed to create change feed publisher: %w", err)
	}
	l.provider = provider
	l.publisher = publisher
	return nil
}

// CreateSearchSession opens a session on (pkg, db). Sessions still open
// when the storage closes are closed with it.
func (l *LocalStorage) CreateSearchSession(pkg, db string) (*session.Session, error) {
	if pkg == "" {
		return nil, model.NewError(model.ResultInvalidArgument, "package name cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	var s *session.Session
	s = session.New(l.store, pkg, db, l.readers, session.Options{
		Migration: migration.Options{
			TempDir:  l.cfg.Migration.TempDir,
			InMemory: l.cfg.Migration.InMemory,
			PageSize: l.cfg.Migration.PageSize,
		},
		Observers: l.observers,
		Logger:    l.logger,
		Metrics:   l.metrics,
		OnClose:   func() { l.forget(s) },
	})
	l.sessions[s] = struct{}{}
	return s, nil
}

// forget drops a closed session from the open set.
func (l *LocalStorage) forget(s *session.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s)
}

// OpenSessions returns the number of sessions not yet closed.
func (l *LocalStorage) OpenSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// RegisterObserver adds an observer for changes to the databases of
// observedPackage made through any session of this storage.
func (l *LocalStorage) RegisterObserver(observedPackage string, spec model.ObserverSpec, callback model.ObserverCallback) (string, error) {
	if l.isClosed() {
		return "", ErrClosed
	}
	return l.observers.RegisterObserver(observedPackage, spec, callback)
}

// UnregisterObserver removes an observer added by RegisterObserver.
func (l *LocalStorage) UnregisterObserver(observedPackage, id string) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.observers.UnregisterObserver(observedPackage, id)
}

// CheckForOptimize compacts the store if enough obsolete data accumulated.
func (l *LocalStorage) CheckForOptimize(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	err := l.store.CheckForOptimize(ctx, 0)
	l.metrics.IncOptimizeCheck(err)
	return err
}

func (l *LocalStorage) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close closes the open sessions, stops background work and closes the
// store. It is safe to call more than once.
func (l *LocalStorage) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()

	var errs []error
	for s := range sessions {
		if err := s.Close(); err != nil && !errors.Is(err, model.ErrSessionClosed) {
			errs = append(errs, fmt.Errorf("failed to close session %s/%s: %w", s.PackageName(), s.DatabaseName(), err))
		}
	}

	l.worker.Stop()
	l.observers.DispatchPending(context.Background())
	l.observers.Close()
	l.readers.Stop()

	if l.publisher != nil {
		if err := l.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close change feed publisher: %w", err))
		}
	}
	if l.provider != nil {
		if err := l.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close change feed provider: %w", err))
		}
	}
	if err := l.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	l.logger.Info("Local storage closed")
	return errors.Join(errs...)
}
