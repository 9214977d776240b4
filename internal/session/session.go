// Package session implements the per-database session: every mutation runs
// on one sequential worker in submission order, reads run on a shared pool,
// and schema changes drive document migration.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/internal/executor"
	"github.com/syntrixbase/appsearch/internal/metrics"
	"github.com/syntrixbase/appsearch/internal/migration"
	"github.com/syntrixbase/appsearch/internal/observer"
	"github.com/syntrixbase/appsearch/pkg/model"
)

// Options configures a session.
type Options struct {
	// Migration configures the spill buffer of schema migrations.
	Migration migration.Options

	// Observers receives change notifications; nil disables them.
	Observers *observer.Manager

	// OnClose is called once the session has closed.
	OnClose func()

	Logger  *slog.Logger
	Metrics metrics.Metrics
}

// Session is a handle on one (package, database) pair.
type Session struct {
	pkg   string
	db    string
	store types.Store

	writer  *executor.Sequential
	readers executor.Executor

	observers     *observer.Manager
	onClose       func()
	validate      *validator.Validate
	migrationOpts migration.Options
	logger        *slog.Logger
	metrics       metrics.Metrics

	// mutated is written only from the writer. closed is set by Close, and
	// only once the writer has drained when the session mutated.
	mutated atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a session over store. readers is shared between sessions and
// is not stopped by Close.
func New(store types.Store, pkg, db string, readers executor.Executor, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "package", pkg, "database", db)

	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}

	migrationOpts := opts.Migration
	if migrationOpts.Logger == nil {
		migrationOpts.Logger = logger
	}
	if migrationOpts.Metrics == nil {
		migrationOpts.Metrics = m
	}

	return &Session{
		pkg:           pkg,
		db:            db,
		store:         store,
		writer:        executor.NewSequential(pkg+"/"+db, logger),
		readers:       readers,
		observers:     opts.Observers,
		onClose:       opts.OnClose,
		validate:      validator.New(),
		migrationOpts: migrationOpts,
		logger:        logger,
		metrics:       m,
	}
}

// PackageName returns the package the session belongs to.
func (s *Session) PackageName() string {
	return s.pkg
}

// DatabaseName returns the database the session operates on.
func (s *Session) DatabaseName() string {
	return s.db
}

// sessionExecutor reports a stopped executor as a closed session.
type sessionExecutor struct {
	executor.Executor
}

func (e sessionExecutor) Execute(task func()) error {
	if err := e.Executor.Execute(task); err != nil {
		if errors.Is(err, executor.ErrStopped) {
			return model.ErrSessionClosed
		}
		return err
	}
	return nil
}

// run submits fn to e, timing and logging it as operation op. Tasks run
// with a background context: once started they complete.
func run[T any](s *Session, e executor.Executor, op string, fn func(ctx context.Context) (T, error)) *executor.Future[T] {
	return executor.Submit[T](sessionExecutor{e}, func() (T, error) {
		start := time.Now()
		v, err := fn(context.Background())
		elapsed := time.Since(start)
		s.metrics.ObserveOperation(op, elapsed, err)
		if err != nil {
			s.logger.Debug("Operation failed", "operation", op, "duration", elapsed, "error", err)
		} else {
			s.logger.Debug("Operation completed", "operation", op, "duration", elapsed)
		}
		return v, err
	})
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return model.ErrSessionClosed
	}
	return nil
}

func (s *Session) validateRequest(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		return &model.Error{Code: model.ResultInvalidArgument, Message: "invalid request", Err: err}
	}
	return nil
}

// precheck returns a failed future when the session is closed or the
// request is invalid, nil otherwise.
func precheck[T any](s *Session, req interface{}) *executor.Future[T] {
	if err := s.checkOpen(); err != nil {
		return executor.Failed[T](err)
	}
	if req != nil {
		if err := s.validateRequest(req); err != nil {
			return executor.Failed[T](err)
		}
	}
	return nil
}

// scheduleOptimize queues a compaction check behind the triggering task.
// Its failure is logged and counted, never returned.
func (s *Session) scheduleOptimize(mutationCount int) {
	err := s.writer.Execute(func() {
		err := s.store.CheckForOptimize(context.Background(), mutationCount)
		s.metrics.IncOptimizeCheck(err)
		if err != nil {
			s.logger.Warn("Optimize check failed", "mutation_count", mutationCount, "error", err)
		}
	})
	if err != nil {
		s.logger.Debug("Optimize check not scheduled", "error", err)
	}
}

// tracked reports whether document changes need to be recorded.
func (s *Session) tracked() bool {
	return s.observers != nil && s.observers.Tracks(s.pkg)
}

func (s *Session) dispatch() {
	if s.observers != nil {
		s.observers.DispatchPending(context.Background())
	}
}

// SetSchema installs a new schema, migrating documents with the request's
// migrators where their type changes version.
func (s *Session) SetSchema(req model.SetSchemaRequest) *executor.Future[*model.SetSchemaResponse] {
	if f := precheck[*model.SetSchemaResponse](s, req); f != nil {
		return f
	}
	f := run(s, s.writer, "set_schema", func(ctx context.Context) (*model.SetSchemaResponse, error) {
		return s.setSchema(ctx, req)
	})
	// Forced schema changes can delete many documents.
	s.scheduleOptimize(0)
	return f
}

// GetSchema returns the stored schema of the database.
func (s *Session) GetSchema() *executor.Future[*model.GetSchemaResponse] {
	if f := precheck[*model.GetSchemaResponse](s, nil); f != nil {
		return f
	}
	return run(s, s.readers, "get_schema", func(ctx context.Context) (*model.GetSchemaResponse, error) {
		return s.store.GetSchema(ctx, s.pkg, s.db)
	})
}

// GetNamespaces lists the namespaces holding documents.
func (s *Session) GetNamespaces() *executor.Future[[]string] {
	if f := precheck[[]string](s, nil); f != nil {
		return f
	}
	return run(s, s.readers, "get_namespaces", func(ctx context.Context) ([]string, error) {
		return s.store.GetNamespaces(ctx, s.pkg, s.db)
	})
}

// Put inserts or replaces documents. Each document succeeds or fails on
// its own, keyed by id.
func (s *Session) Put(req model.PutDocumentsRequest) *executor.Future[*model.BatchResult[string, struct{}]] {
	if f := precheck[*model.BatchResult[string, struct{}]](s, req); f != nil {
		return f
	}
	f := run(s, s.writer, "put", func(ctx context.Context) (*model.BatchResult[string, struct{}], error) {
		tracked := s.tracked()
		builder := model.NewBatchResultBuilder[string, struct{}]()
		for _, doc := range req.Documents {
			if err := s.store.PutDocument(ctx, s.pkg, s.db, doc); err != nil {
				builder.SetFailure(doc.ID, model.WrapError(err))
				continue
			}
			builder.SetSuccess(doc.ID, struct{}{})
			if tracked {
				s.observers.OnDocumentChange(s.pkg, s.db, doc.Namespace, doc.SchemaType, doc.ID)
			}
		}
		s.mutated.Store(true)
		s.dispatch()
		return builder.Build(), nil
	})
	// Replaced documents leave space to reclaim.
	s.scheduleOptimize(len(req.Documents))
	return f
}

// Get fetches documents by id. Each id succeeds or fails on its own.
func (s *Session) Get(req model.GetByIDRequest) *executor.Future[*model.BatchResult[string, *model.Document]] {
	if f := precheck[*model.BatchResult[string, *model.Document]](s, req); f != nil {
		return f
	}
	return run(s, s.readers, "get", func(ctx context.Context) (*model.BatchResult[string, *model.Document], error) {
		builder := model.NewBatchResultBuilder[string, *model.Document]()
		for _, id := range req.IDs {
			doc, err := s.store.GetDocument(ctx, s.pkg, s.db, req.Namespace, id, req.Projections)
			if err != nil {
				builder.SetFailure(id, model.WrapError(err))
				continue
			}
			builder.SetSuccess(id, doc)
		}
		return builder.Build(), nil
	})
}

// Search returns a lazy sequence over the documents matching query. Pages
// are read from a snapshot taken when the first page is requested.
func (s *Session) Search(query string, spec model.SearchSpec) (*SearchResults, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validateRequest(spec); err != nil {
		return nil, err
	}
	return newSearchResults(s, query, spec), nil
}

// ReportUsage records that a document was used.
func (s *Session) ReportUsage(req model.ReportUsageRequest) *executor.Future[struct{}] {
	if f := precheck[struct{}](s, req); f != nil {
		return f
	}
	return run(s, s.writer, "report_usage", func(ctx context.Context) (struct{}, error) {
		if err := s.store.ReportUsage(ctx, s.pkg, s.db, req.Namespace, req.ID, req.UsageTimestampMillis); err != nil {
			return struct{}{}, err
		}
		s.mutated.Store(true)
		return struct{}{}, nil
	})
}

// Remove deletes documents by id. Each id succeeds or fails on its own.
func (s *Session) Remove(req model.RemoveByIDRequest) *executor.Future[*model.BatchResult[string, struct{}]] {
	if f := precheck[*model.BatchResult[string, struct{}]](s, req); f != nil {
		return f
	}
	f := run(s, s.writer, "remove", func(ctx context.Context) (*model.BatchResult[string, struct{}], error) {
		tracked := s.tracked()
		builder := model.NewBatchResultBuilder[string, struct{}]()
		for _, id := range req.IDs {
			schemaType := ""
			if tracked {
				if doc, err := s.store.GetDocument(ctx, s.pkg, s.db, req.Namespace, id, noProperties); err == nil {
					schemaType = doc.SchemaType
				}
			}
			if err := s.store.Remove(ctx, s.pkg, s.db, req.Namespace, id); err != nil {
				builder.SetFailure(id, model.WrapError(err))
				continue
			}
			builder.SetSuccess(id, struct{}{})
			if schemaType != "" {
				s.observers.OnDocumentChange(s.pkg, s.db, req.Namespace, schemaType, id)
			}
		}
		s.mutated.Store(true)
		s.dispatch()
		return builder.Build(), nil
	})
	s.scheduleOptimize(len(req.IDs))
	return f
}

// noProperties projects every type down to its identity.
var noProperties = map[string][]string{model.ProjectionAll: {}}

// RemoveByQuery deletes every document matching query.
func (s *Session) RemoveByQuery(query string, spec model.SearchSpec) *executor.Future[struct{}] {
	if f := precheck[struct{}](s, spec); f != nil {
		return f
	}
	f := run(s, s.writer, "remove_by_query", func(ctx context.Context) (struct{}, error) {
		if s.tracked() {
			if err := s.recordMatches(ctx, query, spec); err != nil {
				return struct{}{}, err
			}
		}
		n, err := s.store.RemoveByQuery(ctx, s.pkg, s.db, query, spec)
		if err != nil {
			return struct{}{}, err
		}
		s.mutated.Store(true)
		s.dispatch()
		s.logger.Debug("Documents removed by query", "count", n)
		return struct{}{}, nil
	})
	s.scheduleOptimize(0)
	return f
}

// recordMatches queues a change for every document the query matches. It
// runs on the writer, so the matches are exactly what the removal deletes.
func (s *Session) recordMatches(ctx context.Context, query string, spec model.SearchSpec) error {
	spec.RankingStrategy = model.RankingNone
	spec.Projections = noProperties
	cur, err := s.store.Query(ctx, s.pkg, s.db, query, spec)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		page, err := cur.NextPage(ctx)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, r := range page {
			s.observers.OnDocumentChange(s.pkg, s.db, r.Document.Namespace, r.Document.SchemaType, r.Document.ID)
		}
	}
}

// GetStorageInfo reports the space used by the database.
func (s *Session) GetStorageInfo() *executor.Future[*model.StorageInfo] {
	if f := precheck[*model.StorageInfo](s, nil); f != nil {
		return f
	}
	return run(s, s.readers, "get_storage_info", func(ctx context.Context) (*model.StorageInfo, error) {
		return s.store.GetStorageInfo(ctx, s.pkg, s.db)
	})
}

// Flush makes every write acknowledged so far durable, whether or not the
// session mutated anything.
func (s *Session) Flush() *executor.Future[struct{}] {
	return run(s, s.writer, "flush", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.PersistToDisk(ctx)
	})
}

// Close persists a mutated session and releases its writer. An unmutated
// session is marked closed at once. Tasks accepted before the writer stops
// still run and are covered by the persist. Calling Close again is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if !s.mutated.Load() {
			s.closed.Store(true)
		}
		s.writer.Stop()
		s.closed.Store(true)

		if s.mutated.Load() {
			s.closeErr = s.store.PersistToDisk(context.Background())
		}
		if s.closeErr != nil {
			s.logger.Warn("Failed to persist on close", "error", s.closeErr)
		}
		s.logger.Debug("Session closed", "mutated", s.mutated.Load())
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}
