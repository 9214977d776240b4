// Package migration transforms the documents of a database between schema
// versions. Transformed documents are spilled to a private PebbleDB buffer
// while the old schema is still installed and written back once the new
// schema is committed.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/internal/metrics"
	"github.com/syntrixbase/appsearch/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	defaultPageSize = 100

	opPut    = "put"
	opDelete = "delete"
)

var (
	// ErrHelperClosed is returned by any operation after Close
	ErrHelperClosed = errors.New("migration helper is closed")
)

// Options configures a migration helper.
type Options struct {
	// TempDir is the parent directory of the spill buffer; empty uses os.TempDir.
	TempDir string

	// InMemory keeps the spill buffer in memory.
	InMemory bool

	// PageSize is the number of documents read per query page.
	PageSize int

	// Logger for helper operations.
	Logger *slog.Logger

	// Metrics receives migrated and failed document counts.
	Metrics metrics.Metrics
}

// spillRecord is one buffered operation, replayed in sequence order.
type spillRecord struct {
	Op         string          `bson:"op"`
	SchemaType string          `bson:"schema_type"`
	Namespace  string          `bson:"namespace"`
	ID         string          `bson:"id"`
	Document   *model.Document `bson:"document,omitempty"`
}

// Change identifies a document written or removed by ReadAndPutDocuments.
type Change struct {
	Namespace  string
	ID         string
	SchemaType string
}

// Helper migrates documents for one setSchema call. It owns its spill
// buffer exclusively; Close must be called on every path.
type Helper struct {
	store   types.Store
	pkg     string
	db      string
	buf     *pebble.DB
	dir     string
	seq     uint64
	opts    Options
	logger  *slog.Logger
	metrics metrics.Metrics

	failures []model.MigrationFailure
	changes  []Change
	closed   bool
}

// NewHelper acquires a fresh spill buffer for migrating (pkg, db).
func NewHelper(store types.Store, pkg, db string, opts Options) (*Helper, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migration-helper", "package", pkg, "database", db)

	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}

	dbOpts := &pebble.Options{}
	dir := ""
	if opts.InMemory {
		dbOpts.FS = vfs.NewMem()
	} else {
		var err error
		if opts.TempDir != "" {
			if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create migration temp directory: %w", err)
			}
		}
		dir, err = os.MkdirTemp(opts.TempDir, "appsearch-migration-")
		if err != nil {
			return nil, fmt.Errorf("failed to create migration buffer directory: %w", err)
		}
	}

	buf, err := pebble.Open(dir, dbOpts)
	if err != nil {
		if dir != "" {
			os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("failed to open migration buffer: %w", err)
	}

	return &Helper{
		store:   store,
		pkg:     pkg,
		db:      db,
		buf:     buf,
		dir:     dir,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}, nil
}

// Dir returns the on-disk location of the buffer; empty when in memory.
func (h *Helper) Dir() string {
	return h.dir
}

// Failures returns the failures recorded so far.
func (h *Helper) Failures() []model.MigrationFailure {
	return append([]model.MigrationFailure(nil), h.failures...)
}

// Changes returns the documents ReadAndPutDocuments wrote or removed, in
// replay order.
func (h *Helper) Changes() []Change {
	return append([]Change(nil), h.changes...)
}

func (h *Helper) nextKey() []byte {
	h.seq++
	return []byte(fmt.Sprintf("%020d", h.seq))
}

func (h *Helper) spill(batch *pebble.Batch, rec spillRecord) error {
	data, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode migrated document: %w", err)
	}
	if err := batch.Set(h.nextKey(), data, nil); err != nil {
		return fmt.Errorf("failed to batch write migrated document: %w", err)
	}
	return nil
}

// QueryAndTransform reads every document of schemaType, passes it through
// the migrator and buffers the outcome. Transform failures are recorded per
// document; read failures abort the call.
func (h *Helper) QueryAndTransform(ctx context.Context, schemaType string, migrator model.Migrator, currentVersion, finalVersion int) error {
	if h.closed {
		return ErrHelperClosed
	}

	cur, err := h.store.Query(ctx, h.pkg, h.db, "", model.SearchSpec{
		FilterSchemaTypes:  []string{schemaType},
		ResultCountPerPage: h.opts.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to query %q documents: %w", schemaType, err)
	}
	defer cur.Close()

	migrated, failed := 0, 0
	for {
		page, err := cur.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to read %q documents: %w", schemaType, err)
		}
		if len(page) == 0 {
			break
		}

		batch := h.buf.NewBatch()
		for _, r := range page {
			// Migrators may edit the document they are given in place.
			oldKey := r.Document.Key()
			next, err := transform(ctx, migrator, currentVersion, finalVersion, r.Document)
			if err != nil {
				h.failures = append(h.failures, model.MigrationFailure{
					Namespace:  oldKey.Namespace,
					ID:         oldKey.ID,
					SchemaType: schemaType,
					Err:        model.WrapError(err),
				})
				failed++
				continue
			}
			if next == nil || next.Key() != oldKey {
				if err := h.spill(batch, spillRecord{Op: opDelete, SchemaType: schemaType, Namespace: oldKey.Namespace, ID: oldKey.ID}); err != nil {
					batch.Close()
					return err
				}
			}
			if next != nil {
				if err := h.spill(batch, spillRecord{Op: opPut, SchemaType: next.SchemaType, Namespace: next.Namespace, ID: next.ID, Document: next}); err != nil {
					batch.Close()
					return err
				}
			}
			migrated++
		}
		if err := batch.Commit(pebble.NoSync); err != nil {
			batch.Close()
			return fmt.Errorf("failed to commit migrated documents: %w", err)
		}
		batch.Close()
	}

	h.metrics.IncMigratedDocuments(schemaType, migrated)
	if failed > 0 {
		h.metrics.IncMigrationFailures(schemaType, failed)
	}
	h.logger.Debug("Documents transformed",
		"schema_type", schemaType, "from_version", currentVersion, "to_version", finalVersion,
		"migrated", migrated, "failed", failed)
	return nil
}

func transform(ctx context.Context, migrator model.Migrator, currentVersion, finalVersion int, doc *model.Document) (next *model.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.Error{
				Code:    model.ResultInternalError,
				Message: "migrator panicked",
				Err:     fmt.Errorf("%v\n%s", r, debug.Stack()),
			}
		}
	}()
	if currentVersion < finalVersion {
		return migrator.OnUpgrade(ctx, currentVersion, finalVersion, doc)
	}
	return migrator.OnDowngrade(ctx, currentVersion, finalVersion, doc)
}

// ReadAndPutDocuments replays the buffer into the store in order and folds
// every failure into builder.
func (h *Helper) ReadAndPutDocuments(ctx context.Context, builder *model.SetSchemaResponseBuilder) (*model.SetSchemaResponse, error) {
	if h.closed {
		return nil, ErrHelperClosed
	}

	iter, err := h.buf.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	failures := h.failures
	put, removed := 0, 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec spillRecord
		if err := bson.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode migrated document: %w", err)
		}

		switch rec.Op {
		case opPut:
			if err := h.store.PutDocument(ctx, h.pkg, h.db, rec.Document); err != nil {
				if model.IsCanceled(err) {
					return nil, err
				}
				failures = append(failures, model.MigrationFailure{
					Namespace:  rec.Namespace,
					ID:         rec.ID,
					SchemaType: rec.SchemaType,
					Err:        model.WrapError(err),
				})
				continue
			}
			put++
		case opDelete:
			// The final apply may already have removed an incompatible document.
			err := h.store.Remove(ctx, h.pkg, h.db, rec.Namespace, rec.ID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				if model.IsCanceled(err) {
					return nil, err
				}
				failures = append(failures, model.MigrationFailure{
					Namespace:  rec.Namespace,
					ID:         rec.ID,
					SchemaType: rec.SchemaType,
					Err:        model.WrapError(err),
				})
				continue
			}
			removed++
		default:
			return nil, fmt.Errorf("unknown migration operation %q", rec.Op)
		}
		h.changes = append(h.changes, Change{Namespace: rec.Namespace, ID: rec.ID, SchemaType: rec.SchemaType})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read migration buffer: %w", err)
	}

	h.logger.Debug("Migrated documents written", "put", put, "removed", removed, "failures", len(failures))
	return builder.AddMigrationFailures(failures...).Build(), nil
}

// Close releases the spill buffer. It is safe to call more than once.
func (h *Helper) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var closeErr error
	if err := h.buf.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close migration buffer: %w", err)
	}
	if h.dir != "" {
		if err := os.RemoveAll(h.dir); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("failed to remove migration buffer: %w", err)
		}
	}
	return closeErr
}
