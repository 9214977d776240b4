// Package types defines the document storage engine contract consumed by
// sessions and the migration helper.
package types

import (
	"context"
	"errors"

	"github.com/syntrixbase/appsearch/pkg/model"
)

var (
	// ErrStoreClosed is returned by any operation after Close
	ErrStoreClosed = errors.New("store is closed")
)

// SetSchemaResult is the outcome of one schema application attempt.
type SetSchemaResult struct {
	// DeletedTypes are types present before and absent from the new schema.
	DeletedTypes []string
	// IncompatibleTypes are types whose stored documents may violate the new definition.
	IncompatibleTypes []string
	// Applied is false when the schema was rejected without force override.
	Applied bool
}

// HasChanges reports whether any type was deleted or became incompatible.
func (r *SetSchemaResult) HasChanges() bool {
	return len(r.DeletedTypes) > 0 || len(r.IncompatibleTypes) > 0
}

// Cursor pages lazily through query results. An empty page means the
// cursor is exhausted.
type Cursor interface {
	NextPage(ctx context.Context) ([]model.SearchResult, error)
	Close() error
}

// Store is the document storage engine. Implementations are durable,
// crash-consistent and safe for concurrent use within one process.
type Store interface {
	// GetSchema returns the stored schema and version of a database.
	GetSchema(ctx context.Context, pkg, db string) (*model.GetSchemaResponse, error)

	// SetSchema replaces the schema of a database. Without forceOverride a
	// schema that deletes or breaks types holding documents is not applied.
	SetSchema(ctx context.Context, pkg, db string, schemas []model.SchemaType, visibility model.Visibility, forceOverride bool, version int) (*SetSchemaResult, error)

	// PutDocument validates and inserts or replaces a document.
	PutDocument(ctx context.Context, pkg, db string, doc *model.Document) error

	// GetDocument retrieves a document, applying projections when given.
	GetDocument(ctx context.Context, pkg, db, namespace, id string, projections map[string][]string) (*model.Document, error)

	// Remove deletes one document.
	Remove(ctx context.Context, pkg, db, namespace, id string) error

	// RemoveByQuery deletes all matching documents and returns how many were removed.
	RemoveByQuery(ctx context.Context, pkg, db, query string, spec model.SearchSpec) (int, error)

	// Query returns a lazy cursor over matching documents.
	Query(ctx context.Context, pkg, db, query string, spec model.SearchSpec) (Cursor, error)

	// ReportUsage records a usage of a document.
	ReportUsage(ctx context.Context, pkg, db, namespace, id string, usageMillis int64) error

	// GetNamespaces lists namespaces holding alive documents.
	GetNamespaces(ctx context.Context, pkg, db string) ([]string, error)

	// GetStorageInfo reports space usage for a database.
	GetStorageInfo(ctx context.Context, pkg, db string) (*model.StorageInfo, error)

	// PersistToDisk makes every acknowledged write durable.
	PersistToDisk(ctx context.Context) error

	// CheckForOptimize reclaims space when enough mutations accumulated.
	// mutationCount is a hint of how many documents the caller just changed.
	CheckForOptimize(ctx context.Context, mutationCount int) error

	// CompactIfDue reclaims space like CheckForOptimize without deleting
	// any document, so it may run outside the session writers.
	CompactIfDue(ctx context.Context) error

	// Close releases the engine.
	Close() error
}
