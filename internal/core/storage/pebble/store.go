// Package pebble implements the document storage engine on PebbleDB.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/syntrixbase/appsearch/internal/core/query"
	"github.com/syntrixbase/appsearch/internal/core/storage/config"
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

// Store is a durable document store backed by a single PebbleDB instance.
type Store struct {
	db        *pebble.DB
	cfg       config.Config
	logger    *slog.Logger
	writeOpts *pebble.WriteOptions
	matcher   *query.Matcher
	now       func() time.Time

	// writeMu serializes read-modify-write mutations across sessions
	writeMu sync.Mutex

	// mu protects closed and cursors
	mu      sync.RWMutex
	closed  bool
	cursors map[*cursor]struct{}

	optMu    sync.Mutex
	optimize optimizeRecord
}

var _ types.Store = (*Store)(nil)

// Open opens (or creates) the store described by cfg.
func Open(cfg config.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pebble-store")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &pebble.Options{}
	dir := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		dir = ""
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	cache := pebble.NewCache(cfg.BlockCacheSize)
	defer cache.Unref()
	opts.Cache = cache

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	writeOpts := pebble.NoSync
	if cfg.SyncWrites {
		writeOpts = pebble.Sync
	}

	matcher, err := query.Default()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create query matcher: %w", err)
	}

	s := &Store{
		db:        db,
		cfg:       cfg,
		logger:    logger,
		writeOpts: writeOpts,
		matcher:   matcher,
		now:       time.Now,
		cursors:   make(map[*cursor]struct{}),
	}
	if err := s.loadOptimize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Store opened", "path", dir, "in_memory", cfg.InMemory)
	return s, nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Store) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// Close closes open cursors and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cursors := make([]*cursor, 0, len(s.cursors))
	for c := range s.cursors {
		cursors = append(cursors, c)
	}
	s.mu.Unlock()

	for _, c := range cursors {
		c.Close()
	}

	var closeErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				closeErr = fmt.Errorf("%v", r)
			}
		}()
		closeErr = s.db.Close()
	}()
	if closeErr != nil {
		return fmt.Errorf("failed to close pebble database: %w", closeErr)
	}
	s.logger.Info("Store closed")
	return nil
}

func (s *Store) loadSchema(r reader, pkg, db string) (*schemaRecord, error) {
	data, err := getValue(r, schemaKey(pkg, db))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &schemaRecord{}, nil
	}
	return decodeSchema(data)
}

// GetSchema returns the stored schema; a database without schema has none.
func (s *Store) GetSchema(ctx context.Context, pkg, db string) (*model.GetSchemaResponse, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	rec, err := s.loadSchema(s.db, pkg, db)
	if err != nil {
		return nil, err
	}
	return &model.GetSchemaResponse{
		Schemas:    rec.Types,
		Version:    rec.Version,
		Visibility: rec.Visibility,
	}, nil
}

// hasDocuments reports whether the type index holds any key for schemaType.
func (s *Store) hasDocuments(r iterReader, pkg, db, schemaType string) (bool, error) {
	prefix := typePrefix(pkg, db, schemaType)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	defer iter.Close()
	return iter.First(), iter.Error()
}

// SetSchema diffs the new schema against the stored one and applies it.
func (s *Store) SetSchema(ctx context.Context, pkg, db string, schemas []model.SchemaType, visibility model.Visibility, forceOverride bool, version int) (*types.SetSchemaResult, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	next, err := validateSchema(schemas)
	if err != nil {
		return nil, err
	}
	fingerprint, err := schemaFingerprint(version, schemas, visibility)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.loadSchema(s.db, pkg, db)
	if err != nil {
		return nil, err
	}
	if prev.Fingerprint == fingerprint && len(prev.Types) > 0 {
		return &types.SetSchemaResult{Applied: true}, nil
	}

	deletedAll, incompatibleAll := diffSchema(prev.typeMap(), next)
	result := &types.SetSchemaResult{Applied: true}
	for _, name := range deletedAll {
		has, err := s.hasDocuments(s.db, pkg, db, name)
		if err != nil {
			return nil, err
		}
		if has {
			result.DeletedTypes = append(result.DeletedTypes, name)
		}
	}
	for _, name := range incompatibleAll {
		has, err := s.hasDocuments(s.db, pkg, db, name)
		if err != nil {
			return nil, err
		}
		if has {
			result.IncompatibleTypes = append(result.IncompatibleTypes, name)
		}
	}
	if result.HasChanges() && !forceOverride {
		result.Applied = false
		return result, nil
	}

	data, err := encodeSchema(&schemaRecord{
		Version:     version,
		Types:       schemas,
		Visibility:  visibility,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(schemaKey(pkg, db), data, nil); err != nil {
		return nil, fmt.Errorf("failed to batch write schema: %w", err)
	}

	removed := 0
	for _, name := range result.DeletedTypes {
		n, err := s.removeType(batch, pkg, db, name, nil)
		if err != nil {
			return nil, err
		}
		removed += n
	}
	for _, name := range result.IncompatibleTypes {
		n, err := s.removeType(batch, pkg, db, name, func(doc *model.Document) bool {
			return validateDocument(next, doc) != nil
		})
		if err != nil {
			return nil, err
		}
		removed += n
	}

	if err := batch.Commit(s.writeOpts); err != nil {
		return nil, fmt.Errorf("%w: failed to commit schema: %v", model.ErrIO, err)
	}
	s.logger.Debug("Schema applied",
		"package", pkg, "database", db, "version", version,
		"deleted", result.DeletedTypes, "incompatible", result.IncompatibleTypes, "removed_documents", removed)
	return result, nil
}

// removeType deletes the documents of schemaType selected by shouldRemove
// (all when nil) into batch.
func (s *Store) removeType(batch *pebble.Batch, pkg, db, schemaType string, shouldRemove func(*model.Document) bool) (int, error) {
	prefix := typePrefix(pkg, db, schemaType)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		ns, id, err := parseKeySuffix(iter.Key(), prefix)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrCorrupted, err)
		}
		dk := docKey(pkg, db, ns, id)
		if shouldRemove != nil {
			doc, _, err := s.loadDocument(s.db, dk)
			if err != nil && !errors.Is(err, model.ErrCorrupted) {
				return 0, err
			}
			if doc != nil && !shouldRemove(doc) {
				continue
			}
		}
		if err := batch.Delete(dk, nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	return count, nil
}

// loadDocument returns the document and its record; (nil, nil, nil) when absent.
func (s *Store) loadDocument(r reader, key []byte) (*model.Document, *docRecord, error) {
	data, err := getValue(r, key)
	if err != nil || data == nil {
		return nil, nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	doc, err := rec.document()
	if err != nil {
		return nil, rec, err
	}
	return doc, rec, nil
}

// PutDocument validates doc against the database schema and stores it,
// replacing any document with the same key.
func (s *Store) PutDocument(ctx context.Context, pkg, db string, doc *model.Document) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%w: document cannot be nil", model.ErrInvalidArgument)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	schema, err := s.loadSchema(s.db, pkg, db)
	if err != nil {
		return err
	}
	if err := validateDocument(schema.typeMap(), doc); err != nil {
		return err
	}

	doc = doc.Clone()
	if doc.CreationTimestampMillis == 0 {
		doc.CreationTimestampMillis = s.nowMillis()
	}

	key := docKey(pkg, db, doc.Namespace, doc.ID)
	batch := s.db.NewBatch()
	defer batch.Close()

	old, err := getValue(s.db, key)
	if err != nil {
		return err
	}
	if old != nil {
		if rec, err := decodeRecord(old); err == nil && rec.SchemaType != doc.SchemaType {
			if err := batch.Delete(typeKey(pkg, db, rec.SchemaType, doc.Namespace, doc.ID), nil); err != nil {
				return fmt.Errorf("failed to batch delete: %w", err)
			}
		}
	}

	data, err := encodeDocument(doc, 0, 0)
	if err != nil {
		return err
	}
	if err := batch.Set(key, data, nil); err != nil {
		return fmt.Errorf("failed to batch write document: %w", err)
	}
	if err := batch.Set(typeKey(pkg, db, doc.SchemaType, doc.Namespace, doc.ID), nil, nil); err != nil {
		return fmt.Errorf("failed to batch write type index: %w", err)
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("%w: failed to commit document: %v", model.ErrIO, err)
	}
	return nil
}

// GetDocument returns an alive document with projections applied.
func (s *Store) GetDocument(ctx context.Context, pkg, db, namespace, id string, projections map[string][]string) (*model.Document, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	doc, rec, err := s.loadDocument(s.db, docKey(pkg, db, namespace, id))
	if err != nil {
		return nil, err
	}
	if doc == nil || rec.expired(s.nowMillis()) {
		return nil, fmt.Errorf("%w: document (%s, %s)", model.ErrNotFound, namespace, id)
	}
	return applyProjection(doc, projections), nil
}

// Remove deletes one alive document.
func (s *Store) Remove(ctx context.Context, pkg, db, namespace, id string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := docKey(pkg, db, namespace, id)
	data, err := getValue(s.db, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: document (%s, %s)", model.ErrNotFound, namespace, id)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if rec.expired(s.nowMillis()) {
		return fmt.Errorf("%w: document (%s, %s)", model.ErrNotFound, namespace, id)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key, nil); err != nil {
		return fmt.Errorf("failed to batch delete: %w", err)
	}
	if err := batch.Delete(typeKey(pkg, db, rec.SchemaType, namespace, id), nil); err != nil {
		return fmt.Errorf("failed to batch delete: %w", err)
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("%w: failed to commit delete: %v", model.ErrIO, err)
	}
	return nil
}

// ReportUsage bumps the usage count and last-used timestamp of a document.
func (s *Store) ReportUsage(ctx context.Context, pkg, db, namespace, id string, usageMillis int64) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := docKey(pkg, db, namespace, id)
	data, err := getValue(s.db, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: document (%s, %s)", model.ErrNotFound, namespace, id)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if rec.expired(s.nowMillis()) {
		return fmt.Errorf("%w: document (%s, %s)", model.ErrNotFound, namespace, id)
	}

	rec.UsageCount++
	if usageMillis > rec.LastUsedMillis {
		rec.LastUsedMillis = usageMillis
	}
	updated, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode document record: %w", err)
	}
	if err := s.db.Set(key, updated, s.writeOpts); err != nil {
		return fmt.Errorf("%w: failed to write usage: %v", model.ErrIO, err)
	}
	return nil
}

// scanDocuments calls fn for every record of the database in key order.
func (s *Store) scanDocuments(r iterReader, pkg, db string, fn func(key []byte, rec *docRecord) error) error {
	prefix := docPrefix(pkg, db)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), rec); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	return nil
}

// GetNamespaces lists the namespaces holding alive documents, sorted.
func (s *Store) GetNamespaces(ctx context.Context, pkg, db string) ([]string, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	now := s.nowMillis()
	prefix := docPrefix(pkg, db)
	seen := make(map[string]struct{})
	err := s.scanDocuments(s.db, pkg, db, func(key []byte, rec *docRecord) error {
		if rec.expired(now) {
			return nil
		}
		ns, _, err := parseKeySuffix(key, prefix)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrCorrupted, err)
		}
		seen[ns] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

// GetStorageInfo reports the space and alive counts of a database.
func (s *Store) GetStorageInfo(ctx context.Context, pkg, db string) (*model.StorageInfo, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	now := s.nowMillis()
	prefix := docPrefix(pkg, db)
	namespaces := make(map[string]struct{})
	info := &model.StorageInfo{}
	var logical int64
	err := s.scanDocuments(s.db, pkg, db, func(key []byte, rec *docRecord) error {
		logical += int64(len(key) + len(rec.Payload))
		if rec.expired(now) {
			return nil
		}
		ns, _, err := parseKeySuffix(key, prefix)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrCorrupted, err)
		}
		namespaces[ns] = struct{}{}
		info.AliveDocumentsCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	info.AliveNamespacesCount = len(namespaces)

	var estimated uint64
	for _, p := range [][]byte{prefix, typeDatabasePrefix(pkg, db)} {
		n, err := s.db.EstimateDiskUsage(p, prefixUpperBound(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
		}
		estimated += n
	}
	info.SizeBytes = int64(estimated)
	if info.SizeBytes < logical {
		// Recent writes still live in the memtable.
		info.SizeBytes = logical
	}
	return info, nil
}

// PersistToDisk syncs the WAL and flushes memtables.
func (s *Store) PersistToDisk(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("%w: failed to sync log: %v", model.ErrIO, err)
	}
	if err := s.db.Flush(); err != nil {
		return fmt.Errorf("%w: failed to flush: %v", model.ErrIO, err)
	}
	return nil
}

// iterReader is satisfied by *pebble.DB and *pebble.Snapshot.
type iterReader interface {
	reader
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}
