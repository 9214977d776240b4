package pebble

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/syntrixbase/appsearch/pkg/model"
	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
)

// schemaRecord is the stored schema of one database.
type schemaRecord struct {
	Version     int                `bson:"version"`
	Types       []model.SchemaType `bson:"types"`
	Visibility  model.Visibility   `bson:"visibility"`
	Fingerprint int64              `bson:"fingerprint"`
}

func (r *schemaRecord) typeMap() map[string]model.SchemaType {
	m := make(map[string]model.SchemaType, len(r.Types))
	for _, t := range r.Types {
		m[t.Name] = t
	}
	return m
}

// docRecord wraps an encoded document. Checksum covers Payload only; the
// usage counters change without rewriting the document.
type docRecord struct {
	SchemaType     string `bson:"schema_type"`
	ExpiresAt      int64  `bson:"expires_at,omitempty"`
	UsageCount     int64  `bson:"usage_count,omitempty"`
	LastUsedMillis int64  `bson:"last_used,omitempty"`
	Payload        []byte `bson:"payload"`
	Checksum       []byte `bson:"checksum"`
}

func (r *docRecord) expired(nowMillis int64) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= nowMillis
}

// canonicalSchema is the map-free form of a schema used for fingerprinting.
type canonicalSchema struct {
	Version  int                `bson:"version"`
	Types    []model.SchemaType `bson:"types"`
	Hidden   []string           `bson:"hidden"`
	Packages []canonicalAccess  `bson:"packages"`
}

type canonicalAccess struct {
	SchemaType string                    `bson:"schema_type"`
	Packages   []model.PackageIdentifier `bson:"packages"`
}

// schemaFingerprint hashes the canonical form of a schema.
func schemaFingerprint(version int, types []model.SchemaType, visibility model.Visibility) (int64, error) {
	c := canonicalSchema{
		Version: version,
		Types:   append([]model.SchemaType(nil), types...),
		Hidden:  append([]string(nil), visibility.NotDisplayedBySystem...),
	}
	sort.Slice(c.Types, func(i, j int) bool { return c.Types[i].Name < c.Types[j].Name })
	sort.Strings(c.Hidden)
	for schemaType, pkgs := range visibility.VisibleToPackages {
		sorted := append([]model.PackageIdentifier(nil), pkgs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].PackageName < sorted[j].PackageName })
		c.Packages = append(c.Packages, canonicalAccess{SchemaType: schemaType, Packages: sorted})
	}
	sort.Slice(c.Packages, func(i, j int) bool { return c.Packages[i].SchemaType < c.Packages[j].SchemaType })

	data, err := bson.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("failed to encode schema: %w", err)
	}
	return int64(xxhash.Sum64(data)), nil
}

func encodeSchema(r *schemaRecord) ([]byte, error) {
	data, err := bson.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return data, nil
}

func decodeSchema(data []byte) (*schemaRecord, error) {
	var r schemaRecord
	if err := bson.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: schema record: %v", model.ErrCorrupted, err)
	}
	return &r, nil
}

func encodeDocument(doc *model.Document, usageCount, lastUsed int64) ([]byte, error) {
	payload, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	sum := blake3.Sum256(payload)
	rec := docRecord{
		SchemaType:     doc.SchemaType,
		UsageCount:     usageCount,
		LastUsedMillis: lastUsed,
		Payload:        payload,
		Checksum:       sum[:],
	}
	if doc.TTLMillis > 0 {
		rec.ExpiresAt = doc.CreationTimestampMillis + doc.TTLMillis
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document record: %w", err)
	}
	return data, nil
}

// decodeRecord decodes the record envelope without touching the payload.
func decodeRecord(data []byte) (*docRecord, error) {
	var rec docRecord
	if err := bson.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: document record: %v", model.ErrCorrupted, err)
	}
	return &rec, nil
}

// document verifies the checksum and decodes the payload.
func (r *docRecord) document() (*model.Document, error) {
	sum := blake3.Sum256(r.Payload)
	if !bytes.Equal(sum[:], r.Checksum) {
		return nil, fmt.Errorf("%w: document checksum mismatch", model.ErrCorrupted)
	}
	var doc model.Document
	if err := bson.Unmarshal(r.Payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: document payload: %v", model.ErrCorrupted, err)
	}
	return &doc, nil
}

// optimizeRecord is the persisted optimize bookkeeping.
type optimizeRecord struct {
	Obsolete       int   `bson:"obsolete"`
	LastRunMillis  int64 `bson:"last_run"`
	CompactionRuns int64 `bson:"runs"`

	// SweepPending is set by a compaction that skipped the expiry sweep.
	SweepPending bool `bson:"sweep_pending,omitempty"`
}

// reader is satisfied by *pebble.DB, *pebble.Snapshot and *pebble.Batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// getValue returns a copy of the value, or nil when the key is absent.
func getValue(r reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}
