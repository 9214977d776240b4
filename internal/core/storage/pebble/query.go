package pebble

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/btree"
	"github.com/syntrixbase/appsearch/internal/core/query"
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/pkg/model"
)

// keySource walks document keys under a list of prefixes. Type index
// prefixes are translated into document keys.
type keySource struct {
	r         iterReader
	pkg, db   string
	prefixes  [][]byte
	typeIndex bool
	next      int
	iter      *pebble.Iterator
	prefix    []byte
}

func newKeySource(r iterReader, pkg, db string, spec model.SearchSpec) *keySource {
	src := &keySource{r: r, pkg: pkg, db: db}
	switch {
	case len(spec.FilterSchemaTypes) > 0:
		src.typeIndex = true
		for _, t := range dedupSorted(spec.FilterSchemaTypes) {
			src.prefixes = append(src.prefixes, typePrefix(pkg, db, t))
		}
	case len(spec.FilterNamespaces) > 0:
		for _, ns := range dedupSorted(spec.FilterNamespaces) {
			src.prefixes = append(src.prefixes, docNamespacePrefix(pkg, db, ns))
		}
	default:
		src.prefixes = [][]byte{docPrefix(pkg, db)}
	}
	return src
}

func dedupSorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

// Next returns the next document key, or nil when exhausted.
func (s *keySource) Next() ([]byte, error) {
	for {
		if s.iter == nil {
			if s.next >= len(s.prefixes) {
				return nil, nil
			}
			s.prefix = s.prefixes[s.next]
			s.next++
			iter, err := s.r.NewIter(&pebble.IterOptions{LowerBound: s.prefix, UpperBound: prefixUpperBound(s.prefix)})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
			}
			s.iter = iter
			s.iter.First()
		} else {
			s.iter.Next()
		}

		if !s.iter.Valid() {
			err := s.iter.Error()
			s.iter.Close()
			s.iter = nil
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
			}
			continue
		}

		key := s.iter.Key()
		if !s.typeIndex {
			return append([]byte(nil), key...), nil
		}
		ns, id, err := parseKeySuffix(key, s.prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrCorrupted, err)
		}
		return docKey(s.pkg, s.db, ns, id), nil
	}
}

func (s *keySource) Close() {
	if s.iter != nil {
		s.iter.Close()
		s.iter = nil
	}
}

// filter combines the SearchSpec restrictions with the compiled expression.
type filter struct {
	namespaces map[string]bool
	types      map[string]bool
	pred       query.Predicate
	nowMillis  int64
}

func newFilter(pred query.Predicate, spec model.SearchSpec, nowMillis int64) *filter {
	f := &filter{pred: pred, nowMillis: nowMillis}
	if len(spec.FilterNamespaces) > 0 {
		f.namespaces = make(map[string]bool)
		for _, ns := range spec.FilterNamespaces {
			f.namespaces[ns] = true
		}
	}
	if len(spec.FilterSchemaTypes) > 0 {
		f.types = make(map[string]bool)
		for _, t := range spec.FilterSchemaTypes {
			f.types[t] = true
		}
	}
	return f
}

// load returns the document at key when it is alive and matches.
func (f *filter) load(r reader, key []byte) (*model.Document, *docRecord, error) {
	data, err := getValue(r, key)
	if err != nil || data == nil {
		return nil, nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	if rec.expired(f.nowMillis) || (f.types != nil && !f.types[rec.SchemaType]) {
		return nil, nil, nil
	}
	doc, err := rec.document()
	if err != nil {
		return nil, nil, err
	}
	if f.namespaces != nil && !f.namespaces[doc.Namespace] {
		return nil, nil, nil
	}
	ok, err := f.pred(doc)
	if err != nil || !ok {
		return nil, nil, err
	}
	return doc, rec, nil
}

func rankingSignal(strategy model.RankingStrategy, doc *model.Document, rec *docRecord) float64 {
	switch strategy {
	case model.RankingDocumentScore:
		return float64(doc.Score)
	case model.RankingCreationTimestamp:
		return float64(doc.CreationTimestampMillis)
	case model.RankingUsageCount:
		return float64(rec.UsageCount)
	case model.RankingUsageLastUsedTimestamp:
		return float64(rec.LastUsedMillis)
	default:
		return 0
	}
}

type rankItem struct {
	signal float64
	seq    uint64
	key    []byte
}

func rankLess(order model.Order) btree.LessFunc[rankItem] {
	return func(a, b rankItem) bool {
		if a.signal != b.signal {
			if order == model.OrderAscending {
				return a.signal < b.signal
			}
			return a.signal > b.signal
		}
		return a.seq < b.seq
	}
}

// cursor pages through query results over a snapshot. Unranked results
// stream straight from the key source; ranked results keep only
// (signal, key) pairs in a btree and load bodies page by page.
type cursor struct {
	store    *Store
	snap     *pebble.Snapshot
	filter   *filter
	spec     model.SearchSpec
	pageSize int

	mu     sync.Mutex
	src    *keySource
	ranked *btree.BTreeG[rankItem]
	closed bool
}

// Query returns a lazy cursor over the documents matching expr and spec.
func (s *Store) Query(ctx context.Context, pkg, db, expr string, spec model.SearchSpec) (types.Cursor, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	pred, err := s.matcher.Compile(expr)
	if err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	c := &cursor{
		store:    s,
		snap:     snap,
		filter:   newFilter(pred, spec, s.nowMillis()),
		spec:     spec,
		pageSize: spec.PageSize(),
		src:      newKeySource(snap, pkg, db, spec),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.release()
		return nil, types.ErrStoreClosed
	}
	s.cursors[c] = struct{}{}
	s.mu.Unlock()

	if spec.RankingStrategy != model.RankingNone {
		if err := c.rank(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *cursor) rank(ctx context.Context) error {
	c.ranked = btree.NewG[rankItem](16, rankLess(c.spec.Order))
	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := c.src.Next()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		doc, rec, err := c.filter.load(c.snap, key)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}
		c.ranked.ReplaceOrInsert(rankItem{
			signal: rankingSignal(c.spec.RankingStrategy, doc, rec),
			seq:    seq,
			key:    key,
		})
		seq++
	}
	c.src.Close()
	return nil
}

// NextPage returns up to pageSize results; an empty page means exhausted.
func (c *cursor) NextPage(ctx context.Context) ([]model.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	if err := c.store.checkOpen(ctx); err != nil {
		return nil, err
	}

	page := make([]model.SearchResult, 0, c.pageSize)
	for len(page) < c.pageSize {
		var (
			key    []byte
			signal float64
		)
		if c.ranked != nil {
			item, ok := c.ranked.DeleteMin()
			if !ok {
				break
			}
			key, signal = item.key, item.signal
		} else {
			next, err := c.src.Next()
			if err != nil {
				return nil, err
			}
			if next == nil {
				break
			}
			key = next
		}

		doc, _, err := c.filter.load(c.snap, key)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		page = append(page, model.SearchResult{
			Document:      applyProjection(doc, c.spec.Projections),
			RankingSignal: signal,
		})
	}
	return page, nil
}

func (c *cursor) release() {
	c.src.Close()
	c.snap.Close()
}

// Close releases the snapshot; it is safe to call more than once.
func (c *cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.release()
	c.mu.Unlock()

	c.store.mu.Lock()
	delete(c.store.cursors, c)
	c.store.mu.Unlock()
	return nil
}

// RemoveByQuery deletes every alive document matching expr and spec.
func (s *Store) RemoveByQuery(ctx context.Context, pkg, db, expr string, spec model.SearchSpec) (int, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	pred, err := s.matcher.Compile(expr)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f := newFilter(pred, spec, s.nowMillis())
	src := newKeySource(s.db, pkg, db, spec)
	defer src.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		key, err := src.Next()
		if err != nil {
			return 0, err
		}
		if key == nil {
			break
		}
		doc, _, err := f.load(s.db, key)
		if err != nil {
			return 0, err
		}
		if doc == nil {
			continue
		}
		if err := batch.Delete(key, nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		if err := batch.Delete(typeKey(pkg, db, doc.SchemaType, doc.Namespace, doc.ID), nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("%w: failed to commit delete: %v", model.ErrIO, err)
	}
	return count, nil
}
