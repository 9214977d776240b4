package session

import (
	"context"
	"sync"

	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/pkg/model"
)

// SearchResults pages lazily through the hits of one query. The first
// NextPage opens the cursor; an empty page means the results are exhausted.
// It is safe for concurrent use; pages are handed out in order.
type SearchResults struct {
	session *Session
	query   string
	spec    model.SearchSpec

	mu     sync.Mutex
	cursor types.Cursor
	done   bool
}

func newSearchResults(s *Session, query string, spec model.SearchSpec) *SearchResults {
	return &SearchResults{session: s, query: query, spec: spec}
}

// NextPage returns the next page of results. The page is read on the
// session's read pool; a canceled ctx abandons waiting for it.
func (r *SearchResults) NextPage(ctx context.Context) ([]model.SearchResult, error) {
	if err := r.session.checkOpen(); err != nil {
		return nil, err
	}
	f := run(r.session, r.session.readers, "search", func(ctx context.Context) ([]model.SearchResult, error) {
		return r.nextPage(ctx)
	})
	return f.Get(ctx)
}

func (r *SearchResults) nextPage(ctx context.Context) ([]model.SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, nil
	}
	if r.cursor == nil {
		cur, err := r.session.store.Query(ctx, r.session.pkg, r.session.db, r.query, r.spec)
		if err != nil {
			r.done = true
			return nil, err
		}
		r.cursor = cur
	}

	page, err := r.cursor.NextPage(ctx)
	if err != nil || len(page) == 0 {
		r.release()
	}
	return page, err
}

// release closes the cursor; callers hold mu.
func (r *SearchResults) release() {
	r.done = true
	if r.cursor != nil {
		if err := r.cursor.Close(); err != nil {
			r.session.logger.Warn("Failed to close search cursor", "error", err)
		}
		r.cursor = nil
	}
}

// Close releases the snapshot held by the results. Further pages are empty.
func (r *SearchResults) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release()
	return nil
}

// Collect drains every remaining page.
func (r *SearchResults) Collect(ctx context.Context) ([]model.SearchResult, error) {
	var all []model.SearchResult
	for {
		page, err := r.NextPage(ctx)
		if err != nil {
			return all, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
	}
}

var _ types.Cursor = (*SearchResults)(nil)
