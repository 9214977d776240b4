package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupHandler collapses identical records logged within one flush window
// into a single record carrying a repeated_count attribute. Records are
// compared without their timestamps. Handlers derived with WithAttrs or
// WithGroup share one buffer but never merge each other's records.
type DedupHandler struct {
	handler slog.Handler
	// scope identifies the attrs and groups applied to handler
	scope string
	state *dedupState
}

type dedupEntry struct {
	handler slog.Handler
	record  slog.Record
	count   int
}

// dedupState is shared by a handler and everything derived from it.
type dedupState struct {
	mu        sync.Mutex
	entries   map[uint64]*dedupEntry
	order     []uint64
	batchSize int

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// DedupHandlerConfig holds configuration for DedupHandler
type DedupHandlerConfig struct {
	// BatchSize is the number of unique entries to accumulate before flushing (default: 100)
	BatchSize int
	// FlushInterval is the max time a record is held back (default: 1s)
	FlushInterval time.Duration
}

// DefaultDedupHandlerConfig returns default configuration
func DefaultDedupHandlerConfig() DedupHandlerConfig {
	return DedupHandlerConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// NewDedupHandler creates a new deduplicating handler with default config
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	return NewDedupHandlerWithConfig(handler, DefaultDedupHandlerConfig())
}

// NewDedupHandlerWithConfig creates a new deduplicating handler with custom config.
// Non-positive values fall back to the defaults.
func NewDedupHandlerWithConfig(handler slog.Handler, cfg DedupHandlerConfig) *DedupHandler {
	defaults := DefaultDedupHandlerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	state := &dedupState{
		entries:   make(map[uint64]*dedupEntry),
		batchSize: cfg.BatchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go state.flushLoop(cfg.FlushInterval)

	return &DedupHandler{handler: handler, state: state}
}

// Enabled reports whether the handler handles records at the given level.
func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle buffers r, or counts it when an identical record is buffered.
func (h *DedupHandler) Handle(_ context.Context, r slog.Record) error {
	key := h.hashRecord(r)

	s := h.state
	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		entry.count++
		s.mu.Unlock()
		return nil
	}
	s.entries[key] = &dedupEntry{handler: h.handler, record: r.Clone(), count: 1}
	s.order = append(s.order, key)

	var batch []*dedupEntry
	if len(s.order) >= s.batchSize {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	emit(batch)
	return nil
}

// hashRecord hashes scope, level, message and attributes; never the time.
func (h *DedupHandler) hashRecord(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	_, _ = d.WriteString("|")
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.String())
		_, _ = d.WriteString("|")
		return true
	})
	return d.Sum64()
}

// takeLocked empties the buffer; callers hold mu.
func (s *dedupState) takeLocked() []*dedupEntry {
	if len(s.order) == 0 {
		return nil
	}
	batch := make([]*dedupEntry, 0, len(s.order))
	for _, key := range s.order {
		batch = append(batch, s.entries[key])
	}
	s.entries = make(map[uint64]*dedupEntry)
	s.order = s.order[:0]
	return batch
}

func (s *dedupState) flush() {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()
	emit(batch)
}

// emit runs outside the lock so a handler that logs cannot deadlock.
func emit(batch []*dedupEntry) {
	for _, entry := range batch {
		r := entry.record
		if entry.count > 1 {
			r.AddAttrs(slog.Int("repeated_count", entry.count))
		}
		_ = entry.handler.Handle(context.Background(), r)
	}
}

func (s *dedupState) flushLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// WithAttrs returns a handler sharing this handler's buffer.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	scope := h.scope
	for _, a := range attrs {
		scope += "a:" + a.Key + "=" + a.Value.String() + "|"
	}
	return &DedupHandler{handler: h.handler.WithAttrs(attrs), scope: scope, state: h.state}
}

// WithGroup returns a handler sharing this handler's buffer.
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DedupHandler{handler: h.handler.WithGroup(name), scope: h.scope + "g:" + name + "|", state: h.state}
}

// Close flushes the buffer and stops the flush loop. It is safe to call
// more than once, from any derived handler.
func (h *DedupHandler) Close() error {
	s := h.state
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
