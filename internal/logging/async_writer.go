package logging

import (
	"io"
	"sync"
	"time"
)

// AsyncWriter queues writes on a buffered channel and writes them to the
// underlying writer from one goroutine, one batch per Write call.
type AsyncWriter struct {
	writer  io.Writer
	entries chan []byte
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}

	// mu guards closed; writers hold it shared while enqueuing so Close
	// never races a send.
	mu     sync.RWMutex
	closed bool

	batchSize     int
	flushInterval time.Duration
}

// AsyncWriterConfig holds configuration for AsyncWriter
type AsyncWriterConfig struct {
	// BufferSize is the channel buffer capacity (default: 10000)
	BufferSize int
	// BatchSize is the number of entries to accumulate before writing (default: 100)
	BatchSize int
	// FlushInterval is the max time a partial batch waits (default: 100ms)
	FlushInterval time.Duration
}

// DefaultAsyncWriterConfig returns default configuration
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

// NewAsyncWriter creates a new AsyncWriter with default configuration
func NewAsyncWriter(w io.Writer) *AsyncWriter {
	return NewAsyncWriterWithConfig(w, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates a new AsyncWriter with custom configuration.
// Non-positive values fall back to the defaults.
func NewAsyncWriterWithConfig(w io.Writer, cfg AsyncWriterConfig) *AsyncWriter {
	defaults := DefaultAsyncWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	aw := &AsyncWriter{
		writer:        w,
		entries:       make(chan []byte, cfg.BufferSize),
		flushes:       make(chan chan struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write implements io.Writer. It blocks only while the buffer is full.
func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// slog handlers reuse their buffers
	buf := make([]byte, len(p))
	copy(buf, p)
	aw.entries <- buf
	return len(p), nil
}

func (aw *AsyncWriter) writeLoop() {
	defer close(aw.done)

	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	batch := make([][]byte, 0, aw.batchSize)
	flush := func() {
		aw.writeBatch(batch)
		batch = batch[:0]
	}
	// drain moves whatever is already queued into batches
	drain := func() {
		for {
			select {
			case data := <-aw.entries:
				batch = append(batch, data)
				if len(batch) >= aw.batchSize {
					flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case data := <-aw.entries:
			batch = append(batch, data)
			if len(batch) >= aw.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-aw.flushes:
			drain()
			flush()
			close(ack)
		case <-aw.stop:
			drain()
			flush()
			return
		}
	}
}

// writeBatch writes the batch with a single call to the underlying writer.
func (aw *AsyncWriter) writeBatch(batch [][]byte) {
	if len(batch) == 0 {
		return
	}
	size := 0
	for _, data := range batch {
		size += len(data)
	}
	buf := make([]byte, 0, size)
	for _, data := range batch {
		buf = append(buf, data...)
	}
	_, _ = aw.writer.Write(buf)

	if flusher, ok := aw.writer.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
}

// Flush blocks until every entry written before the call reached the
// underlying writer.
func (aw *AsyncWriter) Flush() error {
	ack := make(chan struct{})
	select {
	case aw.flushes <- ack:
	case <-aw.done:
		return nil
	}
	select {
	case <-ack:
	case <-aw.done:
	}
	return nil
}

// Close writes the remaining entries and closes the underlying writer if
// it is an io.Closer. It is safe to call more than once.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	aw.mu.Unlock()

	close(aw.stop)
	<-aw.done

	if closer, ok := aw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
