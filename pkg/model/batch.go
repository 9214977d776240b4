package model

// Result is the outcome for one item of a batch.
type Result[V any] struct {
	Value V
	Err   error
}

// IsSuccess reports whether the item succeeded.
func (r Result[V]) IsSuccess() bool {
	return r.Err == nil
}

// Code returns the result code of the item.
func (r Result[V]) Code() ResultCode {
	return CodeOf(r.Err)
}

// BatchResult holds per-key results of an operation applied to many items.
// It is immutable once built.
type BatchResult[K comparable, V any] struct {
	keys    []K
	results map[K]Result[V]
}

// IsSuccess reports whether every item succeeded.
func (b *BatchResult[K, V]) IsSuccess() bool {
	for _, r := range b.results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Len returns the number of distinct keys.
func (b *BatchResult[K, V]) Len() int {
	return len(b.keys)
}

// Keys returns the keys in the order they were first recorded.
func (b *BatchResult[K, V]) Keys() []K {
	return append([]K(nil), b.keys...)
}

// Get returns the result recorded for key.
func (b *BatchResult[K, V]) Get(key K) (Result[V], bool) {
	r, ok := b.results[key]
	return r, ok
}

// Successes returns the values of all successful items.
func (b *BatchResult[K, V]) Successes() map[K]V {
	out := make(map[K]V)
	for k, r := range b.results {
		if r.Err == nil {
			out[k] = r.Value
		}
	}
	return out
}

// Failures returns the errors of all failed items.
func (b *BatchResult[K, V]) Failures() map[K]error {
	out := make(map[K]error)
	for k, r := range b.results {
		if r.Err != nil {
			out[k] = r.Err
		}
	}
	return out
}

// BatchResultBuilder collects per-item results. A later result for the same
// key replaces the earlier one.
type BatchResultBuilder[K comparable, V any] struct {
	keys    []K
	results map[K]Result[V]
}

// NewBatchResultBuilder creates an empty builder.
func NewBatchResultBuilder[K comparable, V any]() *BatchResultBuilder[K, V] {
	return &BatchResultBuilder[K, V]{results: make(map[K]Result[V])}
}

func (b *BatchResultBuilder[K, V]) SetSuccess(key K, value V) *BatchResultBuilder[K, V] {
	return b.SetResult(key, Result[V]{Value: value})
}

func (b *BatchResultBuilder[K, V]) SetFailure(key K, err error) *BatchResultBuilder[K, V] {
	return b.SetResult(key, Result[V]{Err: WrapError(err)})
}

func (b *BatchResultBuilder[K, V]) SetResult(key K, r Result[V]) *BatchResultBuilder[K, V] {
	if _, exists := b.results[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.results[key] = r
	return b
}

// Build freezes the collected results.
func (b *BatchResultBuilder[K, V]) Build() *BatchResult[K, V] {
	results := make(map[K]Result[V], len(b.results))
	for k, r := range b.results {
		results[k] = r
	}
	return &BatchResult[K, V]{
		keys:    append([]K(nil), b.keys...),
		results: results,
	}
}
