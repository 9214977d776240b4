// Package testing provides an in-process change feed publisher for tests.
package testing

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

// Event is one published change event.
type Event struct {
	Subject string
	Data    []byte
}

// Feed is a pubsub.Publisher keeping the published events in memory.
type Feed struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

var _ pubsub.Publisher = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{}
}

// Publish records a copy of the event, or fails with the error given to
// FailWith.
func (f *Feed) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, Event{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Events returns the published events in order.
func (f *Feed) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// Decode unmarshals the payloads published on subject into new values
// of T.
func Decode[T any](f *Feed, subject string) ([]T, error) {
	var out []T
	for _, e := range f.Events() {
		if e.Subject != subject {
			continue
		}
		var v T
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FailWith makes every following Publish return err. Nil restores
// publishing.
func (f *Feed) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
