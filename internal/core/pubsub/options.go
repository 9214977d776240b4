package pubsub

import (
	"strings"
	"time"
)

// StorageType defines the storage backend for streams.
type StorageType int

const (
	// MemoryStorage stores data in memory (default).
	MemoryStorage StorageType = iota
	// FileStorage stores data on disk.
	FileStorage
)

// ParseStorageType maps a configuration value to a StorageType.
func ParseStorageType(s string) StorageType {
	if strings.EqualFold(s, "file") {
		return FileStorage
	}
	return MemoryStorage
}

// PublisherOptions configures the change feed publisher.
type PublisherOptions struct {
	// StreamName is the stream created for the feed. Empty publishes
	// without ensuring a stream.
	StreamName string

	// SubjectPrefix is prepended to every subject and bounds the stream.
	SubjectPrefix string

	// RetryAttempts is the number of extra attempts for a publish that got
	// no acknowledgement. Retries carry the same message ID, so the stream
	// stores an event once.
	RetryAttempts int

	// Storage is the storage type of the stream.
	Storage StorageType

	// MaxAge drops events older than this from the stream. Zero keeps them.
	MaxAge time.Duration

	// OnPublish is called after each publish attempt (for metrics).
	OnPublish func(subject string, err error, latency time.Duration)
}

// ConsumerOptions configures a change feed consumer. The stream must
// already exist; consumers never change its configuration.
type ConsumerOptions struct {
	StreamName string

	// ConsumerName makes the consumer durable. Empty creates an ephemeral
	// consumer removed by the server once it goes idle.
	ConsumerName string

	// FilterSubject limits delivery to matching subjects.
	FilterSubject string

	// DeliverNew skips the events stored before the consumer was created.
	DeliverNew bool

	// ChannelBufSize is the buffer size of the message channel.
	ChannelBufSize int
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ChannelBufSize: 100,
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// SubjectToken makes s usable as a single subject token. Package names
// contain dots, which would otherwise split them into several tokens.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// Subject joins tokens into a subject.
func Subject(tokens ...string) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = SubjectToken(t)
	}
	return strings.Join(parts, ".")
}
