package pubsub

import "time"

// StorageType defines the storage backend for streams.
type StorageType int

const (
	// MemoryStorage stores stream data in memory.
	MemoryStorage StorageType = iota
	// FileStorage stores stream data on disk. The operation stream uses
	// this so queued work survives a broker restart.
	FileStorage
)

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the name of the stream to publish to.
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string

	// RetryAttempts is the number of retry attempts for publishing.
	// 0 means no retry.
	RetryAttempts int

	// Storage is the storage type for the stream.
	Storage StorageType

	// OnPublish is called after each publish attempt.
	OnPublish func(subject string, err error, latency time.Duration)
}

// ConsumerOptions configures consumer behavior.
type ConsumerOptions struct {
	// StreamName is the name of the stream to consume from.
	StreamName string

	// ConsumerName is the durable consumer name.
	ConsumerName string

	// FilterSubject filters messages by subject pattern.
	FilterSubject string

	// ChannelBufSize is the buffer size for the message channel.
	ChannelBufSize int

	// Storage is the storage type for the stream.
	Storage StorageType
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ChannelBufSize: 100,
	}
}
