// Package nats implements the pubsub abstraction on NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"syncbridge/internal/core/pubsub"
)

// Provider implements pubsub.Provider using NATS JetStream.
// It manages the NATS connection lifecycle and provides factory methods
// for creating publishers and consumers.
type Provider struct {
	url string
	nc  *nats.Conn
	js  jetstream.JetStream
}

// Compile-time check that Provider implements pubsub.Provider
var _ pubsub.Provider = (*Provider)(nil)
var _ pubsub.Connectable = (*Provider)(nil)

// NewProvider creates a new NATS-based pubsub provider.
func NewProvider(url string) *Provider {
	return &Provider{url: url}
}

// Connect establishes the NATS connection and initializes JetStream.
// This must be called before using NewPublisher or NewConsumer.
func (p *Provider) Connect(ctx context.Context) error {
	nc, err := nats.Connect(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}

	p.nc = nc
	p.js = js

	slog.Info("Connected to NATS", "url", p.url)
	return nil
}

// NewPublisher creates a new Publisher backed by NATS JetStream.
func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	return newPublisher(p.js, opts)
}

// NewConsumer creates a new Consumer backed by NATS JetStream.
func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	return newConsumer(p.js, opts)
}

// Close closes the NATS connection.
func (p *Provider) Close() error {
	if p.nc != nil {
		slog.Info("Closing NATS connection...")
		p.nc.Close()
		p.nc = nil
		p.js = nil
	}
	return nil
}

func streamStorage(t pubsub.StorageType) jetstream.StorageType {
	if t == pubsub.FileStorage {
		return jetstream.FileStorage
	}
	return jetstream.MemoryStorage
}
