package mq

import (
	"context"
	"fmt"

	"github.com/olymprep/authserver/config"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API. The auth server uses it to fan out
// audit events; consumers (the archiver, downstream platform services)
// subscribe to the configured channel.
type MQ struct {
	backend Backend
}

// New selects and connects the backend named by MQ_BACKEND. Returns nil
// without error when no backend is configured: the audit stream is optional.
func New(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.MQBackendRabbitMQ:
		backend, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return &MQ{backend: backend}, nil
	case config.MQBackendPubSub:
		backend, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return &MQ{backend: backend}, nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

// NewWithBackend wraps an already-constructed backend.
func NewWithBackend(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
