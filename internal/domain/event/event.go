package event

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrTransportClosed is returned by a transport after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport kinds.
const (
	TransportDurable   = "durable"
	TransportInProcess = "inprocess"
)

// Message is one published event.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   map[string]any    `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMessage builds a message with a fresh id, copying payload and headers.
func NewMessage(topic string, payload map[string]any, key string, headers map[string]string) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   maps.Clone(payload),
		Headers:   maps.Clone(headers),
		Timestamp: time.Now().UTC(),
	}
}

// RoutingContext carries caller hints for transport selection. It is
// never persisted.
type RoutingContext struct {
	RequiresPersistence bool   `json:"requiresPersistence"`
	IsCrossService      bool   `json:"isCrossService"`
	IsTestEnvironment   bool   `json:"isTestEnvironment"`
	IsLocalTool         bool   `json:"isLocalTool"`
	PriorityLevel       string `json:"priorityLevel,omitempty"`
	ServiceName         string `json:"serviceName,omitempty"`
}

// Handler consumes a delivered message.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active handler registration.
type Subscription interface {
	Topic() string
	Close() error
}

// Transport is a publisher/subscriber backend.
type Transport interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Health(ctx context.Context) error
	Close() error
}
