package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
)

const defaultBufferSize = 256

// Bus is the in-process transport. It is not durable: messages live only
// in subscriber buffers and are lost on restart.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*subscriber
	closed     bool
	bufferSize int
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
}

// NewBus creates an in-process bus. bufferSize bounds each subscriber's queue.
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:       make(map[string]map[string]*subscriber),
		bufferSize: bufferSize,
		logger:     logger.With().Str("transport", event.TransportInProcess).Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *Bus) Name() string {
	return event.TransportInProcess
}

// Publish enqueues msg for every subscriber of its topic. It blocks while
// a subscriber queue is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, msg event.Message) error {
	if ctx == nil {
		return errors.New("publish context is nil")
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return event.ErrTransportClosed
	}
	targets := make([]*subscriber, 0, len(b.subs[msg.Topic]))
	for _, s := range b.subs[msg.Topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("publish topic %q: %w", msg.Topic, ctx.Err())
		}
	}
	b.published.Add(1)
	return nil
}

// Subscribe starts a goroutine that feeds msgs on topic to handler.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler event.Handler) (event.Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, event.ErrTransportClosed
	}
	s := &subscriber{
		id:      uuid.NewString(),
		topic:   topic,
		ch:      make(chan event.Message, b.bufferSize),
		done:    make(chan struct{}),
		handler: handler,
		bus:     b,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscriber)
	}
	b.subs[topic][s.id] = s

	b.wg.Add(1)
	go s.run(b.ctx)
	return s, nil
}

// Health fails only once the bus is closed.
func (b *Bus) Health(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return event.ErrTransportClosed
	}
	return nil
}

// Close stops all subscribers and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Stats are cumulative bus counters.
type Stats struct {
	Published int64 `json:"published"`
	Handled   int64 `json:"handled"`
	Failed    int64 `json:"failed"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Handled:   b.handled.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Bus) unregister(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

type subscriber struct {
	id      string
	topic   string
	ch      chan event.Message
	done    chan struct{}
	once    sync.Once
	handler event.Handler
	bus     *Bus
}

func (s *subscriber) Topic() string {
	return s.topic
}

func (s *subscriber) Close() error {
	s.bus.unregister(s)
	s.stop()
	return nil
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			if err := s.handler(ctx, msg); err != nil {
				s.bus.failed.Add(1)
				s.bus.logger.Warn().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("in-process handler failed")
				continue
			}
			s.bus.handled.Add(1)
		}
	}
}

var _ event.Transport = (*Bus)(nil)
