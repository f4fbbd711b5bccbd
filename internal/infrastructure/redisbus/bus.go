// Package redisbus is the durable event transport, backed by Redis Streams.
// Each topic maps to one stream; messages are appended with XADD and
// consumed through a consumer group, so replicas sharing a group each see
// a message once. Entries are acknowledged only after the handler succeeds.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
)

// Config holds Redis connection and stream settings.
type Config struct {
	Addr         string        // Redis server address (host:port)
	Password     string        // Redis password (optional)
	DB           int           // Redis database number
	StreamPrefix string        // prefix prepended to topic names
	MaxLen       int64         // approximate stream cap; 0 disables trimming
	BlockTimeout time.Duration // XREADGROUP block per poll
	Group        string        // consumer group shared by replicas
	Consumer     string        // this replica's name within Group
}

const (
	defaultStreamPrefix = "events:"
	defaultBlockTimeout = time.Second
	defaultGroup        = "knowledge-hub"
	joinTimeout         = 3 * time.Second
	readBatch           = 32
)

const (
	fieldID      = "id"
	fieldTopic   = "topic"
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldHeaders = "headers"
	fieldTS      = "ts"
)

// Bus publishes to and consumes from Redis Streams.
type Bus struct {
	client redis.UniversalClient
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	stats struct {
		published atomic.Int64
		delivered atomic.Int64
		errors    atomic.Int64
	}
}

// Dial builds a bus for cfg.Addr. The client connects lazily, so the bus
// is usable while Redis is still down and picks up once it answers.
// A failed initial ping is returned alongside the bus.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	bus := New(client, cfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return bus, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("group", bus.cfg.Group).
		Str("consumer", bus.cfg.Consumer).
		Msg("connected to Redis event stream")
	return bus, nil
}

// New wraps an existing client. The bus owns the client and closes it.
func New(client redis.UniversalClient, cfg Config, logger zerolog.Logger) *Bus {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = defaultStreamPrefix
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultConsumer()
	}
	return &Bus{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("transport", event.TransportDurable).Logger(),
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Bus) Name() string {
	return event.TransportDurable
}

// defaultConsumer is the hostname, which stays stable across restarts of a
// replica so its pending entries are picked up again.
func defaultConsumer() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "consumer-" + uuid.NewString()[:8]
}

// StreamName returns the stream key for topic.
func (b *Bus) StreamName(topic string) string {
	return b.cfg.StreamPrefix + topic
}

// Publish appends msg to the topic's stream.
func (b *Bus) Publish(ctx context.Context, msg event.Message) error {
	if b.isClosed() {
		return event.ErrTransportClosed
	}
	values, err := encode(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.StreamName(msg.Topic),
		Values: values,
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		b.stats.errors.Add(1)
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	b.stats.published.Add(1)
	return nil
}

// Subscribe joins the bus's consumer group on topic. A new group starts at
// the stream tail; an existing one resumes where the group left off. If
// Redis is unreachable the subscription keeps retrying in the background
// and Subscribe still succeeds.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler event.Handler) (event.Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if b.isClosed() {
		return nil, event.ErrTransportClosed
	}
	s := &subscription{
		bus:     b,
		topic:   topic,
		stream:  b.StreamName(topic),
		handler: handler,
		done:    make(chan struct{}),
	}
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	joinErr := s.ensureGroup(joinCtx)
	cancel()
	if joinErr != nil {
		b.logger.Warn().Err(joinErr).Str("stream", s.stream).Msg("consumer group not joined yet, retrying in background")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, event.ErrTransportClosed
	}
	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	b.subs[s] = struct{}{}
	go s.run(subCtx, joinErr == nil)
	return s, nil
}

// Health pings Redis.
func (b *Bus) Health(ctx context.Context) error {
	if b.isClosed() {
		return event.ErrTransportClosed
	}
	return b.client.Ping(ctx).Err()
}

// Close stops subscriptions and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return b.client.Close()
}

// Stats are cumulative transport counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Errors    int64 `json:"errors"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.stats.published.Load(),
		Delivered: b.stats.delivered.Load(),
		Errors:    b.stats.errors.Load(),
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

type subscription struct {
	bus     *Bus
	topic   string
	stream  string
	handler event.Handler
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.bus.forget(s)
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// ensureGroup creates the consumer group at the stream tail. An existing
// group is left as is.
func (s *subscription) ensureGroup(ctx context.Context) error {
	b := s.bus
	err := b.client.XGroupCreateMkStream(ctx, s.stream, b.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", s.stream, err)
	}
	return nil
}

// run first replays the entries this consumer left unacknowledged, walking
// the pending list from cursor "0", then blocks for new entries (">").
// Entries whose handler fails stay pending until the consumer next starts.
func (s *subscription) run(ctx context.Context, joined bool) {
	defer close(s.done)
	b := s.bus
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		if !joined {
			if err := s.ensureGroup(ctx); err != nil {
				if !s.pause(ctx, err, "joining consumer group failed") {
					return
				}
				continue
			}
			joined = true
		}

		args := &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{s.stream, cursor},
			Count:    readBatch,
			Block:    -1,
		}
		if cursor == ">" {
			args.Block = b.cfg.BlockTimeout
		}
		streams, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				cursor = ">"
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				joined = false
			}
			if !s.pause(ctx, err, "xreadgroup failed") {
				return
			}
			continue
		}

		read := 0
		for _, st := range streams {
			for _, xm := range st.Messages {
				read++
				s.handle(ctx, xm)
				if cursor != ">" {
					cursor = xm.ID
				}
			}
		}
		if cursor != ">" && read == 0 {
			cursor = ">"
		}
	}
}

// handle delivers one entry and acknowledges it unless the handler failed.
// Undecodable entries are acknowledged and dropped.
func (s *subscription) handle(ctx context.Context, xm redis.XMessage) {
	b := s.bus
	if len(xm.Values) == 0 {
		// pending entry trimmed from the stream
		s.ack(ctx, xm.ID)
		return
	}
	msg, err := decode(xm.Values)
	if err != nil {
		b.stats.errors.Add(1)
		b.logger.Warn().Err(err).Str("stream", s.stream).Str("entry_id", xm.ID).Msg("dropping undecodable stream entry")
		s.ack(ctx, xm.ID)
		return
	}
	if err := s.handler(ctx, msg); err != nil {
		b.stats.errors.Add(1)
		b.logger.Warn().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("durable handler failed, entry left pending")
		return
	}
	s.ack(ctx, xm.ID)
	b.stats.delivered.Add(1)
}

func (s *subscription) ack(ctx context.Context, id string) {
	b := s.bus
	if err := b.client.XAck(ctx, s.stream, b.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		b.stats.errors.Add(1)
		b.logger.Warn().Err(err).Str("stream", s.stream).Str("entry_id", id).Msg("xack failed")
	}
}

// pause logs err and waits one block interval. It reports false once ctx
// is done.
func (s *subscription) pause(ctx context.Context, err error, msg string) bool {
	b := s.bus
	b.stats.errors.Add(1)
	b.logger.Warn().Err(err).Str("stream", s.stream).Msg(msg)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.cfg.BlockTimeout):
		return true
	}
}

func encode(msg event.Message) (map[string]interface{}, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return map[string]interface{}{
		fieldID:      msg.ID,
		fieldTopic:   msg.Topic,
		fieldKey:     msg.Key,
		fieldPayload: string(payload),
		fieldHeaders: string(headers),
		fieldTS:      msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decode(values map[string]interface{}) (event.Message, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	msg := event.Message{
		ID:    str(fieldID),
		Topic: str(fieldTopic),
		Key:   str(fieldKey),
	}
	if raw := str(fieldPayload); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Payload); err != nil {
			return msg, fmt.Errorf("decode payload: %w", err)
		}
	}
	if raw := str(fieldHeaders); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return msg, fmt.Errorf("decode headers: %w", err)
		}
	}
	if ts := str(fieldTS); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return msg, fmt.Errorf("decode timestamp: %w", err)
		}
		msg.Timestamp = parsed
	}
	return msg, nil
}

var _ event.Transport = (*Bus)(nil)
