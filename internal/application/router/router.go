// Package router publishes events on a durable broker or the in-process
// bus, choosing per call and falling back when the broker fails.
//
// Fallback deliveries are not ordered relative to messages that reached
// the broker directly, and there is no global sequence across the two
// transports. A message delivered in-process after a broker failure is
// never replayed to the broker.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/metrics"
	"github.com/knowledge-hub/knowledge-hub/internal/resilience"
	"github.com/knowledge-hub/knowledge-hub/internal/telemetry"
)

const (
	DefaultHealthCacheTTL = 30 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	healthCheckTimeout    = 2 * time.Second
	breakerName           = "event_router"
)

// DefaultKeywords mark topics that other services consume.
var DefaultKeywords = []string{"intelligence", "analysis", "pattern", "quality"}

var tracer = otel.Tracer("github.com/knowledge-hub/knowledge-hub/internal/application/router")

// Config tunes transport selection and failure handling.
type Config struct {
	// Environment is production, development or test.
	Environment string
	// ForcedTransport pins selection to durable or inprocess when set.
	ForcedTransport  string
	FallbackEnabled  bool
	BreakerThreshold int
	BreakerRecovery  time.Duration
	HealthCacheTTL   time.Duration
	PublishTimeout   time.Duration
	Keywords         []string
}

// Option customizes a Router.
type Option func(*Router)

// WithClock overrides the time source of the breaker and health cache.
func WithClock(c resilience.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// Router is safe for concurrent use.
type Router struct {
	durable  event.Transport
	inproc   event.Transport
	breaker  *resilience.CircuitBreaker
	cfg      Config
	keywords []string
	clock    resilience.Clock
	logger   zerolog.Logger

	health atomic.Pointer[AggregatedHealth]
	checks singleflight.Group

	durableRoutes atomic.Int64
	inprocRoutes  atomic.Int64
	fallbacks     atomic.Int64
	failures      atomic.Int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New creates a router. durable may be nil, in which case every event is
// delivered in-process.
func New(durable, inproc event.Transport, cfg Config, logger zerolog.Logger, opts ...Option) (*Router, error) {
	if inproc == nil {
		return nil, errors.New("in-process transport is required")
	}
	switch cfg.ForcedTransport {
	case "", event.TransportDurable, event.TransportInProcess:
	default:
		return nil, fmt.Errorf("unknown forced transport %q", cfg.ForcedTransport)
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = DefaultHealthCacheTTL
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}

	r := &Router{
		durable: durable,
		inproc:  inproc,
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger.With().Str("service", "event_router").Logger(),
	}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.keywords = append(r.keywords, kw)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = resilience.NewCircuitBreaker(breakerName, cfg.BreakerThreshold, cfg.BreakerRecovery, resilience.WithClock(r.clock))
	metrics.SetCircuitBreakerState(breakerName, string(resilience.StateClosed))
	return r, nil
}

type publishOptions struct {
	key     string
	headers map[string]string
	routing *event.RoutingContext
}

// PublishOption customizes one Publish call.
type PublishOption func(*publishOptions)

// WithKey sets the partition key.
func WithKey(key string) PublishOption {
	return func(o *publishOptions) { o.key = key }
}

// WithHeaders attaches headers to the message.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) { o.headers = h }
}

// WithRoutingContext passes caller hints to transport selection.
func WithRoutingContext(rc event.RoutingContext) PublishOption {
	return func(o *publishOptions) { o.routing = &rc }
}

// Publish delivers one event. It returns an error only when the chosen
// transport and, if enabled, the fallback both fail.
func (r *Router) Publish(ctx context.Context, topic string, payload map[string]any, opts ...PublishOption) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return r.publish(ctx, event.NewMessage(topic, payload, o.key, o.headers), o.routing)
}

// PublishBatch delivers every message, selecting a transport per message.
// All messages are attempted; failures are joined.
func (r *Router) PublishBatch(ctx context.Context, msgs []event.Message, rc *event.RoutingContext) error {
	var errs []error
	for _, msg := range msgs {
		if err := r.publish(ctx, msg, rc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) publish(ctx context.Context, msg event.Message, rc *event.RoutingContext) error {
	if strings.TrimSpace(msg.Topic) == "" {
		return fsm.Errorf(fsm.KindValidation, "publish", "topic is required")
	}
	transport, reason := r.selectTransport(msg, rc)

	ctx, span := tracer.Start(ctx, "router.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	msg.Headers = telemetry.InjectHeaders(ctx, msg.Headers)
	span.SetAttributes(
		attribute.String("event.topic", msg.Topic),
		attribute.String("event.id", msg.ID),
		attribute.String("router.transport", transport),
		attribute.String("router.reason", reason),
	)

	err := r.deliver(ctx, msg, transport)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func (r *Router) deliver(ctx context.Context, msg event.Message, transport string) error {
	if transport == event.TransportInProcess {
		if err := r.send(ctx, r.inproc, msg); err != nil {
			r.recordFailure(event.TransportInProcess)
			return fsm.NewError(fsm.KindTransport, "publish", "in-process delivery failed", err)
		}
		r.recordRoute(event.TransportInProcess)
		return nil
	}

	err := r.breaker.Execute(func() error {
		return r.send(ctx, r.durable, msg)
	})
	if err == nil {
		r.recordRoute(event.TransportDurable)
		return nil
	}
	r.recordFailure(event.TransportDurable)

	if !r.cfg.FallbackEnabled {
		return fsm.NewError(fsm.KindTransport, "publish", "durable delivery failed", err)
	}
	r.logger.Warn().Err(err).Str("topic", msg.Topic).Str("event_id", msg.ID).Msg("durable publish failed, falling back to in-process")

	if ferr := r.send(ctx, r.inproc, msg); ferr != nil {
		r.recordFailure(event.TransportInProcess)
		return fsm.NewError(fsm.KindTransport, "publish", "durable and in-process delivery failed", errors.Join(err, ferr))
	}
	r.fallbacks.Add(1)
	metrics.RouterFallbacks.Inc()
	r.recordRoute(event.TransportInProcess)
	return nil
}

func (r *Router) send(ctx context.Context, t event.Transport, msg event.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return t.Publish(ctx, msg)
}

func (r *Router) recordRoute(transport string) {
	if transport == event.TransportDurable {
		r.durableRoutes.Add(1)
	} else {
		r.inprocRoutes.Add(1)
	}
	metrics.RouterPublishes.WithLabelValues(transport).Inc()
}

func (r *Router) recordFailure(transport string) {
	r.failures.Add(1)
	metrics.RouterFailures.WithLabelValues(transport).Inc()
}

// Subscribe registers handler on every configured transport, since a topic
// may be delivered through either. A durable subscription failure is
// logged and the in-process subscription is kept.
func (r *Router) Subscribe(ctx context.Context, topic string, handler event.Handler) (event.Subscription, error) {
	local, err := r.inproc.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, fsm.NewError(fsm.KindTransport, "subscribe", "in-process subscription failed", err)
	}
	sub := &subscription{topic: topic, subs: []event.Subscription{local}}
	if r.durable == nil {
		return sub, nil
	}
	remote, err := r.durable.Subscribe(ctx, topic, handler)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("durable subscription failed; in-process only")
		return sub, nil
	}
	sub.subs = append(sub.subs, remote)
	return sub, nil
}

type subscription struct {
	topic string
	subs  []event.Subscription
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MetricsSnapshot is a point-in-time copy of the router counters.
type MetricsSnapshot struct {
	DurableRoutes     int64               `json:"durableRoutes"`
	InProcessRoutes   int64               `json:"inProcessRoutes"`
	Fallbacks         int64               `json:"fallbacks"`
	Failures          int64               `json:"failures"`
	DurableConfigured bool                `json:"durableConfigured"`
	Breaker           resilience.Snapshot `json:"circuitBreaker"`
}

// Metrics returns the router counters.
func (r *Router) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		DurableRoutes:     r.durableRoutes.Load(),
		InProcessRoutes:   r.inprocRoutes.Load(),
		Fallbacks:         r.fallbacks.Load(),
		Failures:          r.failures.Load(),
		DurableConfigured: r.durable != nil,
		Breaker:           r.breaker.Snapshot(),
	}
}

// Close closes both transports.
func (r *Router) Close() error {
	var errs []error
	if r.durable != nil {
		if err := r.durable.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close durable transport: %w", err))
		}
	}
	if err := r.inproc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close in-process transport: %w", err))
	}
	return errors.Join(errs...)
}
