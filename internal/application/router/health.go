package router

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/resilience"
)

// HealthStatus is the health of a transport or of the router as a whole.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// TransportHealth is the result of probing one transport.
type TransportHealth struct {
	Name    string        `json:"name"`
	Status  HealthStatus  `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// AggregatedHealth is the cached router health. Treat it as read-only.
type AggregatedHealth struct {
	Status     HealthStatus        `json:"status"`
	Transports []TransportHealth   `json:"transports"`
	Breaker    resilience.Snapshot `json:"circuitBreaker"`
	CheckedAt  time.Time           `json:"checkedAt"`
}

// HealthCheck returns the cached health, checking the transports when the
// cache is older than the configured TTL. Concurrent refreshes share one
// check.
func (r *Router) HealthCheck(ctx context.Context) AggregatedHealth {
	if h := r.health.Load(); h != nil && r.clock.Now().Sub(h.CheckedAt) < r.cfg.HealthCacheTTL {
		return *h
	}
	v, _, _ := r.checks.Do("health", func() (interface{}, error) {
		h := r.checkAll(context.WithoutCancel(ctx))
		r.health.Store(&h)
		return h, nil
	})
	return v.(AggregatedHealth)
}

func (r *Router) checkAll(ctx context.Context) AggregatedHealth {
	transports := []event.Transport{r.inproc}
	if r.durable != nil {
		transports = append(transports, r.durable)
	}
	results := make([]TransportHealth, len(transports))

	var g errgroup.Group
	for i, t := range transports {
		g.Go(func() error {
			results[i] = checkTransport(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	agg := AggregatedHealth{
		Status:     StatusHealthy,
		Transports: results,
		Breaker:    r.breaker.Snapshot(),
		CheckedAt:  r.clock.Now(),
	}
	for _, res := range results {
		if res.Status != StatusUnhealthy {
			continue
		}
		if res.Name == event.TransportInProcess {
			agg.Status = StatusUnhealthy
			break
		}
		agg.Status = StatusDegraded
	}
	if agg.Status == StatusHealthy && agg.Breaker.State == resilience.StateOpen {
		agg.Status = StatusDegraded
	}

	if agg.Status != StatusHealthy {
		r.logger.Warn().Str("status", string(agg.Status)).Msg("event router health degraded")
	}
	return agg
}

func checkTransport(ctx context.Context, t event.Transport) TransportHealth {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := t.Health(ctx)
	res := TransportHealth{Name: t.Name(), Status: StatusHealthy, Latency: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
