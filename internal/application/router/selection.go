package router

import (
	"fmt"
	"strings"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
)

// Selection reasons, recorded on the publish span.
const (
	reasonForced       = "forced"
	reasonForcedDown   = "forced_durable_unavailable"
	reasonBreakerOpen  = "circuit_open"
	reasonTestContext  = "test_context"
	reasonPersistence  = "requires_persistence"
	reasonLocalTool    = "local_tool"
	reasonKeyword      = "topic_keyword"
	reasonPriority     = "priority"
	reasonEnvironment  = "environment"
	reasonDefault      = "default"
	reasonNoDurable    = "durable_unavailable"
	priorityFieldName  = "priority"
	environmentProd    = "production"
	environmentDev     = "development"
	environmentTesting = "test"
)

// selectTransport applies the routing rules in order; the first match wins.
func (r *Router) selectTransport(msg event.Message, rc *event.RoutingContext) (string, string) {
	if r.cfg.ForcedTransport == event.TransportInProcess {
		return event.TransportInProcess, reasonForced
	}
	if r.cfg.ForcedTransport == event.TransportDurable {
		if r.durableUsable() {
			return event.TransportDurable, reasonForced
		}
		return event.TransportInProcess, reasonForcedDown
	}

	if r.durable != nil && r.breaker.IsOpen() {
		return event.TransportInProcess, reasonBreakerOpen
	}
	usable := r.durableAvailable()

	if rc != nil {
		switch {
		case rc.IsTestEnvironment:
			return event.TransportInProcess, reasonTestContext
		case rc.RequiresPersistence || rc.IsCrossService:
			if usable {
				return event.TransportDurable, reasonPersistence
			}
			return event.TransportInProcess, reasonNoDurable
		case rc.IsLocalTool:
			return event.TransportInProcess, reasonLocalTool
		}
	}

	if usable && r.matchesKeyword(msg.Topic) {
		return event.TransportDurable, reasonKeyword
	}
	if usable && (isHighPriority(msg.Payload[priorityFieldName]) || (rc != nil && isHighPriority(rc.PriorityLevel))) {
		return event.TransportDurable, reasonPriority
	}

	switch strings.ToLower(r.cfg.Environment) {
	case environmentProd:
		if usable {
			return event.TransportDurable, reasonEnvironment
		}
		return event.TransportInProcess, reasonNoDurable
	case environmentDev, environmentTesting:
		return event.TransportInProcess, reasonEnvironment
	}

	if usable {
		return event.TransportDurable, reasonDefault
	}
	return event.TransportInProcess, reasonNoDurable
}

// durableUsable is durableAvailable plus a closed or half-open breaker.
func (r *Router) durableUsable() bool {
	return r.durableAvailable() && !r.breaker.IsOpen()
}

// durableAvailable reports whether a broker is configured and its last
// health check, if still within HealthCacheTTL, was not unhealthy. An
// expired result counts as unknown; the breaker guards the next attempt.
func (r *Router) durableAvailable() bool {
	if r.durable == nil {
		return false
	}
	h := r.health.Load()
	if h == nil || r.clock.Now().Sub(h.CheckedAt) >= r.cfg.HealthCacheTTL {
		return true
	}
	for _, t := range h.Transports {
		if t.Name == r.durable.Name() {
			return t.Status != StatusUnhealthy
		}
	}
	return true
}

func (r *Router) matchesKeyword(topic string) bool {
	topic = strings.ToLower(topic)
	for _, kw := range r.keywords {
		if strings.Contains(topic, kw) {
			return true
		}
	}
	return false
}

func isHighPriority(v any) bool {
	if v == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
	case "high", "critical":
		return true
	}
	return false
}
