// Package http is the admin-facing surface: health, a point-in-time
// stats snapshot, and a long-poll feed of audit events, routed with a
// chi mux.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/domain/connection"
	"github.com/webitel/tpm-broker/internal/domain/session"
)

// Stats is a point-in-time snapshot of broker occupancy, returned as
// JSON from GET /stats.
type Stats struct {
	Connections       int    `json:"connections"`
	ActiveSessions    int    `json:"active_sessions"`
	AbandonedSessions int    `json:"abandoned_sessions"`
	EvictedSessions   int    `json:"evicted_sessions"`
	MaxSessionGap     uint32 `json:"max_session_gap"`
	AttrsSource       string `json:"attrs_source"`
	BreakerState      string `json:"device_breaker_state"`
}

// Router wires the admin HTTP surface.
type Router struct {
	conns    *connection.Manager
	sessions *session.Registry
	proxy    *device.Proxy
	feed     *Feed
}

// NewRouter builds the admin router. feed may be nil, in which case
// GET /events responds 503 — callers that don't wire an audit feed into
// the HTTP layer still get health and stats.
func NewRouter(conns *connection.Manager, sessions *session.Registry, proxy *device.Proxy, feed *Feed) *Router {
	return &Router{conns: conns, sessions: sessions, proxy: proxy, feed: feed}
}

func (rt *Router) Mux() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/healthz", rt.healthz)
	r.Get("/stats", rt.stats)
	r.Get("/events", rt.events)
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	s := Stats{
		Connections:       rt.conns.Len(),
		ActiveSessions:    rt.sessions.ActiveLen(),
		AbandonedSessions: rt.sessions.AbandonedLen(),
		EvictedSessions:   rt.sessions.EvictedCount(),
		MaxSessionGap:     rt.sessions.MaxObservedGap(),
		AttrsSource:       rt.proxy.Attrs().Source(),
		BreakerState:      rt.proxy.BreakerState(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// events is the long-poll handler: wait up to 30s for at least one
// audit event, then drain up to 15 more that are immediately available
// to batch them into the same response.
func (rt *Router) events(w http.ResponseWriter, r *http.Request) {
	if rt.feed == nil {
		http.Error(w, "audit feed not configured", http.StatusServiceUnavailable)
		return
	}

	sub, cancel := rt.feed.Subscribe()
	defer cancel()

	var batch []json.RawMessage

	select {
	case <-r.Context().Done():
		return
	case <-time.After(30 * time.Second):
		w.WriteHeader(http.StatusNoContent)
		return
	case ev, ok := <-sub:
		if !ok {
			return
		}
		batch = append(batch, ev)

	drainLoop:
		for range 15 {
			select {
			case next, ok := <-sub:
				if !ok {
					break drainLoop
				}
				batch = append(batch, next)
			default:
				break drainLoop
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(batch)
}
