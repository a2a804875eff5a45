package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"astral-proxy/internal/domain"
)

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ChatMessages    atomic.Int64
	TagsChanged     atomic.Int64
	LinkReady       atomic.Int64
	LinkClosed      atomic.Int64
	SettingsChanged atomic.Int64
}

// RegisterRESTHandlers registers the HTTP routes and starts counting bus
// events. Must be called before Start().
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	metrics := &Metrics{}

	if deps.Bus != nil {
		counters := map[domain.EventType]*atomic.Int64{
			domain.EventChatMessage:     &metrics.ChatMessages,
			domain.EventTagsChanged:     &metrics.TagsChanged,
			domain.EventLinkReady:       &metrics.LinkReady,
			domain.EventLinkClosed:      &metrics.LinkClosed,
			domain.EventSettingsChanged: &metrics.SettingsChanged,
		}
		for et, c := range counters {
			deps.Bus.Subscribe(et, func(context.Context, domain.Event) { c.Add(1) })
		}
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFromRequest(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, metrics)))
	return metrics
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buildStatus(s, deps))
	}
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(s *Server, deps HandlerDeps, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		st := buildStatus(s, deps)
		ready := 0
		if st.Link.Ready {
			ready = 1
		}
		gauge(w, "astral_link_ready", "Whether the backend link is ready.", float64(ready))
		counter(w, "astral_link_ready_total", "Times the link became ready.", metrics.LinkReady.Load())
		counter(w, "astral_link_closed_total", "Times the link closed.", metrics.LinkClosed.Load())
		counter(w, "astral_chat_messages_total", "Channel chat messages received.", metrics.ChatMessages.Load())
		counter(w, "astral_tags_changed_total", "Tag change notifications.", metrics.TagsChanged.Load())
		counter(w, "astral_settings_changed_total", "Effective tag settings changes.", metrics.SettingsChanged.Load())

		gauge(w, "astral_cache_tags_entries", "Cached tag entries.", float64(st.Cache.Tags))
		gauge(w, "astral_cache_ping_entries", "Cached ping entries.", float64(st.Cache.Ping))
		gauge(w, "astral_cache_stats_entries", "Cached stats entries.", float64(st.Cache.Stats))
		gauge(w, "astral_tag_batch_pending", "Players waiting for the next tag batch.", float64(st.Cache.PendingBatch))
		if st.Budget != nil {
			gauge(w, "astral_budget_remaining", "Backend requests left in the window.", float64(st.Budget.Remaining))
			gauge(w, "astral_budget_waiting", "Callers waiting for backend budget.", float64(st.Budget.Waiting))
		}
		gauge(w, "astral_control_clients", "Connected control clients.", float64(st.Clients))
		gauge(w, "astral_uptime_seconds", "Seconds since the proxy started.", float64(st.UptimeSeconds))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", float64(mem.Alloc))
	}
}

func gauge(w http.ResponseWriter, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}
