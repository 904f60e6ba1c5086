// Package httpapi is the admin/health HTTP surface (§6): a small
// go-chi/chi router exposing GET /health publicly and GET /admin/stats
// behind an optional admin-key gate.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talkrelay/relay/internal/domain/model"
	mw "github.com/talkrelay/relay/internal/middleware"
)

// Stats is the capability surface the coordination plane exposes for
// health/admin reporting, satisfied together by the session registry, the
// matchmaker and the rooms store.
type Stats interface {
	GetSessionCount(ctx context.Context) (int, error)
	QueueLength(ctx context.Context) (int64, error)
	RoomCount(ctx context.Context) (int64, error)
}

// AdminDetail is the extra, admin-key-gated snapshot backing the `stats`
// CLI dashboard (§SUPPLEMENTAL FEATURES): LRU front-cache hit rate and the
// shared-backend circuit breaker state, both nil-safe for local mode where
// neither applies.
type AdminDetail struct {
	CacheHitRate func() float64
	BreakerState func() string
}

type adminStatsResponse struct {
	model.HealthSnapshot
	CacheHitRate *float64 `json:"cacheHitRate,omitempty"`
	BreakerState *string  `json:"breakerState,omitempty"`
}

// Router builds the health/admin mux.
type Router struct {
	stats       Stats
	detail      *AdminDetail
	backendName string
	startedAt   time.Time
	adminKey    func() string
	corsOrigins func() []string
}

// New builds a Router. detail may be nil (local-backend deployments have
// no cache hit rate or breaker state to report).
func New(stats Stats, detail *AdminDetail, backendName string, adminKey func() string, corsOrigins func() []string) *Router {
	return &Router{
		stats:       stats,
		detail:      detail,
		backendName: backendName,
		startedAt:   time.Now(),
		adminKey:    adminKey,
		corsOrigins: corsOrigins,
	}
}

// Mount builds the chi.Router for this Router's routes.
func (rt *Router) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(mw.CORS(rt.corsOrigins))

	r.Get("/health", rt.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Use(rt.requireAdminKey)
		r.Get("/stats", rt.handleAdminStats)
	})

	return r
}

func (rt *Router) snapshot(ctx context.Context) model.HealthSnapshot {
	sessions, _ := rt.stats.GetSessionCount(ctx)
	queued, _ := rt.stats.QueueLength(ctx)
	rooms, _ := rt.stats.RoomCount(ctx)

	return model.HealthSnapshot{
		Status:         "ok",
		Uptime:         time.Since(rt.startedAt),
		ActiveSessions: sessions,
		WaitingInQueue: int(queued),
		ActiveRooms:    int(rooms),
		Backend:        rt.backendName,
	}
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.snapshot(r.Context()))
}

func (rt *Router) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	resp := adminStatsResponse{HealthSnapshot: rt.snapshot(r.Context())}
	if rt.detail != nil {
		if rt.detail.CacheHitRate != nil {
			v := rt.detail.CacheHitRate()
			resp.CacheHitRate = &v
		}
		if rt.detail.BreakerState != nil {
			v := rt.detail.BreakerState()
			resp.BreakerState = &v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireAdminKey gates every /admin route behind X-Admin-Key (header, as
// the termui dashboard sends it) or ?admin_key= (query).
// An empty configured key disables the gate entirely (§6).
func (rt *Router) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := rt.adminKey()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if got == "" {
			got = r.URL.Query().Get("admin_key")
		}
		if got != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
