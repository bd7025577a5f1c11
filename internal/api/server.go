package api

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pathmark/backend/internal/auth"
	"github.com/pathmark/backend/internal/config"
	"github.com/pathmark/backend/internal/enrollment"
	"github.com/pathmark/backend/internal/idempotency"
	"github.com/pathmark/backend/internal/locations"
	"github.com/pathmark/backend/internal/metrics"
	"github.com/pathmark/backend/internal/middleware"
	"github.com/pathmark/backend/internal/orgs"
	"github.com/pathmark/backend/internal/reports"
	"github.com/pathmark/backend/internal/webhooks"
)

// requestTimeout is the outer per-request budget.
const requestTimeout = 30 * time.Second

// Server wires handlers to their dependencies.
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	resolver    *auth.Resolver
	enrollment  *enrollment.Engine
	locations   *locations.Store
	idempotency *idempotency.Store
	endpoints   *webhooks.EndpointStore
	settings    *orgs.SettingsStore
	reports     *reports.Store
	rateLimiter *middleware.RateLimiter
	mets        *metrics.Metrics
	identity    map[string]auth.IdentityVerifier
}

// Deps carries everything the server needs. All fields are required
// except RateLimiter, which defaults to in-memory.
type Deps struct {
	Config      *config.Config
	DB          *sql.DB
	Resolver    *auth.Resolver
	Enrollment  *enrollment.Engine
	Locations   *locations.Store
	Idempotency *idempotency.Store
	Endpoints   *webhooks.EndpointStore
	Settings    *orgs.SettingsStore
	Reports     *reports.Store
	RateLimiter *middleware.RateLimiter
	Metrics     *metrics.Metrics
	Identity    map[string]auth.IdentityVerifier
}

func NewServer(d Deps) *Server {
	if d.RateLimiter == nil {
		d.RateLimiter = middleware.NewRateLimiter(nil, d.Config.Security.RateLimitPerMinute)
	}
	if d.Identity == nil {
		d.Identity = auth.NewIdentityVerifiers("", "")
	}
	return &Server{
		cfg:         d.Config,
		db:          d.DB,
		resolver:    d.Resolver,
		enrollment:  d.Enrollment,
		locations:   d.Locations,
		idempotency: d.Idempotency,
		endpoints:   d.Endpoints,
		settings:    d.Settings,
		reports:     d.Reports,
		rateLimiter: d.RateLimiter,
		mets:        d.Metrics,
		identity:    d.Identity,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.HSTS(s.cfg.Security.HSTSEnabled))
	r.Use(s.instrument)

	// Operational surface: no auth, no rate limit.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	idem := idempotency.Middleware(s.idempotency, s.mets)

	// Public API.
	public := r.PathPrefix("/api/v1").Subrouter()
	public.Use(s.rateLimiter.Middleware)
	public.HandleFunc("/config/public", s.handlePublicConfig).Methods(http.MethodGet)
	public.HandleFunc("/auth/identity", s.handleIdentitySignIn).Methods(http.MethodPost)

	enroll := public.PathPrefix("/devices/enroll").Subrouter()
	enroll.Use(middleware.FeatureGate(s.cfg.Features.Enrollment))
	enroll.Use(idem)
	enroll.HandleFunc("", s.handleEnroll).Methods(http.MethodPost)

	// Device API: device-token auth required.
	device := r.PathPrefix("/api/v1/locations").Subrouter()
	device.Use(middleware.Authenticate(s.resolver))
	device.Use(middleware.RequireKind(auth.KindDeviceToken))
	device.Use(s.rateLimiter.Middleware)
	device.Use(idem)
	device.HandleFunc("", s.handleLocationUpload).Methods(http.MethodPost)
	device.HandleFunc("/batch", s.handleLocationBatch).Methods(http.MethodPost)

	// Admin API: user session or admin API key.
	admin := r.PathPrefix("/api/admin/v1").Subrouter()
	admin.Use(middleware.Authenticate(s.resolver))
	admin.Use(middleware.RequireAdmin())
	admin.Use(s.rateLimiter.Middleware)
	admin.Use(idem)
	admin.HandleFunc("/organizations/{id}/enrollment-tokens", s.handleCreateEnrollmentToken).Methods(http.MethodPost)

	adminWebhooks := admin.PathPrefix("/organizations/{id}/webhooks").Subrouter()
	adminWebhooks.Use(middleware.FeatureGate(s.cfg.Features.Webhooks))
	adminWebhooks.HandleFunc("", s.handleCreateWebhook).Methods(http.MethodPost)

	adminReports := admin.PathPrefix("/organizations/{id}/reports").Subrouter()
	adminReports.Use(middleware.FeatureGate(s.cfg.Features.Reports))
	adminReports.HandleFunc("", s.handleEnqueueReport).Methods(http.MethodPost)

	admin.HandleFunc("/organizations/{id}/settings", s.handleGetSettings).Methods(http.MethodGet)
	admin.HandleFunc("/organizations/{id}/settings", s.handleUpdateSettings).Methods(http.MethodPut)

	return http.TimeoutHandler(r, requestTimeout, `{"error":"request timed out"}`)
}

// instrument counts requests by route and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.mets == nil {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.mets.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", sw.status/100)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
