// Package api is the HTTP side channel next to the LDAP listener: the
// multifactor callback and websocket flow, the MFA settings admin endpoints
// and the metrics/health surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/mfa"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// Deps are the collaborators the HTTP surface needs. MFAClient may be nil
// when no provider is configured; the websocket flow then refuses upfront.
type Deps struct {
	Store       *store.Store
	Pool        *mfa.Pool
	MFAClient   *mfa.Client
	CallbackURL string
	MFATimeout  time.Duration
	Auth        *TokenService

	// MetricsHandler serves GET /metrics; typically promhttp.Handler().
	MetricsHandler http.Handler
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET  /health               - liveness probe
//   - GET  /metrics              - prometheus metrics
//   - POST /api/auth/token       - admin access token
//   - POST /multifactor/create   - provider callback (accessToken form field)
//   - GET  /multifactor/connect  - websocket second-factor flow
//   - POST /multifactor/setup    - store provider credentials (authenticated)
//   - GET  /multifactor/get      - read provider credentials (authenticated)
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := &handler{deps: deps}

	r.Get("/health", h.health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Post("/api/auth/token", h.login)

	r.Route("/multifactor", func(r chi.Router) {
		r.Post("/create", h.multifactorCallback)
		r.Get("/connect", h.multifactorConnect)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAuth)
			r.Post("/setup", h.multifactorSetup)
			r.Get("/get", h.multifactorGet)
		})
	})

	return r
}

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs requests using the internal logger: start at DEBUG,
// completion with status and duration at INFO.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("api request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("api request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}
