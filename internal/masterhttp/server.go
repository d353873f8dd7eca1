// Package masterhttp exposes the viewer-facing HTTP surface: a REST
// API over node/execution state, WebSocket endpoints streaming the
// fan-out plane's live events, Prometheus metrics, and a health check.
// It generalizes the teacher's dashboard.Server (chi router, gorilla
// WebSocket hub, security headers, bearer auth in place of session
// cookies) to this protocol's viewer and operator API, where the only
// write is command dispatch via POST /api/execute.
package masterhttp

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/fanout"
	"github.com/markus-barta/edgefleet/internal/master"
	"github.com/markus-barta/edgefleet/internal/masterconfig"
)

// Server is the viewer-facing HTTP surface.
type Server struct {
	cfg    *masterconfig.Config
	coord  *master.Coordinator
	plane  *fanout.Plane
	log    zerolog.Logger
	router *chi.Mux
	upgrad websocket.Upgrader
	http   *http.Server
}

// New builds the router. Call Run to start serving.
func New(cfg *masterconfig.Config, coord *master.Coordinator, plane *fanout.Plane, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		coord: coord,
		plane: plane,
		log:   log.With().Str("component", "http").Logger(),
		upgrad: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Route("/api", func(r chi.Router) {
			r.Get("/nodes", s.handleListNodes)
			r.Get("/nodes/{nodeID}", s.handleGetNode)
			r.Post("/execute", s.handleExecute)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{execID}/logs", s.handleGetExecutionLogs)
		})

		r.Get("/ws/global", s.handleWSGlobal)
		r.Get("/ws/logs/{nodeID}", s.handleWSLogs)
	})

	s.router = r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// metricsHandler refreshes the fan-out gauges immediately before every
// scrape, since nothing else drives them on a timer.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshFanoutGauges()
		inner.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("starting viewer http server")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the handler for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
