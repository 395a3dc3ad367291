// Package status serves the local HTTP health and metrics endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwlctl/netclient/internal/buildinfo"
	"github.com/kwlctl/netclient/internal/connwatch"
)

// HandlerTimeout bounds a single metrics scrape.
const HandlerTimeout = 10 * time.Second

// HealthSource reports connectivity health.
type HealthSource interface {
	IsLANOk() bool
	IsMQTTOk() bool
	Status() []connwatch.ServiceStatus
}

// StatsSource reports scheduler statistics.
type StatsSource interface {
	Stats() map[string]any
}

// Health is the GET /health response body.
type Health struct {
	LANOk     bool                      `json:"lan_ok"`
	MQTTOk    bool                      `json:"mqtt_ok"`
	Layers    []connwatch.ServiceStatus `json:"layers"`
	Scheduler map[string]any            `json:"scheduler,omitempty"`
	Version   string                    `json:"version"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address  string
	health   HealthSource
	stats    StatsSource
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithScheduler adds the scheduler's statistics to the health body.
func WithScheduler(stats StatsSource) Option {
	return func(s *Server) { s.stats = stats }
}

// NewServer creates a status server listening on address. Metrics are
// served from gatherer.
func NewServer(address string, health HealthSource, gatherer prometheus.Gatherer, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		address:  address,
		health:   health,
		gatherer: gatherer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		Timeout: HandlerTimeout,
	}))
	return r
}

// Start listens on the configured address and serves until Shutdown. It
// returns once the listener is bound; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      HandlerTimeout + 5*time.Second,
	}
	s.logger.Info("starting status server", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleHealth answers 200 while the MQTT session is up and 503
// otherwise, so that a plain HTTP probe sees the controller as reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		LANOk:   s.health.IsLANOk(),
		MQTTOk:  s.health.IsMQTTOk(),
		Layers:  s.health.Status(),
		Version: buildinfo.Version,
	}
	if s.stats != nil {
		h.Scheduler = s.stats.Stats()
	}
	code := http.StatusOK
	if !h.MQTTOk {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}
