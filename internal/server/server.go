// Package server exposes a sqlite Backend over HTTP: a REST API for record
// mutations and a websocket endpoint multiplexing live queries. Every
// request is authenticated by a bearer token whose subject is the owner.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/almanac/internal/metrics"
	"github.com/mesh-intelligence/almanac/internal/sqlite"
)

// Defaults for the per-subject rate limiter.
const (
	DefaultRateLimit = 20
	DefaultBurst     = 40
)

const shutdownTimeout = 5 * time.Second

// Server is the data server.
type Server struct {
	backend  *sqlite.Backend
	secret   []byte
	log      logrus.FieldLogger
	limiter  *rateLimiter
	upgrader websocket.Upgrader
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRateLimit sets the sustained requests per second and burst allowed
// for each subject. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = newRateLimiter(rate.Limit(rps), burst)
	}
}

// New creates a server over an attached backend. Tokens are verified with
// secret.
func New(backend *sqlite.Backend, secret []byte, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, errors.New("server requires a backend")
	}
	if len(secret) == 0 {
		return nil, errors.New("server requires a jwt secret")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Server{
		backend: backend,
		secret:  secret,
		log:     discard,
		limiter: newRateLimiter(DefaultRateLimit, DefaultBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate, s.requestLog)
	if s.limiter != nil {
		api.Use(s.limiter.middleware(s.log))
	}
	api.HandleFunc("/records/{kind}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/records/{kind}/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}/{id}", s.handleUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/records/{kind}/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("data server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	s.log.Info("data server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Attached() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "detached"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
