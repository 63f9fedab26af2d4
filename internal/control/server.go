// File: internal/control/server.go
// Description: HTTP command endpoint and WebSocket event stream in front of
// the orchestrator.

package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/events"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server hosts the control API.
type Server struct {
	cfg    config.ControlConfig
	logger *zap.Logger
	ctrl   Controller
	bus    *events.Bus
	router chi.Router
}

// NewServer builds the router. Call Serve to start listening.
func NewServer(cfg config.ControlConfig, ctrl Controller, bus *events.Bus, logger *zap.Logger) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("event bus cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("control"),
		ctrl:   ctrl,
		bus:    bus,
	}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// The event stream is long-lived, so it stays outside the request timeout.
		r.Get("/ws/v1/events", s.handleEvents)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/command", s.handleCommand)
			r.Get("/state", s.handleState)
		})
	})
	return r
}

// Serve listens on the configured address until ctx is done, then shuts the
// HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("Control server listening.", zap.String("address", ln.Addr().String()), zap.Bool("auth", s.cfg.AuthSecret != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down control server.")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware allows the dashboard to be served from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
