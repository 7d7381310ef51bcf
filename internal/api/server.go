package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/offload/internal/engine"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Run calls block for as long as the worker takes; event streams lift
	// this per request.
	writeTimeout = 60 * time.Second
)

// Server exposes a handle manager over HTTP.
type Server struct {
	router  *chi.Mux
	manager *engine.Manager
	logger  *slog.Logger
	addr    string
}

// NewServer builds the router for mgr. Nothing listens until Run or Serve.
func NewServer(addr string, mgr *engine.Manager, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		manager: mgr,
		logger:  logger,
		addr:    addr,
	}

	s.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.accessLog,
		instrument,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}),
	)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/entrypoints", s.handleListEntrypoints)
		r.Get("/transports", s.handleListTransports)
		r.Get("/stats", s.handleGetStats)

		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.handleSpawnWorker)
			r.Get("/", s.handleListWorkers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Delete("/", s.handleTerminateWorker)
				r.Post("/run", s.handleRunWorker)
				r.Get("/calls", s.handleListCalls)
				r.Get("/events", s.handleStreamEvents)
			})
		})
	})

	return s
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until ctx ends or the
// process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then drains in-flight
// requests for up to shutdownTimeout. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- hs.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// accessLog writes one line per request. Probes of /healthz and /metrics
// that succeed are logged at debug.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status < http.StatusBadRequest && (r.URL.Path == "/healthz" || r.URL.Path == "/metrics"):
			level = slog.LevelDebug
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		}
		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, slog.String("handle_id", id))
		}
		s.logger.LogAttrs(r.Context(), level, "request", attrs...)
	})
}
