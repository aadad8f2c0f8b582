package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onexay/hgrev/internal/config"
	"github.com/onexay/hgrev/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr    string
	handler http.Handler
	svc     *service.Service
	logger  logr.Logger
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(ctx context.Context, cfg config.Config, logger logr.Logger) (*Server, error) {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	api := service.Handler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/", api)
	mux.Handle("/swagger/", api)

	return &Server{addr: cfg.APIAddr, handler: mux, svc: svc, logger: logger.WithName("http")}, nil
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts background discovery and serves HTTP until ctx is cancelled,
// then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	s.svc.Start(ctx)
	defer func() {
		if err := s.svc.Close(); err != nil {
			s.logger.Error(err, "failed to close service")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
