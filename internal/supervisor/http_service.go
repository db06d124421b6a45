package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// httpServer is the part of *http.Server the service drives.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService serves a handler as a supervised service. A listener failure is
// returned so the tree restarts it with backoff; cancellation drains open
// requests for up to the grace period.
type HTTPService struct {
	name   string
	addr   string
	grace  time.Duration
	server httpServer
}

func NewHTTPService(name, addr string, handler http.Handler, grace time.Duration) *HTTPService {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	return newHTTPService(name, addr, srv, grace)
}

func newHTTPService(name, addr string, srv httpServer, grace time.Duration) *HTTPService {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &HTTPService{name: name, addr: addr, grace: grace, server: srv}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() { listenErr <- s.server.ListenAndServe() }()
	log.Info().Str("service", s.name).Str("addr", s.addr).Msg("http server listening")

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s closed unexpectedly", s.name)
		}
		return fmt.Errorf("%s: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", s.name, err)
	}
	<-listenErr
	log.Info().Str("service", s.name).Msg("http server stopped")
	return ctx.Err()
}

func (s *HTTPService) String() string {
	return s.name
}
