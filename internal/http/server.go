// README: API server; owns the listener and graceful shutdown.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/config"
)

type Server struct {
	srv *http.Server
	cfg config.HTTPConfig
	log logrus.FieldLogger
}

func NewServer(cfg config.HTTPConfig, handler http.Handler, log logrus.FieldLogger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg: cfg,
		log: log,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("shutting down http server")
	return s.srv.Shutdown(shutdownCtx)
}
