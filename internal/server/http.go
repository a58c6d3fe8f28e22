package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/moneygrid/identity/internal/config"
)

// HTTPServer runs the gin engine with timeouts and shutdown behaviour taken
// from configuration. The write timeout bounds how long a slow client can
// hold a token-endpoint response open.
type HTTPServer struct {
	engine *gin.Engine
	cfg    config.Config
}

// NewHTTPServer wraps the router for lifecycle management.
func NewHTTPServer(cfg config.Config, router *gin.Engine) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	return &HTTPServer{engine: router, cfg: cfg}
}

// Run serves on addr until ctx is done, then drains in-flight requests for at
// most the configured shutdown grace period.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("drain connections: %w", err)
		}
		return nil
	})

	return g.Wait()
}
