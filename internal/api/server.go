package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Server serves the API until its context is canceled.
type Server struct {
	addr       string
	handler    *Handler
	httpServer *http.Server
}

// NewServer creates a server for ctl on host:port.
func NewServer(host string, port int, ctl Controller) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		handler: NewHandler(ctl),
	}
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	gin.SetMode(gin.ReleaseMode)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler.InitRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
