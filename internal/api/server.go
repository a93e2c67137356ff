package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
	"github.com/gradeflow/gradeflow/internal/websocket"
)

type Server struct {
	core *orchestrator.Core
	hub  *websocket.Hub
	port string
	srv  *http.Server
}

func NewServer(core *orchestrator.Core, hub *websocket.Hub, port string) *Server {
	return &Server{core: core, hub: hub, port: port}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.port)

	mux := http.NewServeMux()
	AddRoutes(mux, s.core, s.hub)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
