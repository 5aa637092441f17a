package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/config"
	"go.uber.org/zap"
)

// Server exposes the websocket push sink over HTTP. When the sink is
// disabled in configuration the server never binds a port.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the websocket listen address and mounts the sink at
// /events.
func NewServer(cfg *config.Config, ws *callback.WSSink, logger *zap.Logger) (*Server, error) {
	if !cfg.WS.Enabled {
		return &Server{logger: logger}, nil
	}

	listener, err := net.Listen("tcp", cfg.WS.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.WS.Listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/events", ws)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address, empty when disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins serving websocket subscriptions. Blocks until stopped.
// Returns immediately when the sink is disabled.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("websocket server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	s.logger.Info("websocket server stopping")
	_ = s.httpServer.Shutdown(ctx)
}
