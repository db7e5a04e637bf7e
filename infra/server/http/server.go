// Package http hosts the broker's two plain-HTTP listeners: the
// websocket client connection factory and the admin surface
// (health/stats/events) of internal/handler/http. Same Start/Stop
// lifecycle shape as infra/server/grpc.Server, wrapping a long-lived
// listener as an fx-managed component.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Server wraps *http.Server with the Start/Stop lifecycle fx expects,
// used for both the websocket listener and the admin mux — same shape,
// different handler and listen address.
type Server struct {
	log  *slog.Logger
	name string
	srv  *http.Server
}

// New builds a Server named name (used only in log lines to tell the
// websocket listener apart from the admin listener) serving handler on
// listenAt.
func New(log *slog.Logger, name, listenAt string, handler http.Handler) *Server {
	return &Server{
		log:  log,
		name: name,
		srv:  &http.Server{Addr: listenAt, Handler: handler},
	}
}

func (s *Server) Start(context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP_SERVE_FAILED", "server", s.name, "error", err)
		}
	}()
	s.log.Info("HTTP_LISTENING", "server", s.name, "address", s.srv.Addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
