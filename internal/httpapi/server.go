package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "rulekeeper/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Server owns the listener. Apply can move it to a new address at runtime.
type Server struct {
	mu      sync.Mutex
	handler http.Handler
	log     logx.Logger
	srv     *http.Server
	ln      net.Listener
	addr    string
}

func NewServer(h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{handler: h, log: log.With(logx.String("comp", "http"))}
}

// Apply starts, stops or rebinds the listener. An empty addr uses DefaultAddr.
func (s *Server) Apply(ctx context.Context, enabled bool, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.addr == addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(addr)
}

func (s *Server) startLocked(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv = srv
	s.ln = ln
	s.addr = addr
	bound := ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", bound))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http stopped", logx.String("addr", addr))
}

// Addr reports the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
