package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// listening returns the running http.Server and its listener, or nils
// before ListenAndServeWithShutdown has bound.
func (s *Server) listening() (*http.Server, net.Listener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.http, s.listener
}

// Addr returns the bound address, or "" before the server starts.
func (s *Server) Addr() string {
	if _, l := s.listening(); l != nil {
		return l.Addr().String()
	}
	return ""
}

// Shutdown stops accepting requests, waits for in-flight ones, then drains
// the dispatcher. It is a no-op before the server starts.
func (s *Server) Shutdown(ctx context.Context) error {
	hs, _ := s.listening()
	if hs == nil {
		return nil
	}
	if err := hs.Shutdown(ctx); err != nil {
		return err
	}
	if s.runs == nil {
		return nil
	}
	if err := s.runs.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining runs: %w", err)
	}
	return nil
}

// ListenAndServeWithShutdown serves until Shutdown is called or the process
// receives SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) ListenAndServeWithShutdown() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprint(s.cfg.Server.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http, s.listener = hs, l
	s.mu.Unlock()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	served := make(chan error, 1)
	go func() {
		err := hs.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	s.logger.Info("server started", zap.String("addr", l.Addr().String()))
	close(s.ready)

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-signals:
		s.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown", zap.Error(err))
		return err
	}
	<-served
	s.logger.Info("server shutdown complete")
	return nil
}
