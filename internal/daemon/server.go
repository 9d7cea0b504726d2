package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const readHeaderTimeout = 5 * time.Second

// Server manages the HTTP API lifecycle for a profile daemon.
type Server struct {
	api        *api.Server
	http       *http.Server
	listener   net.Listener
	socketPath string

	metricsAddr string
	metrics     *http.Server

	logger *zap.Logger
}

// NewServer prepares the API server for the profile's Unix domain socket.
// Nothing listens until Listen.
func NewServer(p Params, cfg *config.Profile, apiSrv *api.Server, reg *prometheus.Registry, logger *zap.Logger) *Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	s := &Server{
		api:         apiSrv,
		http:        &http.Server{Handler: apiSrv, ReadHeaderTimeout: readHeaderTimeout},
		socketPath:  socketPath,
		metricsAddr: cfg.MetricsAddr,
		logger:      logger,
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", api.MetricsHandler(reg))
		s.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	}
	return s
}

// Listen binds the socket, replacing a stale one, and restricts it to the owner.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		_ = os.Remove(s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener
	return nil
}

// Start serves API requests. Blocks until stopped.
func (s *Server) Start() error {
	if s.listener == nil {
		return errors.New("server not listening")
	}
	if s.metrics != nil {
		go func() {
			s.logger.Info("metrics server starting", zap.String("addr", s.metricsAddr))
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}
	s.logger.Info("API server starting", zap.String("socket", s.socketPath))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends event streams, shuts down gracefully and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("API server stopping")
	s.api.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown", zap.Error(err))
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	_ = os.Remove(s.socketPath)
}
