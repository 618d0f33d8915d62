package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
)

// ServerConfig configures the metrics listener.
type ServerConfig struct {
	// Port is the TCP port the exposition endpoint listens on.
	Port int

	// Path is the HTTP path serving the registry, default /metrics.
	Path string
}

func (c *ServerConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 9464
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Server serves the Prometheus exposition endpoint. It registers with
// the service registry as a telemetry provider in the infra bucket so
// it is stopped last, keeping scrapes alive through most of shutdown.
type Server struct {
	server       *http.Server
	config       ServerConfig
	shutdownOnce sync.Once
	healthy      atomic.Bool
}

// NewServer creates the metrics server. The server is created in a
// stopped state; call Start to begin serving.
func NewServer(config ServerConfig) *Server {
	config.applyDefaults()

	mux := http.NewServeMux()
	mux.Handle(config.Path, Handler())

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		config: config,
	}
}

// Start serves the exposition endpoint until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening",
			logger.KeyAddress, s.server.Addr,
			"path", s.config.Path)
		s.healthy.Store(true)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the listener down gracefully. Safe to call multiple
// times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.healthy.Store(false)
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		} else {
			logger.Info("Metrics server stopped gracefully")
		}
	})
	return shutdownErr
}

// Name identifies the server in the service registry.
func (s *Server) Name() string { return "metrics:prometheus" }

// IsHealthy reports whether the listener is serving.
func (s *Server) IsHealthy(_ context.Context) bool { return s.healthy.Load() }
