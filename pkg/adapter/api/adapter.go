// Package api implements the HTTP channel adapter: a chi-routed server
// exposing health probes, agent status, message ingress, and a
// per-channel outbox for agent output, authenticated with bearer
// tokens minted from a shared secret.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// Kind is the factory key for this adapter.
const Kind = "api"

// defaultChannel is used when an inbound message names no channel.
const defaultChannel = "api"

func init() {
	adapter.Register(Kind, func(deps adapter.Deps) (adapter.Adapter, error) {
		cfg, ok := deps.Options.(Config)
		if !ok {
			if ptr, okPtr := deps.Options.(*Config); okPtr {
				cfg = *ptr
			} else {
				return nil, fmt.Errorf("api adapter: options must be api.Config, got %T", deps.Options)
			}
		}
		return New(cfg, deps.Clock)
	})
}

// Adapter is the HTTP channel adapter. It implements adapter.Adapter,
// adapter.SinkSetter, adapter.StatusSetter, and registers itself as a
// communication provider.
type Adapter struct {
	config Config
	clk    clock.Clock

	server *http.Server
	tokens *tokenService
	outbox *outbox

	mu     sync.RWMutex
	sink   adapter.Sink
	status adapter.StatusSource

	listener net.Listener
	serving  atomic.Bool
	stopOnce sync.Once
}

// New creates the adapter in a stopped state. Call Start to bind the
// listener.
func New(cfg Config, clk clock.Clock) (*Adapter, error) {
	cfg.ApplyDefaults()

	tokens, err := newTokenService(cfg.Secret(), cfg.Auth.TokenDuration, clk)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		config: cfg,
		clk:    clk,
		tokens: tokens,
		outbox: newOutbox(cfg.OutboxCapacity),
	}
	a.server = &http.Server{
		Handler:      a.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// router wires the middleware stack and routes. Order matters.
func (a *Adapter) router() http.Handler {
	h := &handlers{a: a}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.liveness)
		r.Get("/ready", h.readiness)
	})
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/health", http.StatusTemporaryRedirect)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", h.issueToken)

		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(a.tokens))
			r.Get("/status", h.agentStatus)
			r.Post("/messages", h.postMessage)
			r.Get("/channels/{channel}/messages", h.fetchMessages)
		})
	})

	return r
}

// Name identifies this adapter instance.
func (a *Adapter) Name() string {
	return Kind + ":" + net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
}

// Kind is the factory key the adapter was created under.
func (a *Adapter) Kind() string { return Kind }

// Start binds the listener and begins serving in the background.
func (a *Adapter) Start(ctx context.Context) error {
	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api adapter listen on %s: %w", addr, err)
	}
	a.listener = listener
	a.serving.Store(true)

	go func() {
		logger.Info("API adapter listening",
			logger.KeyAdapter, a.Name(),
			logger.KeyAddress, listener.Addr().String())
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.serving.Store(false)
			logger.Error("API adapter serve failed",
				logger.KeyAdapter, a.Name(),
				logger.KeyError, err.Error())
		}
	}()
	return nil
}

// Stop gracefully shuts the server down. Safe to call repeatedly.
func (a *Adapter) Stop(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		a.serving.Store(false)
		if err := a.server.Shutdown(ctx); err != nil {
			stopErr = fmt.Errorf("api adapter shutdown: %w", err)
		} else {
			logger.Info("API adapter stopped",
				logger.KeyAdapter, a.Name())
		}
	})
	return stopErr
}

// IsHealthy reports whether the listener is up.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	return a.serving.Load()
}

// Port returns the actual bound port, which differs from the
// configured one when the config asked for :0.
func (a *Adapter) Port() int {
	if a.listener == nil {
		return a.config.Port
	}
	if tcp, ok := a.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return a.config.Port
}

// SetSink attaches the runtime's inbound message handler.
func (a *Adapter) SetSink(s adapter.Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

// SetStatus attaches the runtime's status source.
func (a *Adapter) SetStatus(src adapter.StatusSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = src
}

func (a *Adapter) messageSink() adapter.Sink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink
}

func (a *Adapter) statusSource() adapter.StatusSource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SendMessage queues agent output for pickup on the channel's outbox.
// This is the communication capability the adapter registers.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content string) error {
	if !a.serving.Load() {
		return fmt.Errorf("api adapter %s is not serving", a.Name())
	}
	if channelID == "" {
		channelID = defaultChannel
	}

	msg := a.outbox.append(channelID, content, a.clk.NowISO())
	logger.Debug("API message queued",
		logger.KeyAdapter, a.Name(),
		logger.KeyChannelID, channelID,
		"message_id", msg.ID)
	return nil
}

// Services declares the adapter's communication registration.
func (a *Adapter) Services() []services.Spec {
	priority, err := services.ParsePriority(a.config.Priority)
	if err != nil {
		priority = services.PriorityNormal
	}
	return []services.Spec{{
		Type:     services.TypeCommunication,
		Provider: a,
		Priority: priority,
		Capabilities: []string{
			services.CapabilitySendMessage,
			services.CapabilityFetchMessages,
		},
		Bucket: services.BucketAdapter,
	}}
}
