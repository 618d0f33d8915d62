// Package cli implements the interactive terminal channel adapter. It
// reads stdin lines as inbound messages on the "cli" channel and
// prints agent output back to the terminal.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// Kind is the factory key for this adapter.
const Kind = "cli"

// Channel is the single channel this adapter serves.
const Channel = "cli"

func init() {
	adapter.Register(Kind, func(deps adapter.Deps) (adapter.Adapter, error) {
		cfg, ok := deps.Options.(Config)
		if !ok {
			if ptr, okPtr := deps.Options.(*Config); okPtr {
				cfg = *ptr
			} else {
				return nil, fmt.Errorf("cli adapter: options must be cli.Config, got %T", deps.Options)
			}
		}
		return New(cfg, deps.Clock), nil
	})
}

// Config configures the terminal adapter.
type Config struct {
	// Enabled turns the adapter on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// AuthorID attributes inbound lines. Default: "operator"
	AuthorID string `mapstructure:"author_id" yaml:"author_id,omitempty"`

	// Priority is the communication provider priority (high, normal,
	// low). Default: normal
	Priority string `mapstructure:"priority" validate:"omitempty,oneof=high normal low" yaml:"priority,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.AuthorID == "" {
		c.AuthorID = "operator"
	}
	if c.Priority == "" {
		c.Priority = services.PriorityNormal.String()
	}
}

// Adapter is the terminal channel adapter. It implements
// adapter.Adapter, adapter.Runner, and adapter.SinkSetter, and
// registers itself as a communication provider.
type Adapter struct {
	config Config
	clk    clock.Clock

	in  io.Reader
	out io.Writer

	mu   sync.RWMutex
	sink adapter.Sink

	writeMu sync.Mutex

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a terminal adapter bound to stdin/stdout.
func New(cfg Config, clk clock.Clock) *Adapter {
	return NewWithIO(cfg, clk, os.Stdin, os.Stdout)
}

// NewWithIO creates a terminal adapter with explicit streams. Tests
// use this to substitute pipes.
func NewWithIO(cfg Config, clk clock.Clock, in io.Reader, out io.Writer) *Adapter {
	cfg.ApplyDefaults()
	return &Adapter{
		config: cfg,
		clk:    clk,
		in:     in,
		out:    out,
		stopCh: make(chan struct{}),
	}
}

// Name identifies this adapter instance.
func (a *Adapter) Name() string { return "cli:stdin" }

// Kind is the factory key the adapter was created under.
func (a *Adapter) Kind() string { return Kind }

// Start marks the adapter ready. The read loop runs in Run.
func (a *Adapter) Start(ctx context.Context) error {
	a.running.Store(true)
	logger.Info("CLI adapter ready",
		logger.KeyAdapter, a.Name(),
		logger.KeyChannelID, Channel)
	return nil
}

// Run reads lines until the input closes or the context is cancelled.
// Each non-empty line becomes one inbound message.
//
// The reader goroutine stays blocked on the terminal read after
// cancellation; it exits with the process.
func (a *Adapter) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("cli adapter read: %w", err)
			}
			logger.Info("CLI input closed",
				logger.KeyAdapter, a.Name())
			return nil
		case line := <-lines:
			a.handleLine(ctx, line)
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	sink := a.messageSink()
	if sink == nil {
		a.print("agent is not accepting messages yet")
		return
	}

	msg := adapter.IncomingMessage{
		ID:         uuid.New().String(),
		ChannelID:  Channel,
		AuthorID:   a.config.AuthorID,
		Content:    line,
		ReceivedAt: a.clk.Now(),
	}
	if err := sink.HandleIncoming(ctx, msg); err != nil {
		a.print(fmt.Sprintf("message not accepted: %v", err))
		logger.Warn("CLI message rejected",
			logger.KeyAdapter, a.Name(),
			logger.KeyError, err.Error())
	}
}

// Stop ends the run loop. Safe to call repeatedly.
func (a *Adapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.running.Store(false)
		close(a.stopCh)
		logger.Info("CLI adapter stopped",
			logger.KeyAdapter, a.Name())
	})
	return nil
}

// IsHealthy reports whether the adapter is accepting input.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	return a.running.Load()
}

// SetSink attaches the runtime's inbound message handler.
func (a *Adapter) SetSink(s adapter.Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

func (a *Adapter) messageSink() adapter.Sink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink
}

// SendMessage prints agent output to the terminal. This is the
// communication capability the adapter registers.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content string) error {
	if !a.running.Load() {
		return fmt.Errorf("cli adapter is not running")
	}
	if channelID != "" && channelID != Channel {
		return fmt.Errorf("cli adapter serves channel %q, not %q", Channel, channelID)
	}
	a.print(content)
	return nil
}

func (a *Adapter) print(s string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprintf(a.out, "ciris> %s\n", s)
}

// Services declares the adapter's communication registration.
func (a *Adapter) Services() []services.Spec {
	priority, err := services.ParsePriority(a.config.Priority)
	if err != nil {
		priority = services.PriorityNormal
	}
	return []services.Spec{{
		Type:         services.TypeCommunication,
		Provider:     a,
		Priority:     priority,
		Capabilities: []string{services.CapabilitySendMessage},
		Bucket:       services.BucketAdapter,
	}}
}
