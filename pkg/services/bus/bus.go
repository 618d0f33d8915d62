// Package bus routes service calls from handlers to registered
// providers. It layers dispatch semantics over the registry: walk the
// candidates in priority order, probe health, invoke the first
// provider that can serve.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services/registry"
)

// ErrNoProvider is returned when no healthy provider matches a route.
// A lookup miss is not fatal; the caller decides how loud to be.
var ErrNoProvider = errors.New("no healthy provider available")

// Route describes where a dispatch should land: the service type, the
// capabilities the call needs, and the handler asking. Handler-scoped
// registrations win over global ones for the named handler.
type Route struct {
	Type         services.Type
	Capabilities []string
	Handler      string
}

// Recorder receives dispatch events for metrics. A nil Recorder
// disables instrumentation.
type Recorder interface {
	DispatchStarted(serviceType string)
	DispatchCompleted(serviceType, provider string, failed bool)
	DispatchMiss(serviceType string)
	ProviderSkipped(serviceType, provider string)
}

// Manager is the service bus. It holds a reference to the registry it
// dispatches against; there is no process-global instance.
type Manager struct {
	reg *registry.Registry
	rec Recorder
}

// NewManager creates a bus over the given registry.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{reg: reg}
}

// SetRecorder attaches a metrics recorder. Call during startup, before
// the bus serves traffic.
func (m *Manager) SetRecorder(rec Recorder) {
	m.rec = rec
}

// Registry returns the registry this bus dispatches against.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Dispatch routes one call. Candidates are consulted in registry
// order: handler-scoped before global, then priority, then
// registration order. Providers reporting unhealthy are skipped; the
// first healthy one receives the call and its result is returned
// as-is. When nothing healthy matches, Dispatch returns an error
// wrapping ErrNoProvider.
func (m *Manager) Dispatch(ctx context.Context, route Route, call func(context.Context, services.Provider) error) error {
	ctx, span := telemetry.StartDispatchSpan(ctx, string(route.Type), route.Handler,
		telemetry.Capabilities(route.Capabilities))
	defer span.End()

	if m.rec != nil {
		m.rec.DispatchStarted(string(route.Type))
	}

	for _, reg := range m.reg.Candidates(route.Type, route.Capabilities, route.Handler) {
		if !reg.Provider.IsHealthy(ctx) {
			if m.rec != nil {
				m.rec.ProviderSkipped(string(route.Type), reg.Provider.Name())
			}
			logger.Debug("Skipping unhealthy provider",
				logger.KeyType, string(route.Type),
				logger.KeyService, reg.Provider.Name())
			continue
		}

		span.SetAttributes(
			telemetry.ServiceProvider(reg.Provider.Name()),
			telemetry.ServicePriority(reg.Priority.String()))

		err := call(ctx, reg.Provider)
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		if m.rec != nil {
			m.rec.DispatchCompleted(string(route.Type), reg.Provider.Name(), err != nil)
		}
		return err
	}

	if m.rec != nil {
		m.rec.DispatchMiss(string(route.Type))
	}
	err := fmt.Errorf("dispatch %s: %w", route.Type, ErrNoProvider)
	telemetry.RecordError(ctx, err)
	logger.Warn("No healthy provider for dispatch",
		logger.KeyType, string(route.Type),
		logger.KeyHandler, route.Handler)
	return err
}

// SendMessage dispatches an outbound message to the first healthy
// communication provider declaring the send_message capability.
func (m *Manager) SendMessage(ctx context.Context, handler, channelID, content string) error {
	route := Route{
		Type:         services.TypeCommunication,
		Capabilities: []string{services.CapabilitySendMessage},
		Handler:      handler,
	}
	return m.Dispatch(ctx, route, func(ctx context.Context, p services.Provider) error {
		comm, ok := p.(services.CommunicationService)
		if !ok {
			return fmt.Errorf("provider %s does not implement the communication contract", p.Name())
		}
		telemetry.SetAttributes(ctx, telemetry.ChannelID(channelID))
		return comm.SendMessage(ctx, channelID, content)
	})
}
