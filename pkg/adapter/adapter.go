// Package adapter defines the contract channel adapters implement and
// the factory registry the runtime creates them through.
//
// An adapter is one ingress/egress surface of the agent: the HTTP API,
// the interactive terminal, or anything else that observes messages
// from a channel and can deliver agent output back to it. Adapters are
// started concurrently by the lifecycle coordinator, polled for health
// until ready, and asked to declare the services they contribute to
// the registry once healthy.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// ErrRuntimeNotReady is returned by a Sink that is not accepting
// messages, either because startup has not finished or because
// shutdown has begun.
var ErrRuntimeNotReady = errors.New("runtime not ready")

// Adapter is the lifecycle contract every channel adapter implements.
//
// Lifecycle:
//  1. Creation via the factory registry or a direct constructor.
//  2. Start(ctx) binds resources (listeners, terminals). It must
//     return promptly; long-running work belongs in Run.
//  3. The coordinator polls IsHealthy until the adapter reports ready,
//     then registers every Spec returned by Services.
//  4. Stop(ctx) releases resources. It may be called concurrently
//     with Run and must be idempotent.
type Adapter interface {
	// Name identifies the adapter instance in logs and status output,
	// e.g. "api:0.0.0.0:8080" or "cli:stdin".
	Name() string

	// Kind is the factory key the adapter was created under, e.g.
	// "api" or "cli".
	Kind() string

	// Start binds the adapter's resources. Returning an error aborts
	// runtime startup.
	Start(ctx context.Context) error

	// Stop gracefully releases the adapter's resources. Implementations
	// must tolerate repeated calls and honor the context deadline.
	Stop(ctx context.Context) error

	// IsHealthy reports whether the adapter can serve traffic. The
	// coordinator polls this during startup; the bus probes it on
	// every dispatch through a service the adapter registered.
	IsHealthy(ctx context.Context) bool

	// Services declares the registrations this adapter contributes.
	// Called once after the adapter reports healthy.
	Services() []services.Spec
}

// Runner is implemented by adapters with a blocking run loop. The
// coordinator supervises Run in its own goroutine bound to the agent
// context: a Run return tears the runtime down, and runtime teardown
// cancels Run's context.
//
// Run must treat context cancellation as a normal exit.
type Runner interface {
	Run(ctx context.Context) error
}

// IncomingMessage is one message observed on a channel.
type IncomingMessage struct {
	ID         string
	ChannelID  string
	AuthorID   string
	Content    string
	ReceivedAt time.Time
}

// Sink receives messages adapters observe. The runtime implements
// Sink and feeds the messages to the task pipeline.
type Sink interface {
	HandleIncoming(ctx context.Context, msg IncomingMessage) error
}

// SinkSetter is implemented by adapters that observe inbound traffic.
// The runtime injects itself before Start.
type SinkSetter interface {
	SetSink(s Sink)
}

// StatusSource exposes a point-in-time runtime summary to adapters
// that surface it, such as the API adapter's status endpoint.
type StatusSource interface {
	Status() Status
}

// StatusSetter is implemented by adapters that surface runtime status.
// The runtime injects itself before Start.
type StatusSetter interface {
	SetStatus(src StatusSource)
}

// Status is a point-in-time summary of the running agent.
type Status struct {
	// State is the current cognitive state.
	State string `json:"state"`

	// Profile is the name of the loaded behavior profile.
	Profile string `json:"profile"`

	// StartedAt is when the runtime finished startup; zero before
	// startup completes.
	StartedAt time.Time `json:"started_at"`

	// Uptime is how long the runtime has been up.
	Uptime time.Duration `json:"uptime"`

	// Services is the number of live service registrations.
	Services int `json:"services"`

	// Adapters reports per-adapter health.
	Adapters []AdapterHealth `json:"adapters"`
}

// AdapterHealth is the health of one adapter in a Status report.
type AdapterHealth struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Healthy bool   `json:"healthy"`
}
