package services

import "context"

// Provider is the minimal contract every registered service instance
// implements. Health is probed by callers at dispatch time; the
// registry itself never probes.
type Provider interface {
	// Name identifies the provider instance in logs and status
	// output, e.g. "api:communication" or "store:sqlite".
	Name() string

	// IsHealthy reports whether the provider can currently serve
	// requests.
	IsHealthy(ctx context.Context) bool
}

// Stopper is implemented by providers that hold resources requiring an
// ordered stop during shutdown. Providers without a Stop are skipped
// by the stop sequencer.
type Stopper interface {
	Stop(ctx context.Context) error
}

// CommunicationService is the typed surface of communication
// providers: anything that can deliver agent output to a channel.
type CommunicationService interface {
	Provider
	SendMessage(ctx context.Context, channelID, content string) error
}

// Capability tags declared by the shipped providers. The tag set is
// open; these constants only name the ones the runtime itself
// dispatches on.
const (
	CapabilitySendMessage   = "send_message"
	CapabilityFetchMessages = "fetch_messages"
	CapabilityRecordEntry   = "record_entry"
	CapabilityQueryTasks    = "query_tasks"
)

// HasAllCapabilities reports whether every required capability appears
// in the declared set. An empty requirement always matches.
func HasAllCapabilities(declared, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(declared))
	for _, c := range declared {
		set[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
