package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys
// consistently across all log statements so log aggregation and
// querying see one vocabulary.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Runtime Topology
	// ========================================================================
	KeyComponent = "component" // Runtime component: registry, bus, runtime, adapter name
	KeyAdapter   = "adapter"   // Channel adapter name: api, cli
	KeyService   = "service"   // Provider name, e.g. "store:sqlite"
	KeyType      = "type"      // Service type: communication, memory, tool, ...
	KeyPriority  = "priority"  // Dispatch priority tier
	KeyBucket    = "bucket"    // Shutdown ordering bucket
	KeyHandler   = "handler"   // Dispatch handler scope

	// ========================================================================
	// Agent Work
	// ========================================================================
	KeyState     = "state"      // Cognitive state name
	KeyFromState = "from_state" // Transition source state
	KeyToState   = "to_state"   // Transition target state
	KeyChannelID = "channel_id" // Communication channel
	KeyTaskID    = "task_id"    // Agent task
	KeyReason    = "reason"     // Human-readable cause
	KeyCondition = "condition"  // Shutdown consent condition name

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyCount      = "count"       // Generic count
	KeyAddress    = "address"     // Listener address host:port
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Component returns a slog.Attr for the runtime component
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Service returns a slog.Attr for a provider name
func Service(name string) slog.Attr {
	return slog.String(KeyService, name)
}

// State returns a slog.Attr for a cognitive state
func State(state string) slog.Attr {
	return slog.String(KeyState, state)
}

// ChannelID returns a slog.Attr for a communication channel
func ChannelID(id string) slog.Attr {
	return slog.String(KeyChannelID, id)
}

// TaskID returns a slog.Attr for an agent task
func TaskID(id string) slog.Attr {
	return slog.String(KeyTaskID, id)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, tolerating nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
