package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for agent runtime operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Runtime-wide keys use "agent." prefix, component-specific keys use their own prefix.
const (
	// ========================================================================
	// Agent attributes (runtime-wide)
	// ========================================================================
	AttrAgentState     = "agent.state"
	AttrAgentFromState = "agent.state.from"
	AttrAgentToState   = "agent.state.to"
	AttrAgentProfile   = "agent.profile"

	// ========================================================================
	// Service dispatch attributes
	// ========================================================================
	AttrServiceType     = "service.type"
	AttrServiceProvider = "service.provider"
	AttrServicePriority = "service.priority"
	AttrDispatchHandler = "dispatch.handler"
	AttrCapabilities    = "dispatch.capabilities"

	// ========================================================================
	// Message and task attributes
	// ========================================================================
	AttrChannelID = "message.channel_id"
	AttrTaskID    = "task.id"
	AttrTaskState = "task.state"

	// ========================================================================
	// Adapter attributes
	// ========================================================================
	AttrAdapter     = "adapter.name"
	AttrAdapterKind = "adapter.kind"

	// ========================================================================
	// Shutdown attributes
	// ========================================================================
	AttrShutdownMode   = "shutdown.mode"
	AttrShutdownBucket = "shutdown.bucket"
	AttrShutdownReason = "shutdown.reason"
	AttrCondition      = "shutdown.condition"

	// ========================================================================
	// Audit trail attributes
	// ========================================================================
	AttrAuditSequence = "audit.sequence"
	AttrAuditAction   = "audit.action"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanDispatch        = "bus.dispatch"
	SpanSendMessage     = "bus.send_message"
	SpanTransition      = "states.transition"
	SpanConsentEval     = "shutdown.evaluate"
	SpanAdapterStart    = "adapter.start"
	SpanAdapterStop     = "adapter.stop"
	SpanRuntimeStart    = "runtime.start"
	SpanRuntimeShutdown = "runtime.shutdown"
	SpanAuditRecord     = "audit.record"
	SpanAuditArchive    = "audit.archive"
	SpanTaskCreate      = "tasks.create"
	SpanTaskUpdate      = "tasks.update"
	SpanTaskQuery       = "tasks.query"
)

// AgentState returns an attribute for the current cognitive state
func AgentState(state string) attribute.KeyValue {
	return attribute.String(AttrAgentState, state)
}

// FromState returns an attribute for a transition's source state
func FromState(state string) attribute.KeyValue {
	return attribute.String(AttrAgentFromState, state)
}

// ToState returns an attribute for a transition's target state
func ToState(state string) attribute.KeyValue {
	return attribute.String(AttrAgentToState, state)
}

// Profile returns an attribute for the active behavior profile name
func Profile(name string) attribute.KeyValue {
	return attribute.String(AttrAgentProfile, name)
}

// ServiceType returns an attribute for the dispatched service type
func ServiceType(t string) attribute.KeyValue {
	return attribute.String(AttrServiceType, t)
}

// ServiceProvider returns an attribute for the chosen provider name
func ServiceProvider(name string) attribute.KeyValue {
	return attribute.String(AttrServiceProvider, name)
}

// ServicePriority returns an attribute for the chosen provider priority
func ServicePriority(p string) attribute.KeyValue {
	return attribute.String(AttrServicePriority, p)
}

// DispatchHandler returns an attribute for the requesting handler
func DispatchHandler(handler string) attribute.KeyValue {
	return attribute.String(AttrDispatchHandler, handler)
}

// Capabilities returns an attribute for the required capability set
func Capabilities(caps []string) attribute.KeyValue {
	return attribute.StringSlice(AttrCapabilities, caps)
}

// ChannelID returns an attribute for the message channel
func ChannelID(id string) attribute.KeyValue {
	return attribute.String(AttrChannelID, id)
}

// TaskID returns an attribute for a task identifier
func TaskID(id string) attribute.KeyValue {
	return attribute.String(AttrTaskID, id)
}

// TaskState returns an attribute for a task's lifecycle state
func TaskState(state string) attribute.KeyValue {
	return attribute.String(AttrTaskState, state)
}

// Adapter returns an attribute for an adapter instance name
func Adapter(name string) attribute.KeyValue {
	return attribute.String(AttrAdapter, name)
}

// AdapterKind returns an attribute for an adapter kind (api, cli, ...)
func AdapterKind(kind string) attribute.KeyValue {
	return attribute.String(AttrAdapterKind, kind)
}

// ShutdownMode returns an attribute for the profile's shutdown mode
func ShutdownMode(mode string) attribute.KeyValue {
	return attribute.String(AttrShutdownMode, mode)
}

// ShutdownBucket returns an attribute for a stop-ordering bucket
func ShutdownBucket(bucket string) attribute.KeyValue {
	return attribute.String(AttrShutdownBucket, bucket)
}

// ShutdownReason returns an attribute for a shutdown decision reason
func ShutdownReason(reason string) attribute.KeyValue {
	return attribute.String(AttrShutdownReason, reason)
}

// Condition returns an attribute for a consent condition name
func Condition(name string) attribute.KeyValue {
	return attribute.String(AttrCondition, name)
}

// AuditSequence returns an attribute for an audit entry sequence number
func AuditSequence(seq uint64) attribute.KeyValue {
	return attribute.Int64(AttrAuditSequence, int64(seq))
}

// AuditAction returns an attribute for an audited action name
func AuditAction(action string) attribute.KeyValue {
	return attribute.String(AttrAuditAction, action)
}

// StoreName returns an attribute for store name
func StoreName(name string) attribute.KeyValue {
	return attribute.String(AttrStoreName, name)
}

// StoreType returns an attribute for store type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// StartDispatchSpan starts a span for a service bus dispatch.
// This is a convenience function that sets common attributes.
func StartDispatchSpan(ctx context.Context, serviceType, handler string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ServiceType(serviceType),
	}
	if handler != "" {
		allAttrs = append(allAttrs, DispatchHandler(handler))
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanDispatch, trace.WithAttributes(allAttrs...))
}

// StartTransitionSpan starts a span for a cognitive state transition.
func StartTransitionSpan(ctx context.Context, from, to string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		FromState(from),
		ToState(to),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanTransition, trace.WithAttributes(allAttrs...))
}

// StartAdapterSpan starts a span for an adapter lifecycle operation.
func StartAdapterSpan(ctx context.Context, operation, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Adapter(name),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "adapter."+operation, trace.WithAttributes(allAttrs...))
}

// StartAuditSpan starts a span for an audit trail operation.
func StartAuditSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "audit."+operation, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task store operation.
func StartTaskSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "tasks."+operation, trace.WithAttributes(attrs...))
}
