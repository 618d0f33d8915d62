// Package registry implements the service registry: the in-memory
// catalog the runtime dispatches against. Providers are registered
// with a service type, a priority tier, a capability set, and an
// optional handler scope; lookups filter by scope and capabilities and
// resolve deterministically by priority with registration-order ties.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// Recorder receives registry events for metrics. A nil Recorder
// disables instrumentation with zero overhead.
type Recorder interface {
	ProviderRegistered(serviceType string)
	ProviderUnregistered(serviceType string)
	LookupHit(serviceType string)
	LookupMiss(serviceType string)
}

// Registration is one immutable registry record. It embeds the
// declared Spec plus the identity the registry assigned.
type Registration struct {
	services.Spec

	// ID is the registry-assigned identity, stable for the lifetime
	// of the registration.
	ID string

	// RegisteredAt is the registration timestamp from the runtime
	// clock.
	RegisteredAt time.Time

	// seq preserves registration order for deterministic tie-breaks.
	seq uint64
}

// Registry is the thread-safe provider catalog.
//
// Dispatch rules, in order:
//  1. Handler scope: when a lookup names a handler, registrations
//     scoped to that handler are consulted before global ones. A
//     lookup without a handler sees only global registrations.
//  2. Capability subset: a candidate must declare every required
//     capability.
//  3. Priority: HIGH beats NORMAL beats LOW; ties break by
//     registration order.
//
// Health is the caller's responsibility: providers expose IsHealthy
// and the bus probes them at dispatch time. The registry never probes.
//
// Example:
//
//	reg := registry.New(clock.Real())
//	id, _ := reg.Register(services.Spec{
//	    Type:         services.TypeCommunication,
//	    Provider:     apiProvider,
//	    Priority:     services.PriorityHigh,
//	    Capabilities: []string{services.CapabilitySendMessage},
//	})
//	p, ok := reg.Get(services.TypeCommunication, []string{services.CapabilitySendMessage}, "")
type Registry struct {
	mu     sync.RWMutex
	clk    clock.Clock
	rec    Recorder
	byType map[services.Type][]*Registration
	byID   map[string]*Registration
	seq    uint64
}

// New creates an empty registry using the given clock for
// registration timestamps.
func New(clk clock.Clock) *Registry {
	return &Registry{
		clk:    clk,
		byType: make(map[services.Type][]*Registration),
		byID:   make(map[string]*Registration),
	}
}

// SetRecorder attaches a metrics recorder. Call during startup, before
// dispatch traffic begins.
func (r *Registry) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
}

// Register adds a provider under the spec's service type and returns
// the registration id. Registering the same (type, provider) pair
// again is idempotent: the existing id is returned and the original
// registration is left untouched.
//
// A zero Priority defaults to NORMAL and a zero Bucket to the adapter
// bucket.
func (r *Registry) Register(spec services.Spec) (string, error) {
	if spec.Provider == nil {
		return "", fmt.Errorf("cannot register nil provider")
	}
	if spec.Type == "" {
		return "", fmt.Errorf("cannot register provider with empty service type")
	}
	if spec.Priority == 0 {
		spec.Priority = services.PriorityNormal
	}
	if spec.Bucket == 0 {
		spec.Bucket = services.BucketAdapter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byType[spec.Type] {
		if existing.Provider == spec.Provider {
			return existing.ID, nil
		}
	}

	r.seq++
	reg := &Registration{
		Spec:         spec,
		ID:           uuid.NewString(),
		RegisteredAt: r.clk.Now(),
		seq:          r.seq,
	}
	r.byType[spec.Type] = append(r.byType[spec.Type], reg)
	r.byID[reg.ID] = reg

	if r.rec != nil {
		r.rec.ProviderRegistered(string(spec.Type))
	}
	return reg.ID, nil
}

// Unregister removes a registration by id. It reports whether a
// registration was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}
	delete(r.byID, id)

	regs := r.byType[reg.Type]
	for i, candidate := range regs {
		if candidate.ID == id {
			r.byType[reg.Type] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(r.byType[reg.Type]) == 0 {
		delete(r.byType, reg.Type)
	}

	if r.rec != nil {
		r.rec.ProviderUnregistered(string(reg.Type))
	}
	return true
}

// Get returns the preferred provider for the service type, required
// capabilities, and handler scope. Absence is (nil, false); Get never
// returns an error.
func (r *Registry) Get(t services.Type, capabilities []string, handler string) (services.Provider, bool) {
	candidates := r.Candidates(t, capabilities, handler)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0].Provider, true
}

// Candidates returns every matching registration in dispatch
// preference order: handler-scoped matches before global ones, then
// priority, then registration order. The returned slice is a snapshot
// safe for the caller to hold across registry mutations.
func (r *Registry) Candidates(t services.Type, capabilities []string, handler string) []*Registration {
	r.mu.RLock()
	rec := r.rec

	var scoped, global []*Registration
	for _, reg := range r.byType[t] {
		if !services.HasAllCapabilities(reg.Capabilities, capabilities) {
			continue
		}
		switch {
		case len(reg.Handlers) == 0:
			global = append(global, reg)
		case handler != "" && containsHandler(reg.Handlers, handler):
			scoped = append(scoped, reg)
		}
	}
	r.mu.RUnlock()

	sortByPreference(scoped)
	sortByPreference(global)
	matches := make([]*Registration, 0, len(scoped)+len(global))
	matches = append(matches, scoped...)
	matches = append(matches, global...)

	if rec != nil {
		if len(matches) == 0 {
			rec.LookupMiss(string(t))
		} else {
			rec.LookupHit(string(t))
		}
	}

	out := make([]*Registration, len(matches))
	for i, reg := range matches {
		out[i] = reg.snapshot()
	}
	return out
}

// GetAll returns a snapshot of every live registration in registration
// order. Used by the lifecycle coordinator for shutdown sequencing.
func (r *Registry) GetAll() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		all = append(all, reg.snapshot())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// ListTypes returns the service types with at least one registration.
// The returned slice is a copy and safe to modify.
func (r *Registry) ListTypes() []services.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]services.Type, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountType returns the number of live registrations for one type.
func (r *Registry) CountType(t services.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[t])
}

// snapshot copies the registration so callers can hold it across
// registry mutations. The Provider handle is shared; slices are not.
func (reg *Registration) snapshot() *Registration {
	out := *reg
	out.Capabilities = append([]string(nil), reg.Capabilities...)
	out.Handlers = append([]string(nil), reg.Handlers...)
	return &out
}

// sortByPreference orders registrations by priority, then by
// registration sequence. The sort is stable by construction since seq
// is unique.
func sortByPreference(regs []*Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
}

func containsHandler(handlers []string, handler string) bool {
	for _, h := range handlers {
		if h == handler {
			return true
		}
	}
	return false
}
