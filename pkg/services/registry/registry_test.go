package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

type fakeProvider struct {
	name    string
	healthy bool
}

func (p *fakeProvider) Name() string                     { return p.name }
func (p *fakeProvider) IsHealthy(_ context.Context) bool { return p.healthy }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(clock.Fake(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	_, err := reg.Register(services.Spec{Type: services.TypeTool})
	require.Error(t, err, "nil provider must be rejected")

	_, err = reg.Register(services.Spec{Provider: &fakeProvider{name: "p"}})
	require.Error(t, err, "empty service type must be rejected")
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	p := &fakeProvider{name: "tool-a", healthy: true}

	id1, err := reg.Register(services.Spec{Type: services.TypeTool, Provider: p})
	require.NoError(t, err)

	id2, err := reg.Register(services.Spec{
		Type:     services.TypeTool,
		Provider: p,
		Priority: services.PriorityHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "re-registering the same (type, provider) pair returns the original id")
	assert.Equal(t, 1, reg.Count())
}

func TestGetPriorityOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	low := &fakeProvider{name: "low", healthy: true}
	high := &fakeProvider{name: "high", healthy: true}
	normal := &fakeProvider{name: "normal", healthy: true}

	_, err := reg.Register(services.Spec{Type: services.TypeMemory, Provider: low, Priority: services.PriorityLow})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{Type: services.TypeMemory, Provider: normal, Priority: services.PriorityNormal})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{Type: services.TypeMemory, Provider: high, Priority: services.PriorityHigh})
	require.NoError(t, err)

	got, ok := reg.Get(services.TypeMemory, nil, "")
	require.True(t, ok)
	assert.Equal(t, "high", got.Name())
}

func TestGetTiesBreakByRegistrationOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	first := &fakeProvider{name: "first", healthy: true}
	second := &fakeProvider{name: "second", healthy: true}

	_, err := reg.Register(services.Spec{Type: services.TypeTool, Provider: first, Priority: services.PriorityNormal})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{Type: services.TypeTool, Provider: second, Priority: services.PriorityNormal})
	require.NoError(t, err)

	got, ok := reg.Get(services.TypeTool, nil, "")
	require.True(t, ok)
	assert.Equal(t, "first", got.Name(), "equal priorities resolve in registration order")
}

func TestGetFiltersByCapabilitySubset(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	p := &fakeProvider{name: "speaker", healthy: true}
	_, err := reg.Register(services.Spec{
		Type:         services.TypeCommunication,
		Provider:     p,
		Capabilities: []string{services.CapabilitySendMessage},
	})
	require.NoError(t, err)

	_, ok := reg.Get(services.TypeCommunication, []string{services.CapabilitySendMessage}, "")
	assert.True(t, ok)

	_, ok = reg.Get(services.TypeCommunication, []string{services.CapabilitySendMessage, services.CapabilityFetchMessages}, "")
	assert.False(t, ok, "required capabilities exceed the declared set")

	_, ok = reg.Get(services.TypeTool, nil, "")
	assert.False(t, ok, "unknown type yields none, not an error")
}

func TestHandlerScopedBeforeGlobal(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	global := &fakeProvider{name: "global", healthy: true}
	scoped := &fakeProvider{name: "scoped", healthy: true}

	// The global provider outranks the scoped one on priority; scope
	// must still win for its handler.
	_, err := reg.Register(services.Spec{Type: services.TypeTool, Provider: global, Priority: services.PriorityHigh})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{
		Type:     services.TypeTool,
		Provider: scoped,
		Priority: services.PriorityLow,
		Handlers: []string{"speak_handler"},
	})
	require.NoError(t, err)

	got, ok := reg.Get(services.TypeTool, nil, "speak_handler")
	require.True(t, ok)
	assert.Equal(t, "scoped", got.Name())

	got, ok = reg.Get(services.TypeTool, nil, "other_handler")
	require.True(t, ok)
	assert.Equal(t, "global", got.Name(), "non-matching handler falls back to global")

	got, ok = reg.Get(services.TypeTool, nil, "")
	require.True(t, ok)
	assert.Equal(t, "global", got.Name(), "unscoped lookups never see handler-scoped registrations")
}

func TestUnregisterFallsBackToNextProvider(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	a := &fakeProvider{name: "A", healthy: true}
	b := &fakeProvider{name: "B", healthy: true}

	_, err := reg.Register(services.Spec{
		Type:         services.TypeMemory,
		Provider:     a,
		Priority:     services.PriorityLow,
		Capabilities: []string{"x"},
	})
	require.NoError(t, err)
	idB, err := reg.Register(services.Spec{
		Type:         services.TypeMemory,
		Provider:     b,
		Priority:     services.PriorityHigh,
		Capabilities: []string{"x", "y"},
	})
	require.NoError(t, err)

	got, ok := reg.Get(services.TypeMemory, []string{"x"}, "")
	require.True(t, ok)
	assert.Equal(t, "B", got.Name())

	require.True(t, reg.Unregister(idB))
	assert.False(t, reg.Unregister(idB), "second unregister is a no-op")

	got, ok = reg.Get(services.TypeMemory, []string{"x"}, "")
	require.True(t, ok)
	assert.Equal(t, "A", got.Name())
}

func TestCandidatesOrderAndSnapshot(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	a := &fakeProvider{name: "a", healthy: true}
	b := &fakeProvider{name: "b", healthy: true}
	_, err := reg.Register(services.Spec{
		Type: services.TypeTool, Provider: a,
		Priority: services.PriorityLow, Capabilities: []string{"x"},
	})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{
		Type: services.TypeTool, Provider: b,
		Priority: services.PriorityHigh, Capabilities: []string{"x"},
	})
	require.NoError(t, err)

	candidates := reg.Candidates(services.TypeTool, []string{"x"}, "")
	require.Len(t, candidates, 2)
	assert.Equal(t, "b", candidates[0].Provider.Name())
	assert.Equal(t, "a", candidates[1].Provider.Name())

	// Mutating the snapshot must not reach the registry.
	candidates[0].Capabilities[0] = "mutated"
	fresh := reg.Candidates(services.TypeTool, []string{"x"}, "")
	require.Len(t, fresh, 2)
	assert.Equal(t, "x", fresh[0].Capabilities[0])
}

func TestGetAllRegistrationOrderAndDefaults(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	for _, name := range []string{"one", "two", "three"} {
		_, err := reg.Register(services.Spec{
			Type:     services.TypeTool,
			Provider: &fakeProvider{name: name, healthy: true},
		})
		require.NoError(t, err)
	}

	all := reg.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Provider.Name())
	assert.Equal(t, "two", all[1].Provider.Name())
	assert.Equal(t, "three", all[2].Provider.Name())

	for _, r := range all {
		assert.Equal(t, services.PriorityNormal, r.Priority, "zero priority defaults to NORMAL")
		assert.Equal(t, services.BucketAdapter, r.Bucket, "zero bucket defaults to adapter")
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.RegisteredAt.IsZero())
	}
}

func TestListTypesAndCounts(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	_, err := reg.Register(services.Spec{Type: services.TypeTool, Provider: &fakeProvider{name: "t"}})
	require.NoError(t, err)
	_, err = reg.Register(services.Spec{Type: services.TypeAudit, Provider: &fakeProvider{name: "a"}})
	require.NoError(t, err)

	assert.Equal(t, []services.Type{services.TypeAudit, services.TypeTool}, reg.ListTypes())
	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, 1, reg.CountType(services.TypeTool))
	assert.Equal(t, 0, reg.CountType(services.TypeMemory))
}
