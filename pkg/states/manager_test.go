package states

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
)

type recordedEvent struct {
	kind string
	from string
	to   string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) TransitionRecorded(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "recorded", from: from, to: to})
}

func (r *fakeRecorder) TransitionRejected(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "rejected", from: from, to: to})
}

func (r *fakeRecorder) StateEntered(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "entered", to: state})
}

func newTestManager(p *profile.Profile) *Manager {
	return NewManager(p, clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestManagerStartsInShutdown(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	assert.Equal(t, StateShutdown, m.Current())
	assert.Equal(t, CognitiveState(""), m.Previous())
	assert.Empty(t, m.History())
}

func TestStartupTargetState(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	assert.Equal(t, StateWakeup, m.StartupTargetState())
	assert.False(t, m.WakeupBypassed())

	p := profile.Default()
	p.Wakeup.Enabled = false
	m = newTestManager(p)
	assert.Equal(t, StateWork, m.StartupTargetState(), "disabled wakeup boots straight to WORK")
	assert.True(t, m.WakeupBypassed())
}

func TestStartupTargetComputedOnDemand(t *testing.T) {
	t.Parallel()

	p := profile.Default()
	m := newTestManager(p)
	require.Equal(t, StateWakeup, m.StartupTargetState())

	// The profile is owned by the caller until startup completes; the
	// manager must not have captured the answer at construction.
	p.Wakeup.Enabled = false
	assert.Equal(t, StateWork, m.StartupTargetState())
}

func TestTransitionToRecordsHistory(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(profile.Default(), clock.Fake(fixed))

	require.True(t, m.TransitionTo(StateWakeup, "startup"))
	require.True(t, m.TransitionTo(StateWork, "wakeup complete"))

	assert.Equal(t, StateWork, m.Current())
	assert.Equal(t, StateWakeup, m.Previous())

	hist := m.History()
	require.Len(t, hist, 2)
	assert.Equal(t, StateShutdown, hist[0].From)
	assert.Equal(t, StateWakeup, hist[0].To)
	assert.Equal(t, "startup", hist[0].Reason)
	assert.Equal(t, fixed, hist[0].At)
	assert.Equal(t, StateWakeup, hist[1].From)
	assert.Equal(t, StateWork, hist[1].To)
}

func TestTransitionToSameStateIsNoOp(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	require.True(t, m.TransitionTo(StateWork, "startup"))
	prev := m.Previous()

	assert.True(t, m.TransitionTo(StateWork, "again"), "same-state request reports success")
	assert.Len(t, m.History(), 1, "same-state request writes no history")
	assert.Equal(t, prev, m.Previous(), "same-state request leaves previous untouched")
}

func TestTransitionToRejectsIllegalMove(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	m := newTestManager(profile.Default())
	m.SetRecorder(rec)
	require.True(t, m.TransitionTo(StateWork, "startup"))
	require.True(t, m.TransitionTo(StatePlay, "break time"))

	assert.False(t, m.TransitionTo(StateDream, "skip the hub"), "PLAY -> DREAM must route through WORK")
	assert.Equal(t, StatePlay, m.Current(), "rejected transition leaves state unchanged")
	assert.Len(t, m.History(), 2, "rejected transition writes no history")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, "rejected", last.kind)
	assert.Equal(t, string(StatePlay), last.from)
	assert.Equal(t, string(StateDream), last.to)
}

func TestTransitionToDisabledStateRejected(t *testing.T) {
	t.Parallel()

	p := profile.Default()
	p.Solitude.Enabled = false
	m := newTestManager(p)
	require.True(t, m.TransitionTo(StateWork, "startup"))

	assert.False(t, m.TransitionTo(StateSolitude, "quiet time"))
	assert.Equal(t, StateWork, m.Current())
}

func TestWakeupUnreachableWhenBypassed(t *testing.T) {
	t.Parallel()

	p := profile.Default()
	p.Wakeup.Enabled = false
	m := newTestManager(p)

	assert.False(t, m.CanTransitionTo(StateWakeup))
	assert.False(t, m.TransitionTo(StateWakeup, "startup"))
	assert.Equal(t, StateShutdown, m.Current())

	require.True(t, m.TransitionTo(m.StartupTargetState(), "startup"))
	assert.Equal(t, StateWork, m.Current())
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	require.True(t, m.TransitionTo(StateWork, "startup"))

	// Bounce WORK <-> PLAY well past the cap.
	for i := 0; i < historyLimit; i++ {
		require.True(t, m.TransitionTo(StatePlay, fmt.Sprintf("bounce %d", i)))
		require.True(t, m.TransitionTo(StateWork, fmt.Sprintf("return %d", i)))
	}

	hist := m.History()
	assert.Len(t, hist, historyLimit)
	assert.Equal(t, StateWork, hist[len(hist)-1].To, "newest entry survives trimming")
}

func TestHistoryReturnsCopy(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	require.True(t, m.TransitionTo(StateWork, "startup"))

	hist := m.History()
	hist[0].Reason = "tampered"
	assert.Equal(t, "startup", m.History()[0].Reason)
}

func TestTransitionRecorderEvents(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	m := newTestManager(profile.Default())
	m.SetRecorder(rec)

	require.True(t, m.TransitionTo(StateWakeup, "startup"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.Equal(t, recordedEvent{kind: "recorded", from: "SHUTDOWN", to: "WAKEUP"}, rec.events[0])
	assert.Equal(t, recordedEvent{kind: "entered", to: "WAKEUP"}, rec.events[1])
}

func TestConcurrentTransitionsStayConsistent(t *testing.T) {
	t.Parallel()

	m := newTestManager(profile.Default())
	require.True(t, m.TransitionTo(StateWork, "startup"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.TransitionTo(StatePlay, "race")
				m.TransitionTo(StateWork, "race")
				m.Current()
				m.History()
			}
		}()
	}
	wg.Wait()

	cur := m.Current()
	assert.Contains(t, []CognitiveState{StateWork, StatePlay}, cur)
	for _, tr := range m.History() {
		assert.True(t, Allowed(tr.From, tr.To, m.Profile()), "history holds only legal transitions: %s -> %s", tr.From, tr.To)
	}
}
