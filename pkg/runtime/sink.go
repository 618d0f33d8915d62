package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
)

// HandleIncoming receives one message observed by an adapter. The
// message becomes a pending task in the store and counts as user
// activity for the consent evaluator. Messages arriving before startup
// completes or after shutdown begins are refused with
// adapter.ErrRuntimeNotReady.
func (r *Runtime) HandleIncoming(ctx context.Context, msg adapter.IncomingMessage) error {
	if !r.accepting.Load() {
		return adapter.ErrRuntimeNotReady
	}

	r.mu.Lock()
	r.lastActivity = r.clk.Now()
	r.mu.Unlock()

	if r.store == nil {
		logger.Debug("Message observed with no task store attached",
			logger.KeyChannelID, msg.ChannelID)
		return nil
	}

	task := &persistence.Task{
		Description: msg.Content,
		Status:      persistence.TaskPending,
		ChannelID:   msg.ChannelID,
	}
	id, err := r.store.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	logger.Info("Task enqueued",
		logger.KeyTaskID, id,
		logger.KeyChannelID, msg.ChannelID)
	return nil
}

// Status reports a point-in-time summary of the running agent: current
// cognitive state, live registrations, and per-adapter health. Served
// by the API adapter's status endpoint and the operator CLI.
func (r *Runtime) Status() adapter.Status {
	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = r.clk.Now().Sub(startedAt)
	}

	ctx := context.Background()
	health := make([]adapter.AdapterHealth, 0, len(r.entries))
	for _, e := range r.entries {
		health = append(health, adapter.AdapterHealth{
			Name:    e.adapter.Name(),
			Kind:    e.adapter.Kind(),
			Healthy: e.adapter.IsHealthy(ctx),
		})
	}

	return adapter.Status{
		State:     string(r.states.Current()),
		Profile:   r.profile.Name,
		StartedAt: startedAt,
		Uptime:    uptime,
		Services:  r.reg.Count(),
		Adapters:  health,
	}
}
