// Package persistence implements the task store: the durable record of
// what the agent has been asked to do and how far it got. The store
// backs the shutdown consent conditions (deferred-decision and crisis
// checks) and the API status endpoint.
//
// Two drivers ship: SQLite for single-node deployments (schema managed
// by AutoMigrate) and PostgreSQL (schema managed by versioned SQL
// migrations).
package persistence

import (
	"errors"
	"fmt"
)

// Store errors checked with errors.Is.
var (
	// ErrTaskNotFound is returned when a task id matches nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStoreClosed is returned by every operation after Stop.
	ErrStoreClosed = errors.New("task store is closed")
)

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	// TaskPending is queued work the agent has not picked up.
	TaskPending TaskStatus = "pending"
	// TaskActive is the task currently being processed.
	TaskActive TaskStatus = "active"
	// TaskCompleted is finished work.
	TaskCompleted TaskStatus = "completed"
	// TaskDeferred is work handed to a wise authority for a decision.
	TaskDeferred TaskStatus = "deferred"
	// TaskFailed is work the agent gave up on.
	TaskFailed TaskStatus = "failed"
)

// IsValid checks whether the status is one of the known states.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskActive, TaskCompleted, TaskDeferred, TaskFailed:
		return true
	}
	return false
}

// Task is one unit of agent work.
//
// Timestamps are ISO-8601 strings written through the runtime clock,
// never by the database, so fake-clock tests see exactly the values
// they injected.
type Task struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Description string     `gorm:"size:1024" json:"description"`
	Status      TaskStatus `gorm:"index;not null;size:20" json:"status"`
	Priority    int        `gorm:"not null;default:0" json:"priority"`
	Crisis      bool       `gorm:"not null;default:false" json:"crisis"`
	ChannelID   string     `gorm:"index;size:255" json:"channel_id"`
	CreatedAt   string     `gorm:"size:32" json:"created_at"`
	UpdatedAt   string     `gorm:"size:32" json:"updated_at"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// Validate checks structural requirements before a write.
func (t *Task) Validate() error {
	if t.Status == "" {
		return fmt.Errorf("task status is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	return nil
}

// Filter narrows a ListTasks query. Zero fields match everything.
type Filter struct {
	// Status keeps only tasks in this state.
	Status TaskStatus

	// ChannelID keeps only tasks observed on this channel.
	ChannelID string

	// Limit caps the result set; 0 means no cap.
	Limit int
}
