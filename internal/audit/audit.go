// Package audit records task lifecycle events to an audit trail.
package audit

import (
	"sync"
	"time"
)

// Activities recorded by the broker.
const (
	ActivityTaskRegistered = "task.registered"
	ActivityTaskQueued     = "task.queued"
	ActivityTaskDispatched = "task.dispatched"
	ActivityTaskStarted    = "task.started"
	ActivityTaskFinished   = "task.finished"
	ActivityTaskFailed     = "task.failed"
	ActivityTaskCancelled  = "task.cancelled"
	ActivityTaskFinalised  = "task.finalised"
	ActivityTaskRequeued   = "task.requeued"
	ActivityParcelRouted   = "parcel.routed"
)

// Event is one flat audit row.
type Event struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Activity    string    `gorm:"size:64;index" json:"activity"`
	TaskID      string    `gorm:"size:255;index" json:"taskId"`
	Participant string    `gorm:"size:255" json:"participant"`
	State       string    `gorm:"size:32" json:"state"`
	Detail      string    `gorm:"type:text" json:"detail"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName implements gorm's tabler.
func (Event) TableName() string {
	return "audit_events"
}

// Sink receives audit events. Record must not block the caller for long.
type Sink interface {
	Record(event Event)
}

// Noop discards events.
type Noop struct{}

func (Noop) Record(Event) {}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements Sink.
func (m *Memory) Record(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Activities returns the recorded activities of a task in order.
func (m *Memory) Activities(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.TaskID == taskID {
			out = append(out, e.Activity)
		}
	}
	return out
}

var (
	_ Sink = Noop{}
	_ Sink = (*Memory)(nil)
)
