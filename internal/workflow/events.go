package workflow

import (
	"sync"
	"time"
)

// EventType enumerates workflow lifecycle signals emitted to listeners.
type EventType string

const (
	// EventStageStarted indicates a stage began executing.
	EventStageStarted EventType = "stage_started"
	// EventStageCompleted indicates a stage finished successfully.
	EventStageCompleted EventType = "stage_completed"
	// EventStageFailed indicates a stage finished with an error.
	EventStageFailed EventType = "stage_failed"
	// EventRunCompleted indicates the run reached DONE.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed indicates the run terminated in FAILED.
	EventRunFailed EventType = "run_failed"
)

// Event is a progress notification for UI consumption. Delivery is
// fire-and-forget: listeners cannot influence the run.
type Event struct {
	Type       EventType     `json:"type"`
	RunID      string        `json:"run_id"`
	Stage      StageName     `json:"stage,omitempty"`
	Status     RunStatus     `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	Err        string        `json:"error,omitempty"`
}

// Listener receives workflow lifecycle events.
type Listener interface {
	OnWorkflowEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnWorkflowEvent(event Event) {
	f(event)
}

// notifier fans events out to registered listeners.
type notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (n *notifier) addListener(listener Listener) {
	if listener == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
}

func (n *notifier) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.mu.RLock()
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.RUnlock()

	for _, listener := range listeners {
		listener.OnWorkflowEvent(event)
	}
}
