package events

import "time"

// Event enumerates lifecycle topics.
type Event string

const (
	All                 Event = "*"
	EventTaskStarted    Event = "task.started"
	EventTaskStopped    Event = "task.stopped"
	EventTaskFailed     Event = "task.failed"
	EventCycleCompleted Event = "cycle.completed"
	EventIterationError Event = "cycle.failed"
	EventModeChanged    Event = "mode.changed"
	EventPromoted       Event = "mode.promoted"
)

// Message is the payload published for every event.
type Message struct {
	Event    Event     `json:"event"`
	Strategy string    `json:"strategy"`
	Symbol   string    `json:"symbol"`
	Mode     string    `json:"mode,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}
