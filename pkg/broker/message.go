package broker

import "errors"

const (
	ArchiveCreated = "archive_created"
	ArchiveDeleted = "archive_deleted"
	CommandFailed  = "command_failed"
	RunCompleted   = "run_completed"
)

// ErrUnknownEventType is raised when receiving unhandled event from broker.
var ErrUnknownEventType = errors.New("unknown event type")

// Message is the message event format.
type Message struct {
	EventType string `json:"event_type"`
	Host      string `json:"host"`
	CreatedAt string `json:"created_at"`

	// For archive events.
	Target  string `json:"target,omitempty"`
	Level   string `json:"level,omitempty"`
	Archive string `json:"archive,omitempty"`

	// For failures.
	Op    string `json:"op,omitempty"`
	Error string `json:"error,omitempty"`

	// For run summaries.
	Created  int     `json:"created,omitempty"`
	Deleted  int     `json:"deleted,omitempty"`
	Failures int     `json:"failures,omitempty"`
	Duration float64 `json:"duration_seconds,omitempty"`
}

// Known reports whether t is an event type feather publishes.
func Known(t string) bool {
	switch t {
	case ArchiveCreated, ArchiveDeleted, CommandFailed, RunCompleted:
		return true
	}
	return false
}
