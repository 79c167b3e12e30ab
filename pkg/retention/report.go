package retention

import (
	"time"
)

// Report summarizes one run.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Created    []string  `json:"created"`
	Deleted    []string  `json:"deleted"`
	Failures   []Failure `json:"failures"`
	Error      string    `json:"error,omitempty"`
}

// Failure is a create or delete that did not succeed.
type Failure struct {
	Op      string `json:"op"`
	Archive string `json:"archive"`
	Error   string `json:"error"`
}

func (r *Report) merge(other *Report) {
	if other == nil {
		return
	}
	r.Created = append(r.Created, other.Created...)
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failures = append(r.Failures, other.Failures...)
}

// Observer is notified of engine events. Implementations must not block.
type Observer interface {
	ArchiveCreated(target, level, name string)
	ArchiveDeleted(target, level, name string)
	ArchiveUnparsed(name string)
	CommandFailed(op, name string, err error)
	RunCompleted(r *Report, err error, elapsed time.Duration)
}
