package events

import (
	"time"

	"github.com/civicdocs/backend/internal/storage/models"
)

type State string

const (
	StateStarted      State = "started"
	StateRetrying     State = "retrying"
	StateCompleted    State = "completed"
	StatePartial      State = "partial"
	StateFailed       State = "failed"
	StateFetchFailed  State = "fetch_failed"
	StateSweepSkipped State = "sweep_skipped"
)

// Event is the ephemeral status bundle published for external
// consumers. Delivery is best effort; the run's own error history is
// the durable record.
type Event struct {
	RunID       string       `json:"run_id,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Stage       models.Stage `json:"stage,omitempty"`
	State       State        `json:"state"`
	Message     string       `json:"message,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Publisher is the only event contract the pipeline needs; the
// transport layer decides who listens.
type Publisher interface {
	Emit(event Event)
}

// Nop discards events. Useful in tests and as a default.
type Nop struct{}

func (Nop) Emit(Event) {}
