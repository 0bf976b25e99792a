// Package progress delivers job progress events to observers keyed by job id.
package progress

import (
	"context"
	"time"
)

// Status is the closed set of progress event states.
type Status string

const (
	StatusProgress  Status = "PROGRESS"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus maps a wire status to a Status. Empty input is PROGRESS; unknown
// input is PROGRESS with ok set to false.
func ParseStatus(s string) (status Status, ok bool) {
	switch Status(s) {
	case "", StatusProgress:
		return StatusProgress, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return StatusProgress, false
	}
}

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is one progress notification for a job.
type Event struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Sink receives progress events. Publish runs on the publishing job's event
// pump, so it must not block and must not call back into whatever produced
// the event. A slow Publish delays only that job's events.
type Sink interface {
	Publish(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// MultiSink publishes to every sink in order. It adds no buffering, so every
// member must honour the non-blocking Publish contract.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Publish(ctx, evt)
	}
}
