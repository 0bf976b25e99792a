package orchestrator

import (
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/inbox"
)

// Message is a progress payload emitted by a unit.
type Message struct {
	Msg    string `json:"msg"`
	Status string `json:"status,omitempty"`
	Level  string `json:"level,omitempty"`
}

// ExitStatus describes how a unit ended.
type ExitStatus struct {
	Code    int
	Aborted bool
}

// Success reports whether the unit finished its work.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && !s.Aborted
}

// EventKind tags a UnitEvent
type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// UnitEvent is one notification from a unit. Only the field matching Kind
// is set.
type UnitEvent struct {
	Kind    EventKind
	Message Message
	Err     error
	Exit    ExitStatus
}

func MessageEvent(m Message) UnitEvent { return UnitEvent{Kind: EventMessage, Message: m} }
func ErrorEvent(err error) UnitEvent   { return UnitEvent{Kind: EventError, Err: err} }
func ExitEvent(s ExitStatus) UnitEvent { return UnitEvent{Kind: EventExit, Exit: s} }

// Unit is an isolated piece of running work. It reports through its inbox,
// which it closes after sending the exit event.
type Unit interface {
	Events() *inbox.Inbox[UnitEvent]

	// Deliver hands over the initial input. It may be called once.
	Deliver(input []byte) error

	// Terminate asks the unit to stop. The unit still reports its exit.
	Terminate()
}

// JobExecution is a snapshot of a registered execution.
type JobExecution struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastMessage Message   `json:"lastMessage"`
}

// Clock abstracts time for tests
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
