package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/inbox"
)

// JobFunc is the body of a goroutine unit. It should return promptly once
// ctx is cancelled.
type JobFunc func(ctx context.Context, input []byte, r Reporter) error

// Reporter sends progress from a running JobFunc.
type Reporter interface {
	// Send reports msg. It fails once the unit has been terminated.
	Send(msg Message) error

	// Progress reports a plain progress message.
	Progress(format string, args ...any) error
}

// FuncTarget runs a JobFunc on its own goroutine.
type FuncTarget struct {
	Fn        JobFunc
	InboxSize int
	Logger    *slog.Logger
}

const defaultInboxSize = 64

func (t *FuncTarget) Spawn(_ context.Context) (Unit, error) {
	if t.Fn == nil {
		return nil, errors.New("no function")
	}
	size := t.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &funcUnit{
		fn:     t.Fn,
		ctx:    ctx,
		cancel: cancel,
		events: inbox.New[UnitEvent](size, 5*time.Second, t.Logger),
	}, nil
}

type funcUnit struct {
	fn     JobFunc
	ctx    context.Context
	cancel context.CancelFunc
	events *inbox.Inbox[UnitEvent]
	once   sync.Once
}

func (u *funcUnit) Events() *inbox.Inbox[UnitEvent] { return u.events }

func (u *funcUnit) Deliver(input []byte) error {
	delivered := false
	u.once.Do(func() {
		delivered = true
		go u.run(append([]byte(nil), input...))
	})
	if !delivered {
		return ErrDelivered
	}
	return nil
}

func (u *funcUnit) Terminate() { u.cancel() }

func (u *funcUnit) run(input []byte) {
	defer u.events.Close()
	defer u.cancel()

	err := u.call(input)

	// the consumer always drains, so these sends never give up
	ctx := context.Background()
	switch {
	case u.ctx.Err() != nil:
		u.events.Send(ctx, ExitEvent(ExitStatus{Code: 1, Aborted: true}))
	case err != nil:
		u.events.Send(ctx, ErrorEvent(err))
		u.events.Send(ctx, ExitEvent(ExitStatus{Code: 1}))
	default:
		u.events.Send(ctx, ExitEvent(ExitStatus{}))
	}
}

func (u *funcUnit) call(input []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.fn(u.ctx, input, u)
}

func (u *funcUnit) Send(msg Message) error {
	return u.events.Send(u.ctx, MessageEvent(msg))
}

func (u *funcUnit) Progress(format string, args ...any) error {
	return u.Send(Message{Msg: fmt.Sprintf(format, args...)})
}
