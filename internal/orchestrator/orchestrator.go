package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/syncrunner/internal/progress"
	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

const tracerName = "github.com/livinlefevreloca/syncrunner/internal/orchestrator"

const (
	startedMessage  = "Job started"
	completeMessage = "Complete!"
	fallbackError   = "Failed due to some internal error"
	abortedMessage  = "Aborted"
)

// Orchestrator owns the registry of running executions. Each execution has
// one pump goroutine that forwards the unit's events to the progress sink in
// the order the unit produced them.
//
// mu only guards map and field updates. Spawning a unit and publishing a
// terminal event happen outside it, with the id reserved in busy so that no
// other caller can register it meanwhile.
type Orchestrator struct {
	sink     progress.Sink
	targets  *Targets
	logger   *slog.Logger
	metrics  *stats.Metrics
	tracer   trace.Tracer
	clock    Clock
	recorder *StateRecorder

	mu   sync.Mutex
	jobs map[string]*Execution
	busy map[string]chan struct{} // ids being spawned or torn down
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *stats.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithStateRecorder records every execution's state transitions.
func WithStateRecorder(r *StateRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Execution is the live handle for one registered run.
type Execution struct {
	id          string
	target      string
	unit        Unit
	onTerminate func()
	done        chan struct{}
	recorder    *StateRecorder

	// guarded by Orchestrator.mu
	state        State
	createdAt    time.Time
	updatedAt    time.Time
	lastMessage  Message
	terminalSent bool
	outcome      progress.Status
}

func (e *Execution) ID() string     { return e.id }
func (e *Execution) Target() string { return e.target }

// Done is closed once the unit has exited and the entry has left the registry.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Outcome is the status of the terminal event. It is only meaningful once
// Done is closed.
func (e *Execution) Outcome() progress.Status { return e.outcome }

// Wait blocks until the execution is done or ctx ends.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionTo must be called with Orchestrator.mu held
func (e *Execution) transitionTo(s State) {
	e.state = s
	if e.recorder != nil {
		e.recorder.Record(s)
	}
}

// snapshot must be called with Orchestrator.mu held
func (e *Execution) snapshot() JobExecution {
	return JobExecution{
		ID:          e.id,
		Target:      e.target,
		State:       e.state.Name(),
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
		LastMessage: e.lastMessage,
	}
}

func New(sink progress.Sink, targets *Targets, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if targets == nil {
		targets = NewTargets()
	}
	o := &Orchestrator{
		sink:    sink,
		targets: targets,
		logger:  logger.With("component", "orchestrator"),
		tracer:  otel.Tracer(tracerName),
		clock:   realClock{},
		jobs:    make(map[string]*Execution),
		busy:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Targets returns the target registry.
func (o *Orchestrator) Targets() *Targets { return o.targets }

// Run starts target under id and delivers input to it. If id is already
// registered the existing handle is returned and nothing is spawned.
// onTerminate, if set, is called once after the unit exits.
func (o *Orchestrator) Run(ctx context.Context, id, target string, input []byte, onTerminate func()) (*Execution, error) {
	return o.run(ctx, id, target, input, onTerminate, false)
}

// Start is Run for callers that must not join an existing execution: it
// fails with ErrAlreadyRunning instead.
func (o *Orchestrator) Start(ctx context.Context, id, target string, input []byte, onTerminate func()) (*Execution, error) {
	return o.run(ctx, id, target, input, onTerminate, true)
}

func (o *Orchestrator) run(ctx context.Context, id, target string, input []byte, onTerminate func(), exclusive bool) (e *Execution, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("job.target", target),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	existing, err := o.lockID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		o.mu.Unlock()
		if exclusive {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		span.SetAttributes(attribute.Bool("job.existing", true))
		return existing, nil
	}

	t, ok := o.targets.Lookup(target)
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	gate := make(chan struct{})
	o.busy[id] = gate
	o.mu.Unlock()

	unit, err := t.Spawn(ctx)

	o.mu.Lock()
	o.release(id, gate)
	if err != nil {
		o.mu.Unlock()
		o.logger.Error("failed to spawn unit", "job_id", id, "target", target, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	now := o.clock.Now()
	e = &Execution{
		id:          id,
		target:      target,
		unit:        unit,
		onTerminate: onTerminate,
		done:        make(chan struct{}),
		recorder:    o.recorder,
		createdAt:   now,
		updatedAt:   now,
		lastMessage: Message{Msg: startedMessage},
	}
	e.transitionTo(&RunningState{})
	o.jobs[id] = e
	o.mu.Unlock()

	o.metrics.ExecutionStarted(target)
	o.logger.Info("job started", "job_id", id, "target", target)

	// The pump is reading before the unit sees its input.
	go o.pump(e)

	if err := unit.Deliver(input); err != nil {
		o.logger.Error("failed to deliver input", "job_id", id, "error", err)
		unit.Terminate()
	}
	return e, nil
}

// lockID locks o.mu once no spawn or teardown is in progress for id and
// returns the execution registered under it, if any. On error o.mu is not
// held.
func (o *Orchestrator) lockID(ctx context.Context, id string) (*Execution, error) {
	for {
		o.mu.Lock()
		gate, busy := o.busy[id]
		if !busy {
			return o.jobs[id], nil
		}
		o.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release must be called with o.mu held
func (o *Orchestrator) release(id string, gate chan struct{}) {
	if o.busy[id] == gate {
		delete(o.busy, id)
	}
	close(gate)
}

// pump consumes the unit's events until its inbox is closed.
func (o *Orchestrator) pump(e *Execution) {
	events := e.unit.Events()
	for {
		evt, ok := events.Receive(context.Background())
		if !ok {
			o.logger.Error("unit closed without an exit event", "job_id", e.id)
			o.finish(e, ExitStatus{Code: -1})
			return
		}

		switch evt.Kind {
		case EventMessage:
			o.handleMessage(e, evt.Message)
		case EventError:
			o.handleError(e, evt.Err)
		case EventExit:
			o.finish(e, evt.Exit)
			// let the unit finish closing its inbox
			for {
				if _, ok := events.Receive(context.Background()); !ok {
					return
				}
			}
		default:
			o.logger.Warn("unknown unit event", "job_id", e.id, "kind", evt.Kind)
		}
	}
}

func (o *Orchestrator) handleMessage(e *Execution, msg Message) {
	status, known := progress.ParseStatus(msg.Status)
	if !known {
		o.logger.Warn("unknown progress status", "job_id", e.id, "status", msg.Status)
	}

	o.mu.Lock()
	if e.terminalSent {
		o.mu.Unlock()
		o.logger.Warn("dropping message after terminal event", "job_id", e.id, "msg", msg.Msg)
		return
	}
	e.lastMessage = msg
	e.updatedAt = o.clock.Now()
	if status.Terminal() {
		e.terminalSent = true
		e.outcome = status
	}
	o.mu.Unlock()

	o.publish(e, status, msg.Msg, msg.Level)
}

func (o *Orchestrator) handleError(e *Execution, err error) {
	text := fallbackError
	if err != nil && err.Error() != "" {
		text = err.Error()
	}

	o.mu.Lock()
	if e.terminalSent {
		o.mu.Unlock()
		o.logger.Warn("dropping error after terminal event", "job_id", e.id, "error", text)
		return
	}
	e.terminalSent = true
	e.outcome = progress.StatusFailed
	e.lastMessage = Message{Msg: text, Status: string(progress.StatusFailed)}
	e.updatedAt = o.clock.Now()
	o.mu.Unlock()

	o.logger.Error("job reported error", "job_id", e.id, "error", text)
	o.publish(e, progress.StatusFailed, text, "error")
}

// finish runs the termination bookkeeping. The entry is removed before the
// terminal event is published, so anyone who sees the event and then asks
// IsRunning gets false. The id stays reserved until the publish returns,
// which keeps a rerun's events behind this one's terminal event.
func (o *Orchestrator) finish(e *Execution, exit ExitStatus) {
	if e.onTerminate != nil {
		o.callOnTerminate(e)
	}

	o.mu.Lock()
	_, stopping := e.state.(*StoppingState)
	if stopping {
		exit.Aborted = true
	}

	var terminal *progress.Event
	if !e.terminalSent {
		e.terminalSent = true
		evt := progress.Event{Status: progress.StatusCompleted, Message: completeMessage}
		switch {
		case exit.Aborted:
			evt = progress.Event{Status: progress.StatusFailed, Message: abortedMessage}
		case !exit.Success():
			evt = progress.Event{Status: progress.StatusFailed, Message: fmt.Sprintf("Failed with exit code %d", exit.Code)}
		}
		e.outcome = evt.Status
		terminal = &evt
	}

	var gate chan struct{}
	if current, ok := o.jobs[e.id]; ok && current == e {
		delete(o.jobs, e.id)
		gate = make(chan struct{})
		o.busy[e.id] = gate
	}
	switch s := e.state.(type) {
	case *RunningState:
		e.transitionTo(s.ToExited())
	case *StoppingState:
		e.transitionTo(s.ToExited())
	}
	runtime := o.clock.Now().Sub(e.createdAt)
	o.mu.Unlock()

	if terminal != nil {
		o.publish(e, terminal.Status, terminal.Message, "")
	}
	if gate != nil {
		o.mu.Lock()
		o.release(e.id, gate)
		o.mu.Unlock()
	}

	o.metrics.ExecutionFinished(string(e.outcome), runtime)
	inboxStats := e.unit.Events().GetStats()
	o.metrics.UnitInbox(inboxStats.MaxDepthSeen, inboxStats.SlowSendCount)
	close(e.done)
	o.logger.Info("job finished",
		"job_id", e.id,
		"exit_code", exit.Code,
		"aborted", exit.Aborted,
		"runtime", runtime)
}

func (o *Orchestrator) callOnTerminate(e *Execution) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("onTerminate panic recovered", "job_id", e.id, "panic", r)
		}
	}()
	e.onTerminate()
}

func (o *Orchestrator) publish(e *Execution, status progress.Status, msg, level string) {
	o.sink.Publish(context.Background(), progress.Event{
		JobID:     e.id,
		Status:    status,
		Message:   msg,
		Level:     level,
		Timestamp: o.clock.Now(),
	})
	o.metrics.ProgressEvent(string(status))
}

// Stop asks the execution registered under id to terminate and waits for it
// to exit. It returns nil at once if nothing is registered, and
// ErrStopTimeout if ctx ends first. Stop emits no events itself.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	return o.stop(ctx, id, false)
}

// Abort is Stop that fails with ErrNotRunning when nothing is registered.
func (o *Orchestrator) Abort(ctx context.Context, id string) error {
	return o.stop(ctx, id, true)
}

func (o *Orchestrator) stop(ctx context.Context, id string, strict bool) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stop",
		trace.WithAttributes(attribute.String("job.id", id)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e, err := o.lockID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStopTimeout, id, err)
	}
	if e == nil {
		o.mu.Unlock()
		if strict {
			return fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
		return nil
	}
	if s, running := e.state.(*RunningState); running {
		e.transitionTo(s.ToStopping())
	}
	o.mu.Unlock()

	o.logger.Info("stopping job", "job_id", id)
	e.unit.Terminate()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrStopTimeout, id, ctx.Err())
	}
}

// IsRunning reports whether id is registered.
func (o *Orchestrator) IsRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[id]
	return ok
}

// GetJob returns a snapshot of the execution registered under id.
func (o *Orchestrator) GetJob(id string) (JobExecution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return JobExecution{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every registered execution, oldest first.
func (o *Orchestrator) List() []JobExecution {
	o.mu.Lock()
	out := make([]JobExecution, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.snapshot())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown stops every registered execution concurrently.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.logger.Info("shutting down orchestrator", "running", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return o.Stop(gctx, id)
		})
	}
	return g.Wait()
}
