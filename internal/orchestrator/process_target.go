package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/inbox"
)

const (
	defaultGracePeriod = 10 * time.Second
	stderrTailLines    = 20
	maxLineSize        = 1 << 20
)

// ProcessTarget runs a worker executable. The input goes to stdin, every
// stdout line is a JSON Message, and the tail of stderr becomes the error
// text when the process exits unsuccessfully.
type ProcessTarget struct {
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	GracePeriod time.Duration
	InboxSize   int
	Logger      *slog.Logger
}

func (t *ProcessTarget) Spawn(_ context.Context) (Unit, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := t.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	size := t.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}

	// The unit outlives the spawning request, so it gets its own context.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	cmd.Dir = t.Dir
	cmd.Env = t.environ()
	cmd.Cancel = func() error { return cmd.Process.Signal(stopSignal) }
	cmd.WaitDelay = grace

	stderr := newTailBuffer(stderrTailLines)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	u := &processUnit{
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		stdin:  stdin,
		stderr: stderr,
		events: inbox.New[UnitEvent](size, 5*time.Second, logger),
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go u.wait(stdout)
	return u, nil
}

func (t *ProcessTarget) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.Env[k])
	}
	return env
}

type processUnit struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *tailBuffer
	events *inbox.Inbox[UnitEvent]
	logger *slog.Logger
	once   sync.Once
}

func (u *processUnit) Events() *inbox.Inbox[UnitEvent] { return u.events }

// Deliver writes input to stdin in the background and closes it.
func (u *processUnit) Deliver(input []byte) error {
	delivered := false
	u.once.Do(func() {
		delivered = true
		data := append([]byte(nil), input...)
		go func() {
			if _, err := u.stdin.Write(data); err != nil {
				u.logger.Warn("failed to write worker input", "error", err)
			}
			u.stdin.Close()
		}()
	})
	if !delivered {
		return ErrDelivered
	}
	return nil
}

// Terminate signals the process and kills it if it is still running after
// the grace period.
func (u *processUnit) Terminate() { u.cancel() }

func (u *processUnit) wait(stdout io.Reader) {
	defer u.events.Close()
	ctx := context.Background()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		u.events.Send(ctx, MessageEvent(parseLine(line)))
	}
	if err := scanner.Err(); err != nil {
		u.logger.Warn("stopped reading worker output", "error", err)
		// keep the pipe drained so the process is not blocked on a write
		io.Copy(io.Discard, stdout)
	}

	err := u.cmd.Wait()
	aborted := u.ctx.Err() != nil
	u.cancel()

	status := ExitStatus{Aborted: aborted}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
		} else {
			status.Code = 1
		}
		if status.Code == 0 {
			// output pipes outlived WaitDelay
			status.Code = 1
		}
	}

	if !status.Success() && !aborted {
		if tail := u.stderr.String(); tail != "" {
			u.events.Send(ctx, ErrorEvent(errors.New(tail)))
		}
	}
	u.logger.Debug("worker exited", "code", status.Code, "aborted", aborted)
	u.events.Send(ctx, ExitEvent(status))
}

// parseLine reads one stdout line. Lines that are not a JSON message are
// passed on as plain text.
func parseLine(line []byte) Message {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil || (msg.Msg == "" && msg.Status == "") {
		return Message{Msg: string(line)}
	}
	return msg
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial strings.Builder
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p {
		if c == '\n' {
			b.push(b.partial.String())
			b.partial.Reset()
			continue
		}
		b.partial.WriteByte(c)
	}
	return len(p), nil
}

func (b *tailBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := append([]string(nil), b.lines...)
	if b.partial.Len() > 0 {
		lines = append(lines, b.partial.String())
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (t *ProcessTarget) String() string {
	return fmt.Sprintf("process(%s)", t.Command)
}
