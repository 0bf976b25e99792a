package orchestrator

import "errors"

var (
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	ErrNotRunning     = errors.New("orchestrator: not running")
	ErrUnknownTarget  = errors.New("orchestrator: unknown target")
	ErrSpawnFailed    = errors.New("orchestrator: spawn failed")
	ErrStopTimeout    = errors.New("orchestrator: stop timed out")
	ErrInvalidPayload = errors.New("orchestrator: invalid payload")
	ErrDelivered      = errors.New("orchestrator: input already delivered")
)
