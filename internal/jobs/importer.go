package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
	"github.com/livinlefevreloca/syncrunner/internal/progress"
	"github.com/livinlefevreloca/syncrunner/internal/queue"
)

var ErrImportFailed = errors.New("jobs: import failed")

const importIDPrefix = "import-"

// Importer runs queued import payloads as orchestrator executions.
type Importer struct {
	orch        *orchestrator.Orchestrator
	target      string
	stopTimeout time.Duration
	logger      *slog.Logger
}

func NewImporter(o *orchestrator.Orchestrator, target string, stopTimeout time.Duration, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		orch:        o,
		target:      target,
		stopTimeout: stopTimeout,
		logger:      logger.With("component", "importer"),
	}
}

// ImportID is the execution id used for a queued message.
func ImportID(messageID string) string { return importIDPrefix + messageID }

// Handle is a queue.Handler. It waits for the execution to finish and
// returns an error when it failed, so the queue redelivers the message.
func (i *Importer) Handle(ctx context.Context, msg queue.Message) error {
	id := ImportID(msg.ID)
	i.logger.Info("running import", "job_id", id, "topic", msg.Topic, "attempt", msg.Attempt)

	e, err := i.orch.Run(ctx, id, i.target, msg.Payload, nil)
	if err != nil {
		return err
	}

	if err := e.Wait(ctx); err != nil {
		// the consumer is going away; do not leave the execution behind
		stopCtx, cancel := context.WithTimeout(context.Background(), i.stopTimeout)
		defer cancel()
		if stopErr := i.orch.Stop(stopCtx, id); stopErr != nil {
			i.logger.Error("failed to stop import", "job_id", id, "error", stopErr)
		}
		return err
	}

	if e.Outcome() != progress.StatusCompleted {
		return fmt.Errorf("%w: %s", ErrImportFailed, id)
	}
	return nil
}
