// Package jobs holds the built-in execution targets and the glue that runs
// queued import jobs through the orchestrator.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
	"github.com/livinlefevreloca/syncrunner/internal/staging"
)

// StageTargetName is the name the staging target is registered under.
const StageTargetName = "stage"

// maxRejectReports bounds how many rejected rows are reported individually.
const maxRejectReports = 5

// StageInput is the input accepted by the staging target.
type StageInput struct {
	Source  string           `json:"source"`
	Columns []string         `json:"columns,omitempty"`
	Records []staging.Record `json:"records"`
}

// DecodeStageInput parses a staging job input. Numbers stay exact.
func DecodeStageInput(data []byte) (StageInput, error) {
	var in StageInput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return StageInput{}, fmt.Errorf("%w: %w", orchestrator.ErrInvalidPayload, err)
	}
	return in, nil
}

// Stager loads records into a scratch staging store and reports progress.
type Stager struct {
	config staging.Config
	logger *slog.Logger
}

func NewStager(cfg staging.Config, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{config: cfg, logger: logger.With("component", "stager")}
}

// Target returns the staging job as a goroutine target.
func (s *Stager) Target() *orchestrator.FuncTarget {
	return &orchestrator.FuncTarget{Fn: s.Run, Logger: s.logger}
}

// Run is the staging JobFunc. The store is destroyed when the job ends.
func (s *Stager) Run(ctx context.Context, input []byte, r orchestrator.Reporter) error {
	in, err := DecodeStageInput(input)
	if err != nil {
		return err
	}

	store, err := staging.New(ctx, s.config, s.logger, in.Columns...)
	if err != nil {
		return fmt.Errorf("open staging store: %w", err)
	}
	defer func() {
		if err := store.Destroy(); err != nil {
			s.logger.Warn("failed to destroy staging store", "error", err)
		}
	}()

	if err := r.Progress("Staging %d rows from %s", len(in.Records), sourceName(in.Source)); err != nil {
		return err
	}

	w := staging.NewWriter(store, staging.WriterConfig{FlushThreshold: s.config.FlushThreshold})
	for i, rec := range in.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.Write(ctx, rec)
		if w.Buffered() == 0 {
			if err := r.Progress("Staged %d of %d rows", i+1, len(in.Records)); err != nil {
				return err
			}
		}
	}
	result := w.Close(ctx)

	for i, rej := range result.Rejected {
		if i == maxRejectReports {
			if err := r.Send(orchestrator.Message{
				Msg:   fmt.Sprintf("%d more rows rejected", len(result.Rejected)-maxRejectReports),
				Level: "warn",
			}); err != nil {
				return err
			}
			break
		}
		if err := r.Send(orchestrator.Message{
			Msg:   fmt.Sprintf("Row %d rejected: %v", rej.Index, rej.Err),
			Level: "warn",
		}); err != nil {
			return err
		}
	}

	count, err := store.GetCount(ctx)
	if err != nil {
		return fmt.Errorf("count staged rows: %w", err)
	}
	return r.Progress("Staged %d rows across %d columns", count, len(store.Columns()))
}

func sourceName(source string) string {
	if source == "" {
		return "import"
	}
	return source
}
