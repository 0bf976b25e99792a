package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
	"github.com/livinlefevreloca/syncrunner/internal/staging"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// recordingReporter keeps every message a JobFunc reports
type recordingReporter struct {
	mu       sync.Mutex
	messages []orchestrator.Message
}

func (r *recordingReporter) Send(msg orchestrator.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingReporter) Progress(format string, args ...any) error {
	return r.Send(orchestrator.Message{Msg: fmt.Sprintf(format, args...)})
}

func (r *recordingReporter) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Msg
	}
	return out
}

func testStagingConfig(threshold int) staging.Config {
	cfg := staging.DefaultConfig()
	cfg.FlushThreshold = threshold
	return cfg
}

func TestDecodeStageInput(t *testing.T) {
	in, err := DecodeStageInput([]byte(`{
		"source": "airtable",
		"columns": ["id"],
		"records": [{"id": 9007199254740993, "tags": ["a", "b"]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "airtable", in.Source)
	assert.Equal(t, []string{"id"}, in.Columns)
	require.Len(t, in.Records, 1)
	assert.Equal(t, "9007199254740993", fmt.Sprint(in.Records[0]["id"]))

	_, err = DecodeStageInput([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, orchestrator.ErrInvalidPayload)
}

func TestStager_Run(t *testing.T) {
	stager := NewStager(testStagingConfig(2), createTestLogger())
	r := &recordingReporter{}

	input := []byte(`{
		"source": "airtable",
		"records": [
			{"id": 1, "name": "Ada"},
			{"id": 2, "name": "Grace"},
			{"id": 3, "name": "Edsger"},
			{"id": 4, "name": "Barbara"},
			{"": "no column"}
		]
	}`)
	require.NoError(t, stager.Run(context.Background(), input, r))

	texts := r.texts()
	require.Len(t, texts, 5)
	assert.Equal(t, "Staging 5 rows from airtable", texts[0])
	assert.Equal(t, "Staged 2 of 5 rows", texts[1])
	assert.Equal(t, "Staged 4 of 5 rows", texts[2])
	assert.Contains(t, texts[3], "Row 4 rejected")
	assert.Equal(t, "Staged 4 rows across 2 columns", texts[4])

	r.mu.Lock()
	assert.Equal(t, "warn", r.messages[3].Level)
	r.mu.Unlock()
}

func TestStager_RejectReportsAreBounded(t *testing.T) {
	stager := NewStager(testStagingConfig(100), createTestLogger())
	r := &recordingReporter{}

	input := []byte(`{"records": [{"":1},{"":2},{"":3},{"":4},{"":5},{"":6},{"":7}]}`)
	require.NoError(t, stager.Run(context.Background(), input, r))

	texts := r.texts()
	assert.Equal(t, "Staging 7 rows from import", texts[0])
	assert.Contains(t, texts, "2 more rows rejected")
	assert.Equal(t, "Staged 0 rows across 0 columns", texts[len(texts)-1])
}

func TestStager_InvalidInput(t *testing.T) {
	stager := NewStager(testStagingConfig(10), createTestLogger())
	err := stager.Run(context.Background(), []byte(`not json`), &recordingReporter{})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidPayload)
}

func TestStager_Cancelled(t *testing.T) {
	stager := NewStager(testStagingConfig(10), createTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &recordingReporter{}
	err := stager.Run(ctx, []byte(`{"records": [{"id": 1}]}`), r)
	assert.Error(t, err)
	assert.NotContains(t, r.texts(), "Staged 1 rows across 1 columns")
}

func TestStager_FileBackedStoreIsRemoved(t *testing.T) {
	dir := t.TempDir()
	cfg := testStagingConfig(10)
	cfg.Dir = dir
	stager := NewStager(cfg, createTestLogger())

	require.NoError(t, stager.Run(context.Background(), []byte(`{"records": [{"id": 1}]}`), &recordingReporter{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
