package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// State Path Tests - Verify executions follow expected paths
// ==============================================================================

// TestStatePaths_Transitions steps through the typed transitions directly
func TestStatePaths_Transitions(t *testing.T) {
	recorder := NewStateRecorder()

	running := &RunningState{}
	recorder.Record(running)
	stopping := running.ToStopping()
	recorder.Record(stopping)
	recorder.Record(stopping.ToExited())

	assert.Equal(t, []string{"running", "stopping", "exited"}, recorder.Path())
}

// TestStatePaths_Completion verifies a unit that finishes on its own
func TestStatePaths_Completion(t *testing.T) {
	recorder := NewStateRecorder()
	o, _ := newTestOrchestrator(t, WithStateRecorder(recorder))
	register(t, o, "quick", func(context.Context, []byte, Reporter) error { return nil })

	e, err := o.Run(context.Background(), "job-1", "quick", nil, nil)
	require.NoError(t, err)
	waitDone(t, e)

	assert.Equal(t, []string{"running", "exited"}, recorder.Path())
}

// TestStatePaths_Stopped verifies a unit stopped from outside
func TestStatePaths_Stopped(t *testing.T) {
	recorder := NewStateRecorder()
	o, _ := newTestOrchestrator(t, WithStateRecorder(recorder))
	register(t, o, "slow", untilCancelled)

	_, err := o.Run(context.Background(), "job-1", "slow", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx, "job-1"))

	assert.Equal(t, []string{"running", "stopping", "exited"}, recorder.Path())
}

// TestStatePaths_RepeatedStop verifies a second Stop does not re-enter stopping
func TestStatePaths_RepeatedStop(t *testing.T) {
	recorder := NewStateRecorder()
	o, _ := newTestOrchestrator(t, WithStateRecorder(recorder))
	release := make(chan struct{})
	register(t, o, "stubborn", func(context.Context, []byte, Reporter) error {
		<-release
		return nil
	})

	e, err := o.Run(context.Background(), "job-1", "stubborn", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		assert.ErrorIs(t, o.Stop(ctx, "job-1"), ErrStopTimeout)
		cancel()
	}
	close(release)
	waitDone(t, e)

	assert.Equal(t, []string{"running", "stopping", "exited"}, recorder.Path())
}
