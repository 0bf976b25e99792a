package progress

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func event(jobID string, status Status, msg string) Event {
	return Event{JobID: jobID, Status: status, Message: msg, Timestamp: time.Now()}
}

// drain reads every event currently buffered on sub
func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   Status
		wantOK bool
	}{
		{"", StatusProgress, true},
		{"PROGRESS", StatusProgress, true},
		{"COMPLETED", StatusCompleted, true},
		{"FAILED", StatusFailed, true},
		{"done", StatusProgress, false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProgress.Terminal())
}

func TestBroker_RoutesByJob(t *testing.T) {
	b := NewBroker(createTestLogger())
	ctx := context.Background()

	a := b.Subscribe("a", "sync-1")
	all := b.SubscribeTopics("all", TopicAll)

	b.Publish(ctx, event("sync-1", StatusProgress, "one"))
	b.Publish(ctx, event("sync-2", StatusProgress, "two"))

	gotA := drain(a)
	require.Len(t, gotA, 1)
	assert.Equal(t, "one", gotA[0].Message)

	gotAll := drain(all)
	require.Len(t, gotAll, 2)
	assert.Equal(t, "one", gotAll[0].Message)
	assert.Equal(t, "two", gotAll[1].Message)
}

func TestBroker_PreservesOrder(t *testing.T) {
	b := NewBroker(createTestLogger())
	sub := b.Subscribe("", "sync-42")
	assert.NotEmpty(t, sub.ID())

	for _, msg := range []string{"a", "b", "c"} {
		b.Publish(context.Background(), event("sync-42", StatusProgress, msg))
	}
	b.Publish(context.Background(), event("sync-42", StatusCompleted, "Complete!"))

	got := drain(sub)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"a", "b", "c", "Complete!"},
		[]string{got[0].Message, got[1].Message, got[2].Message, got[3].Message})
	assert.Equal(t, StatusCompleted, got[3].Status)
}

func TestBroker_DeduplicatesAcrossTopics(t *testing.T) {
	b := NewBroker(createTestLogger())
	sub := b.Subscribe("s", "sync-1")
	b.SubscribeTopics("s", TopicAll)
	assert.ElementsMatch(t, []string{JobTopic("sync-1"), TopicAll}, sub.Topics())

	b.Publish(context.Background(), event("sync-1", StatusProgress, "once"))
	assert.Len(t, drain(sub), 1)
}

func TestBroker_FullBufferDrops(t *testing.T) {
	m := stats.New(prometheus.NewRegistry())
	b := NewBroker(createTestLogger(), WithBufferSize(2), WithMetrics(m))
	sub := b.Subscribe("slow", "sync-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(context.Background(), event("sync-1", StatusProgress, "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, drain(sub), 2)
	st := b.Stats()
	assert.Equal(t, int64(5), st.TotalPublished)
	assert.Equal(t, int64(2), st.TotalDelivered)
	assert.Equal(t, int64(3), st.TotalDropped)
}

func TestBroker_UnsubscribeAndRemove(t *testing.T) {
	b := NewBroker(createTestLogger())
	sub := b.Subscribe("s", "sync-1", "sync-2")
	assert.Equal(t, 2, b.Stats().TopicCount)

	b.Unsubscribe("s", JobTopic("sync-1"))
	assert.Equal(t, 1, b.Stats().TopicCount)
	b.Publish(context.Background(), event("sync-1", StatusProgress, "ignored"))
	assert.Empty(t, drain(sub))

	b.RemoveSubscriber("s")
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().SubscriberCount)
	assert.Equal(t, 0, b.Stats().TopicCount)

	// publishing after removal is harmless
	b.Publish(context.Background(), event("sync-2", StatusProgress, "late"))
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(createTestLogger())
	s1 := b.Subscribe("a", "x")
	s2 := b.SubscribeTopics("b", TopicAll)

	b.Close()
	_, ok := <-s1.C()
	assert.False(t, ok)
	_, ok = <-s2.C()
	assert.False(t, ok)
}

func TestMultiSinkAndLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var seen []Event
	sink := MultiSink{
		NewLogSink(logger),
		SinkFunc(func(_ context.Context, evt Event) { seen = append(seen, evt) }),
	}

	sink.Publish(context.Background(), event("sync-9", StatusFailed, "boom"))

	require.Len(t, seen, 1)
	assert.Contains(t, buf.String(), "job_id=sync-9")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "message=boom")
}
