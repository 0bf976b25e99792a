package staging

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestStore creates an in-memory store that is destroyed when the test ends
func newTestStore(t *testing.T, initialColumns ...string) *Store {
	t.Helper()

	s, err := New(context.Background(), DefaultConfig(), createTestLogger(), initialColumns...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Destroy()
	})
	return s
}

// seedScenario inserts five rows where only the last has user 2
func seedScenario(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		user := 1
		if i == 5 {
			user = 2
		}
		require.NoError(t, s.AddRow(ctx, Record{"test": i, "user": user}))
	}
}

// ==============================================================================
// Keys and values
// ==============================================================================

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"user", "user"},
		{"userId", "user_Id"},
		{"user_id", "user__id"},
		{"_Private", "___Private"},
		{"ID", "_I_D"},
		{"ÉtatCivil", "_État_Civil"},
		{"trailing_", "trailing__"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalKey(tt.name))
			assert.Equal(t, tt.name, revertKey(tt.want))
		})
	}
}

func TestRevertKey_StraySeparator(t *testing.T) {
	assert.Equal(t, "a_1", revertKey("a_1"))
	assert.Equal(t, "end_", revertKey("end_"))
}

func TestCanonicalKey_NeverCollidesWithSequence(t *testing.T) {
	for _, name := range []string{"#seq", "_#seq", "_#Seq", "seq"} {
		assert.NotEqual(t, seqColumn, canonicalKey(name), name)
	}
}

func TestEncodeValue(t *testing.T) {
	v, err := encodeValue(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `JSON::{"a":1}`, v)

	v, err = encodeValue(true)
	require.NoError(t, err)
	assert.Equal(t, "JSON::true", v)

	v, err = encodeValue("JSON::not really")
	require.NoError(t, err)
	assert.Equal(t, `JSON::"JSON::not really"`, v)

	v, err = encodeValue(int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = encodeValue(uint64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = encodeValue(uint64(1) << 63)
	require.NoError(t, err)
	assert.Equal(t, "9223372036854775808", v)

	v, err = encodeValue(json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, "JSON::[1,2]", v)

	_, err = encodeValue(make(chan int))
	assert.Error(t, err)
}

func TestDecodeValue(t *testing.T) {
	v, err := decodeValue([]byte(`JSON::{"a":[1,"x"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{float64(1), "x"}}, v)

	v, err = decodeValue(`JSON::"JSON::not really"`)
	require.NoError(t, err)
	assert.Equal(t, "JSON::not really", v)

	v, err = decodeValue(int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = decodeValue("JSON::{broken")
	assert.Error(t, err)
}

// ==============================================================================
// Store
// ==============================================================================

func TestStore_Scenario(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)
	ctx := context.Background()

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	row, err := s.GetRow(ctx, "user", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, row["test"])

	page, err := s.GetLimit(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, Record{"test": int64(1), "user": int64(1)}, page[0])
	assert.Equal(t, Record{"test": int64(2), "user": int64(1)}, page[1])
}

func TestStore_GetLimitOffset(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)

	page, err := s.GetLimit(context.Background(), 10, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 4, page[0]["test"])
	assert.EqualValues(t, 5, page[1]["test"])

	page, err = s.GetLimit(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := Record{
		"externalId": "rec123",
		"Name":       "Ada",
		"score":      float64(9.5),
		"count":      int64(42),
		"snake_case": "kept",
		"_Private":   "x",
		"fields": map[string]any{
			"nested": []any{"a", float64(2), map[string]any{"deep": true}},
		},
		"tags":   []any{"x", "y"},
		"flag":   false,
		"marker": "JSON::literal",
	}
	require.NoError(t, s.AddRow(ctx, original))

	row, err := s.GetRow(ctx, "externalId", "rec123")
	require.NoError(t, err)
	assert.Equal(t, original, row)

	stream, err := s.GetStream(ctx)
	require.NoError(t, err)
	var streamed []Record
	for rec, err := range stream.All() {
		require.NoError(t, err)
		streamed = append(streamed, rec)
	}
	require.Len(t, streamed, 1)
	assert.Equal(t, original, streamed[0])
}

func TestStore_LargeUnsigned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRow(ctx, Record{
		"id":    "big",
		"max":   uint64(math.MaxUint64),
		"high":  uint64(1) << 63,
		"small": uint64(12),
	}))

	row, err := s.GetRow(ctx, "id", "big")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551615", row["max"])
	assert.Equal(t, "9223372036854775808", row["high"])
	assert.EqualValues(t, 12, row["small"])
}

func TestStore_SchemaEvolution(t *testing.T) {
	s := newTestStore(t, "first")
	ctx := context.Background()

	require.NoError(t, s.AddRow(ctx, Record{"first": "a"}))
	require.NoError(t, s.AddRow(ctx, Record{"second": "b"}))
	require.NoError(t, s.AddRow(ctx, Record{"first": "c", "thirdField": int64(3)}))

	rows, err := s.GetLimit(ctx, -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Record{"first": "a"}, rows[0])
	assert.Equal(t, Record{"second": "b"}, rows[1])
	assert.Equal(t, Record{"first": "c", "thirdField": int64(3)}, rows[2])

	assert.Equal(t, []string{"first", "second", "thirdField"}, s.Columns())
}

func TestStore_InitialColumns(t *testing.T) {
	s := newTestStore(t, "userId", "userId", "name")
	assert.Equal(t, []string{"userId", "name"}, s.Columns())

	_, err := New(context.Background(), DefaultConfig(), createTestLogger(), "ok", "")
	assert.ErrorIs(t, err, ErrEmptyColumn)
}

func TestStore_CaseSensitiveNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRow(ctx, Record{"userid": "lower", "userId": "camel", "user_id": "snake"}))

	row, err := s.GetRow(ctx, "userId", "camel")
	require.NoError(t, err)
	assert.Equal(t, Record{"userid": "lower", "userId": "camel", "user_id": "snake"}, row)
}

func TestStore_Projection(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)
	ctx := context.Background()

	row, err := s.GetRow(ctx, "user", 2, "test")
	require.NoError(t, err)
	assert.Equal(t, Record{"test": int64(5)}, row)

	page, err := s.GetLimit(ctx, 1, 0, "user", "missing")
	require.NoError(t, err)
	assert.Equal(t, []Record{{"user": int64(1)}}, page)

	page, err = s.GetLimit(ctx, 2, 0, "missing")
	require.NoError(t, err)
	assert.Equal(t, []Record{{}, {}}, page)
}

func TestStore_GetRowNotFound(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)
	ctx := context.Background()

	_, err := s.GetRow(ctx, "user", 99)
	assert.ErrorIs(t, err, ErrRowNotFound)

	_, err = s.GetRow(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrRowNotFound)

	// Text and integer cells do not match each other
	_, err = s.GetRow(ctx, "user", "2")
	assert.ErrorIs(t, err, ErrRowNotFound)

	_, err = s.GetRow(ctx, "", 1)
	assert.ErrorIs(t, err, ErrEmptyColumn)
}

func TestStore_GetRowNested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tags := []any{"a", "b"}
	require.NoError(t, s.AddRow(ctx, Record{"id": 1, "tags": tags}))

	row, err := s.GetRow(ctx, "tags", tags)
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["id"])
}

func TestStore_AddRowFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AddRow(ctx, Record{"bad": make(chan int), "fresh": 1})
	require.Error(t, err)

	err = s.AddRow(ctx, Record{"": 1})
	assert.ErrorIs(t, err, ErrEmptyColumn)

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Empty(t, s.Columns())
}

func TestStore_AddRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result := s.AddRows(ctx, []Record{
		{"n": 1},
		{"n": func() {}},
		{"n": 3, "extra": "x"},
		{"": "empty"},
	})

	assert.Equal(t, 2, result.Written)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Equal(t, 3, result.Rejected[1].Index)
	assert.ErrorIs(t, result.Rejected[1].Err, ErrEmptyColumn)

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStore_EmptyRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRow(ctx, Record{}))
	rows, err := s.GetLimit(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []Record{{}}, rows)
}

func TestStore_Stream(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)
	ctx := context.Background()

	stream, err := s.GetStream(ctx, "test")
	require.NoError(t, err)

	var got []int64
	for stream.Next() {
		got = append(got, stream.Record()["test"].(int64))
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	// exhausted streams stay exhausted and release the connection
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Close())

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestStore_StreamBreak(t *testing.T) {
	s := newTestStore(t)
	seedScenario(t, s)
	ctx := context.Background()

	stream, err := s.GetStream(ctx)
	require.NoError(t, err)
	for rec, err := range stream.All() {
		require.NoError(t, err)
		assert.EqualValues(t, 1, rec["test"])
		break
	}

	// the break closed the stream, so the store is usable again
	require.NoError(t, s.AddRow(ctx, Record{"test": 6}))
	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestStore_Destroy(t *testing.T) {
	s, err := New(context.Background(), DefaultConfig(), createTestLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy())

	assert.ErrorIs(t, s.AddRow(ctx, Record{"a": 1}), ErrDestroyed)
	_, err = s.GetCount(ctx)
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = s.GetLimit(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestStore_FileBacked(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	ctx := context.Background()

	s, err := New(ctx, cfg, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, s.AddRow(ctx, Record{"a": "b"}))

	files, err := filepath.Glob(filepath.Join(dir, "staging-*.db"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, s.Destroy())
	files, err = filepath.Glob(filepath.Join(dir, "staging-*.db"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStore_Isolation(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, a.AddRow(ctx, Record{"x": 1}))

	count, err := b.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// ==============================================================================
// Writer
// ==============================================================================

func TestWriter_FlushThreshold(t *testing.T) {
	s := newTestStore(t)
	w := NewWriter(s, WriterConfig{FlushThreshold: 3})
	ctx := context.Background()

	w.Write(ctx, Record{"i": 0})
	w.Write(ctx, Record{"i": 1})
	assert.Equal(t, 2, w.Buffered())

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	w.Write(ctx, Record{"i": 2})
	assert.Equal(t, 0, w.Buffered())

	count, err = s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestWriter_CloseAccumulates(t *testing.T) {
	s := newTestStore(t)
	w := NewWriter(s, WriterConfig{FlushThreshold: 2})
	ctx := context.Background()

	w.Write(ctx, Record{"i": 0})
	w.Write(ctx, Record{"i": make(chan int)})
	w.Write(ctx, Record{"i": 2})
	w.Write(ctx, Record{"": 3})
	w.Write(ctx, Record{"i": 4})

	result := w.Close(ctx)
	assert.Equal(t, 3, result.Written)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Equal(t, 3, result.Rejected[1].Index)

	count, err := s.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestWriter_DefaultThreshold(t *testing.T) {
	s := newTestStore(t)
	w := NewWriter(s, WriterConfig{})
	assert.Equal(t, DefaultConfig().FlushThreshold, w.config.FlushThreshold)
	assert.Equal(t, BatchResult{}, w.Flush(context.Background()))
}
