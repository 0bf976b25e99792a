package staging

import (
	"context"
	"log/slog"
)

// WriterConfig controls Writer batching
type WriterConfig struct {
	FlushThreshold int
}

// Writer buffers records and hands them to the store in batches. A Writer
// belongs to one goroutine.
type Writer struct {
	store  *Store
	config WriterConfig
	logger *slog.Logger

	buffer []Record
	offset int // records handed to the store so far
	total  BatchResult
}

// NewWriter creates a batching writer for s. A non-positive threshold falls
// back to the default.
func NewWriter(s *Store, cfg WriterConfig) *Writer {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultConfig().FlushThreshold
	}
	return &Writer{
		store:  s,
		config: cfg,
		logger: s.logger,
		buffer: make([]Record, 0, cfg.FlushThreshold),
	}
}

// Write buffers rec, flushing when the threshold is reached.
func (w *Writer) Write(ctx context.Context, rec Record) {
	w.buffer = append(w.buffer, rec)
	if len(w.buffer) >= w.config.FlushThreshold {
		w.Flush(ctx)
	}
}

// Flush writes every buffered record and returns the result of this batch.
// Rejected indexes count from the first record given to the Writer.
func (w *Writer) Flush(ctx context.Context) BatchResult {
	if len(w.buffer) == 0 {
		return BatchResult{}
	}

	batch := w.store.AddRows(ctx, w.buffer)
	w.total.Merge(batch, w.offset)
	w.offset += len(w.buffer)

	w.logger.Debug("flushed staging rows",
		"written", batch.Written,
		"rejected", len(batch.Rejected))

	w.buffer = make([]Record, 0, w.config.FlushThreshold)
	return batch
}

// Close flushes what is left and returns the totals across all flushes.
func (w *Writer) Close(ctx context.Context) BatchResult {
	w.Flush(ctx)
	return w.Result()
}

// Result returns the totals so far.
func (w *Writer) Result() BatchResult {
	out := BatchResult{Written: w.total.Written}
	out.Rejected = append(out.Rejected, w.total.Rejected...)
	return out
}

// Buffered returns the number of records waiting for a flush.
func (w *Writer) Buffered() int {
	return len(w.buffer)
}
