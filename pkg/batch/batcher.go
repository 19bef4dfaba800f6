// Package batch groups records into fixed-size batches for staging writes.
package batch

import (
	"context"
	"fmt"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/google/uuid"
)

// DefaultSize is the batch size used by the ingestion runs.
const DefaultSize = 100

// FlushFunc receives each full batch, and the final partial batch on Close.
type FlushFunc func(ctx context.Context, b ingest.Batch) error

// Batcher buffers records and emits batches of exactly Size records in
// arrival order. The remainder is emitted by Close. A Batcher is not safe for
// concurrent use.
type Batcher struct {
	size    int
	mode    ingest.Mode
	runID   string
	flush   FlushFunc
	newID   func() string
	buf     []ingest.Record
	flushed int

	discarded int
}

// New creates a batcher that calls flush for every batch.
func New(size int, mode ingest.Mode, runID string, flush FlushFunc) (*Batcher, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", size)
	}
	if flush == nil {
		return nil, fmt.Errorf("flush function is required")
	}
	if mode != ingest.ModeAppend && mode != ingest.ModeReplace {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	return &Batcher{
		size:  size,
		mode:  mode,
		runID: runID,
		flush: flush,
		newID: uuid.NewString,
		buf:   make([]ingest.Record, 0, size),
	}, nil
}

// Add buffers records and flushes every time the buffer reaches Size. When a
// flush fails the records of that batch are dropped, counted in Discarded, and
// the error is returned; records after it in this call stay buffered.
func (b *Batcher) Add(ctx context.Context, records ...ingest.Record) error {
	for i, rec := range records {
		b.buf = append(b.buf, rec)
		if len(b.buf) < b.size {
			continue
		}
		if err := b.emit(ctx); err != nil {
			b.buf = append(b.buf, records[i+1:]...)
			return err
		}
	}
	return nil
}

// Close flushes the remaining records as a final, possibly smaller, batch.
// Nothing is emitted when the buffer is empty.
func (b *Batcher) Close(ctx context.Context) error {
	for len(b.buf) > 0 {
		if err := b.emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered records.
func (b *Batcher) Pending() int {
	return len(b.buf)
}

// Flushed returns the number of batches emitted successfully.
func (b *Batcher) Flushed() int {
	return b.flushed
}

// Discarded returns the number of records lost to failed flushes.
func (b *Batcher) Discarded() int {
	return b.discarded
}

// emit hands at most Size buffered records to flush.
func (b *Batcher) emit(ctx context.Context) error {
	n := len(b.buf)
	if n > b.size {
		n = b.size
	}

	out := make([]ingest.Record, n)
	copy(out, b.buf[:n])
	b.buf = append(b.buf[:0], b.buf[n:]...)

	batch := ingest.Batch{
		ID:      b.newID(),
		RunID:   b.runID,
		Mode:    b.mode,
		Records: out,
	}
	if err := b.flush(ctx, batch); err != nil {
		b.discarded += n
		return fmt.Errorf("flush batch %s: %w", batch.ID, err)
	}
	b.flushed++
	return nil
}
