package main

import (
	"context"
	"fmt"

	"ffb-core/storage"
)

// traceRecorder batches trace records of one run into a store
type traceRecorder struct {
	store storage.Store
	run   storage.Run
	batch int
	buf   []storage.TraceRecord
	err   error
}

func newTraceRecorder(ctx context.Context, store storage.Store, run storage.Run, batch int) (*traceRecorder, error) {
	if batch <= 0 {
		batch = 1
	}
	if err := store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return &traceRecorder{store: store, run: run, batch: batch}, nil
}

// Add queues rec; after the first store failure records are discarded and
// the error is reported by Flush.
func (t *traceRecorder) Add(ctx context.Context, rec storage.TraceRecord) {
	if t.err != nil {
		return
	}
	rec.RunID = t.run.ID
	t.buf = append(t.buf, rec)
	if len(t.buf) >= t.batch {
		t.err = t.write(ctx)
	}
}

func (t *traceRecorder) Flush(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	t.err = t.write(ctx)
	return t.err
}

func (t *traceRecorder) write(ctx context.Context) error {
	if len(t.buf) == 0 {
		return nil
	}
	if err := t.store.AppendTrace(ctx, t.buf); err != nil {
		return fmt.Errorf("append trace for run %s: %w", t.run.ID, err)
	}
	t.buf = t.buf[:0]
	return nil
}
