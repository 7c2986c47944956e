package main

import (
	"context"
	"sync"

	"go.einride.tech/can"

	"ffb-core/utils"
)

// fakeBus is an in-memory CANReader and CANWriter
type fakeBus struct {
	rx chan can.Frame

	mu     sync.Mutex
	sent   []can.Frame
	closed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{rx: make(chan can.Frame, 16)}
}

func (b *fakeBus) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f, ok := <-b.rx:
		if !ok {
			return can.Frame{}, utils.ErrReceiveClosed
		}
		return f, nil
	}
}

func (b *fakeBus) WriteFrame(_ context.Context, f can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) Sent() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}
