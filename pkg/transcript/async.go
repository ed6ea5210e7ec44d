package transcript

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Sink receives finished call records.
type Sink interface {
	Deliver(ctx context.Context, rec Record) error
}

var (
	ErrSinkFull   = errors.New("transcript: sink queue full")
	ErrSinkClosed = errors.New("transcript: sink closed")
)

// AsyncSink hands records to inner on a background goroutine so call teardown
// never waits on slow storage. Records that do not fit the queue are dropped.
type AsyncSink struct {
	inner   Sink
	ch      chan Record
	dropped atomic.Int64
	failed  atomic.Int64
	done    chan struct{}

	// mu guards closed and the send on ch, so Close never closes ch under a
	// concurrent Deliver.
	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	a := &AsyncSink{
		inner: inner,
		ch:    make(chan Record, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncSink) Deliver(_ context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return ErrSinkClosed
	}
	select {
	case a.ch <- rec:
		return nil
	default:
		a.dropped.Add(1)
		return ErrSinkFull
	}
}

// Dropped counts records refused because the queue was full or closed.
func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

// Failed counts records the inner sink rejected.
func (a *AsyncSink) Failed() int64 { return a.failed.Load() }

// Close stops accepting records and waits until queued ones are delivered or
// ctx ends.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncSink) loop() {
	defer close(a.done)
	for rec := range a.ch {
		if err := a.inner.Deliver(context.Background(), rec); err != nil {
			a.failed.Add(1)
		}
	}
}

// MultiSink delivers to every sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
