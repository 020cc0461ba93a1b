package browser

import (
	"context"
	"sync"
)

// Signal is a condition armed ahead of the action that should trigger it.
type Signal interface {
	Wait(ctx context.Context) error
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(ctx context.Context) error

func (f SignalFunc) Wait(ctx context.Context) error {
	return f(ctx)
}

type latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) fire(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (l *latch) fired() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *latch) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return Timeout("wait for signal", ctx.Err())
	}
}
