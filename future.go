package convex

import (
	"context"
	"sync"
)

// one-shot latch with settle-once semantics.
// the first `Complete` or `Fail` wins; later settles are no-ops.
// `Await` blocks until settled or the context is done.
type Future[T any] struct {
	settleOnce sync.Once
	done       chan struct{}

	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

func (self *Future[T]) Complete(value T) bool {
	settled := false
	self.settleOnce.Do(func() {
		self.value = value
		close(self.done)
		settled = true
	})
	return settled
}

func (self *Future[T]) Fail(err error) bool {
	settled := false
	self.settleOnce.Do(func() {
		self.err = err
		close(self.done)
		settled = true
	})
	return settled
}

func (self *Future[T]) Settled() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

func (self *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-self.done:
		return self.value, self.err
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}
