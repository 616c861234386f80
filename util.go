package convex

import (
	"sync"
	"time"
)

// makes a copy of the list on update, so that `Get` snapshots
// can be iterated without holding the lock
type CallbackList[T any] struct {
	stateLock sync.Mutex

	callbacks   []T
	callbackIds []Id
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:   []T{},
		callbackIds: []Id{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	nextCallbackIds := make([]Id, len(self.callbackIds), len(self.callbackIds)+1)
	copy(nextCallbackIds, self.callbackIds)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = nextCallbacks
	self.callbackIds = nextCallbackIds
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := -1
	for j, existingCallbackId := range self.callbackIds {
		if callbackId == existingCallbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := make([]T, 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
	nextCallbackIds := make([]Id, 0, len(self.callbackIds)-1)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
	self.callbacks = nextCallbacks
	self.callbackIds = nextCallbackIds
}

func (self *CallbackList[T]) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.callbacks)
}

// notify-all via a closed channel that is replaced on each notify.
// waiters select on `NotifyChannel` to observe the next change.
type Monitor struct {
	stateLock sync.Mutex

	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// fixed-delay reconnect window. the delay is measured from creation,
// so that the time spent in a failed attempt counts against the delay.
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Now().Sub(self.startTime)
	return time.After(remaining)
}
