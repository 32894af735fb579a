package collab

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

// CallbackList is a mutable list of callbacks that can be snapshotted for
// dispatch without holding the lock across the calls.
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []*callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.entries))
	for _, entry := range self.entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackListEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	self.entries = append(self.entries, entry)
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, entry := range self.entries {
		if entry.callbackId == callbackId {
			self.entries = append(self.entries[:i], self.entries[i+1:]...)
			return
		}
	}
}

// Reconnect spaces out connect attempts with jitter so that peers
// recovering from the same outage do not reconnect in lockstep.
type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout/2 + time.Duration(rand.Int63n(int64(self.timeout)))
	return time.After(timeout)
}

// retrySchedule tracks the attempt ladder for a request.
// Separating the state from the waiting keeps the timing testable.
type retrySchedule struct {
	clock          clock.Clock
	attemptTimeout time.Duration
	maxAttempts    int

	attempt int
}

func newRetrySchedule(clk clock.Clock, attemptTimeout time.Duration, maxAttempts int) *retrySchedule {
	return &retrySchedule{
		clock:          clk,
		attemptTimeout: attemptTimeout,
		maxAttempts:    maxAttempts,
	}
}

// next starts the next attempt. It returns false once all attempts are used.
func (self *retrySchedule) next() bool {
	if self.maxAttempts <= self.attempt {
		return false
	}
	self.attempt += 1
	return true
}

func (self *retrySchedule) attemptCount() int {
	return self.attempt
}

// deadline returns a channel that fires when the current attempt lapses.
func (self *retrySchedule) deadline() <-chan time.Time {
	return self.clock.After(self.attemptTimeout)
}
