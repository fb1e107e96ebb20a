package feed

import (
	"context"
	"sync"

	"bverify.dev/custody/model"
)

// Subscription carries live statements from a feed implementation to one
// consumer.
//
// The producer goroutine is the only sender: it calls Deliver for each
// statement and Finish exactly when it stops. The consumer reads C until it is
// closed, then checks Err. Close asks the producer to stop.
type Subscription struct {
	c    chan model.Statement
	done chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewSubscription returns a subscription with the given channel buffer.
func NewSubscription(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	return &Subscription{
		c:    make(chan model.Statement, buffer),
		done: make(chan struct{}),
	}
}

// C returns the delivery channel. It is closed after Finish.
func (s *Subscription) C() <-chan model.Statement { return s.c }

// Done is closed when the consumer calls Close.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error the producer finished with, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks the producer to stop. It does not wait.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Deliver hands st to the consumer. It reports false when the consumer has
// closed the subscription or ctx is done; the producer should then Finish.
func (s *Subscription) Deliver(ctx context.Context, st model.Statement) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.c <- st:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish records err and closes C. Only the producer calls it.
func (s *Subscription) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.c)
	})
}
