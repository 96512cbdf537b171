// Package feed fans committed changes out to filtered subscriptions.
package feed

import (
	"sync"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
)

// Handler receives the events of one subscription, one at a time, in commit
// order.
type Handler func(domain.Change)

// Subscription is the handle of a live subscription, whatever the transport.
// It ends exactly once: by Close, or by Fail when the feed drops it.
type Subscription struct {
	Topic  string
	Filter lifecycle.Filter

	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

// NewSubscription returns an open handle. onClose runs once when it ends.
func NewSubscription(topic string, f lifecycle.Filter, onClose func()) *Subscription {
	return &Subscription{Topic: topic, Filter: f, done: make(chan struct{}), onClose: onClose}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.finish(nil)
}

// Fail ends the subscription with a FeedError wrapping cause.
func (s *Subscription) Fail(cause error) {
	s.finish(&lifecycle.FeedError{Topic: s.Topic, Err: cause})
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil while open and after Close, and a FeedError after a drop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
