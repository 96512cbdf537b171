package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
	"civicsense/internal/telemetry"
)

const defaultBuffer = 64

var (
	ErrSlowConsumer = errors.New("subscriber fell behind")
	ErrHubClosed    = errors.New("feed closed")
)

type subscriber struct {
	sub *Subscription
	ch  chan domain.Change
}

// Hub is the in-process change feed. Each subscription has its own bounded
// queue and delivery goroutine; a full queue drops the subscription rather
// than blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
	closed bool
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{subs: map[uint64]*subscriber{}, buffer: buffer, logger: logger}
}

// Subscribe registers fn for changes on topic matching f. The subscription
// ends when ctx is done, when Close is called or when the hub drops it.
func (h *Hub) Subscribe(ctx context.Context, topic string, f lifecycle.Filter, fn Handler) (*Subscription, error) {
	switch topic {
	case domain.TopicIssues, domain.TopicIssueUpdates:
	default:
		return nil, &lifecycle.ValidationError{Field: "topic", Reason: fmt.Sprintf("unknown topic %q", topic)}
	}
	if fn == nil {
		return nil, errors.New("handler required")
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &lifecycle.FeedError{Topic: topic, Err: ErrHubClosed}
	}
	id := h.next
	h.next++
	s := &subscriber{ch: make(chan domain.Change, h.buffer)}
	s.sub = NewSubscription(topic, f, func() { h.remove(id) })
	h.subs[id] = s
	h.mu.Unlock()

	h.logger.Debug("feed subscribe", "topic", topic, "filter", f.String())
	go h.deliver(ctx, s, fn)
	return s.sub, nil
}

func (h *Hub) deliver(ctx context.Context, s *subscriber, fn Handler) {
	done := s.sub.Done()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.sub.Close()
			return
		case ch := <-s.ch:
			select {
			case <-done:
				return
			default:
			}
			fn(ch)
			telemetry.RecordDelivered(ctx, ch.Topic)
		}
	}
}

// Publish hands ch to every open subscription on its topic whose filter
// matches the row before or after the change.
func (h *Hub) Publish(ch domain.Change) {
	h.mu.Lock()
	var slow []*subscriber
	for _, s := range h.subs {
		if s.sub.Topic != ch.Topic || !s.sub.Filter.MatchChange(ch) {
			continue
		}
		select {
		case s.ch <- ch:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()
	for _, s := range slow {
		h.logger.Warn("feed dropping slow subscriber", "topic", s.sub.Topic, "filter", s.sub.Filter.String())
		telemetry.RecordDropped(context.Background(), s.sub.Topic, "slow consumer")
		s.sub.Fail(ErrSlowConsumer)
	}
}

// Close drops every subscription and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.sub.Fail(ErrHubClosed)
	}
}

// Len is the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}
