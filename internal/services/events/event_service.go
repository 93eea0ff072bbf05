// Package events implements the in-process progress bus: a typed broadcast
// channel with bounded per-subscriber queues. Queue mutations and monitors
// feed it; the push gateway drains it.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/interfaces"
)

// Service implements EventService. Delivery is best-effort: a subscriber that
// falls behind loses its own oldest undelivered event, never anyone else's.
type Service struct {
	subscribers map[*subscription]struct{}
	bufferSize  int
	mu          sync.RWMutex
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new event service. bufferSize is the per-subscriber
// queue depth; values below 1 fall back to 1.
func NewService(bufferSize int, logger arbor.ILogger) *Service {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Service{
		subscribers: make(map[*subscription]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish delivers an event to all subscribers without blocking. On a full
// subscriber buffer the oldest undelivered event is dropped for that
// subscriber.
func (s *Service) Publish(event interfaces.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	for sub := range s.subscribers {
		sub.push(event)
	}
}

// Subscribe registers a new subscriber with a bounded buffer.
func (s *Service) Subscribe() interfaces.Subscription {
	sub := &subscription{
		ch:      make(chan interfaces.Event, s.bufferSize),
		service: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}

	s.subscribers[sub] = struct{}{}

	s.logger.Debug().
		Int("subscriber_count", len(s.subscribers)).
		Msg("Event subscriber attached")

	return sub
}

// Close shuts down the bus and all subscriber channels.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for sub := range s.subscribers {
		sub.closeLocked()
	}
	s.subscribers = make(map[*subscription]struct{})

	s.logger.Info().Msg("Event service closed")
	return nil
}

func (s *Service) detach(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	sub.closeLocked()
}

type subscription struct {
	ch      chan interfaces.Event
	service *Service
	dropped atomic.Uint64

	// pushMu serializes push with closeLocked so a publisher never sends on a
	// closed channel.
	pushMu sync.Mutex
	done   bool
}

func (s *subscription) C() <-chan interfaces.Event {
	return s.ch
}

func (s *subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *subscription) Close() {
	s.service.detach(s)
}

// push enqueues an event, evicting this subscriber's oldest event when the
// buffer is full.
func (s *subscription) push(event interfaces.Event) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.done {
		return
	}

	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *subscription) closeLocked() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}
