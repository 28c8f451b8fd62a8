// Package stream fans committed envelope audit events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"qazna.org/esign/internal/envelope"
)

// Event is the public view of one committed audit entry.
type Event struct {
	SignatureID   string    `json:"signatureId"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlationId,omitempty"`
	EntryHash     string    `json:"entryHash"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Stream fan-outs envelope events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Slow subscribers miss events.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Emit publishes a committed audit entry; it lets Stream act as an audit sink.
func (s *Stream) Emit(_ context.Context, correlationID string, entry envelope.AuditEntry) {
	s.Publish(Event{
		SignatureID:   entry.SignatureID,
		Action:        entry.Action,
		Actor:         entry.Actor,
		CorrelationID: correlationID,
		EntryHash:     entry.EntryHash,
		CreatedAt:     entry.CreatedAt,
	})
}
