package stream

import (
	"context"
	"sync"
	"time"
)

// ApprovalEvent is what the core hands to out-of-band notifiers when an
// approval request needs guardian attention or has been resolved. Message
// formatting and delivery channels are the subscriber's concern.
type ApprovalEvent struct {
	Kind         string     `json:"kind"` // "requested" | "resolved"
	RequestID    string     `json:"request_id"`
	ResourceID   string     `json:"resource_id"`
	ResourceName string     `json:"resource_name"`
	Status       string     `json:"status,omitempty"`
	Guardians    []string   `json:"guardians,omitempty"`
	Requester    string     `json:"requester"`
	Action       string     `json:"action,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Stream fan-outs approval events to all active subscribers (the chat-bot
// adapter, SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ApprovalEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan ApprovalEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ApprovalEvent {
	ch := make(chan ApprovalEvent, 16)

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

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ApprovalEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
