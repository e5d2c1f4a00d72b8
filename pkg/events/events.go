package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// EventType represents the type of event
type EventType string

const (
	EventChallengeCreated      EventType = "challenge_created"
	EventChallengeUpdated      EventType = "challenge_updated"
	EventChallengeDeleted      EventType = "challenge_deleted"
	EventTeamCreated           EventType = "team_created"
	EventTeamUpdated           EventType = "team_updated"
	EventTeamDeleted           EventType = "team_deleted"
	EventExploitCreated        EventType = "exploit_created"
	EventExploitUpdated        EventType = "exploit_updated"
	EventExploitDeleted        EventType = "exploit_deleted"
	EventExploitRunCreated     EventType = "exploit_run_created"
	EventExploitRunUpdated     EventType = "exploit_run_updated"
	EventExploitRunDeleted     EventType = "exploit_run_deleted"
	EventRoundCreated          EventType = "round_created"
	EventRoundUpdated          EventType = "round_updated"
	EventJobCreated            EventType = "job_created"
	EventJobUpdated            EventType = "job_updated"
	EventFlagCreated           EventType = "flag_created"
	EventSettingUpdated        EventType = "setting_updated"
	EventConnectionInfoUpdated EventType = "connection_info_updated"
	EventContainerCreated      EventType = "container_created"
	EventContainerUpdated      EventType = "container_updated"
	EventContainerDeleted      EventType = "container_deleted"
	EventWSConnections         EventType = "ws_connections"
	EventWSSubscriptionUpdated EventType = "ws_subscription_updated"

	// EventLagged is written directly to a websocket peer that overflowed
	// its buffer; it never travels through the bus.
	EventLagged EventType = "lagged"
)

// Event is one broadcast message. This is also the wire shape pushed over
// websockets.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Category returns the grouping key of an event type: the substring before
// the last underscore ("exploit_run_created" -> "exploit_run").
func Category(t EventType) string {
	s := string(t)
	if i := strings.LastIndex(s, "_"); i >= 0 {
		return s[:i]
	}
	return s
}

// Matches reports whether a category satisfies one subscription token. A
// token matches its own category and every nested category below it, so
// "exploit" receives exploit_* and exploit_run_* events.
func Matches(category, token string) bool {
	return category == token || strings.HasPrefix(category, token+"_")
}

// ErrSubscriptionClosed is returned by Next after Unsubscribe or Stop.
var ErrSubscriptionClosed = errors.New("subscription closed")

// LaggedError signals that a slow subscriber overflowed its buffer. The
// subscriber is not evicted: delivery resumes from the current stream after
// the dropped events are reported once.
type LaggedError struct {
	Dropped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscription lagged: %d events dropped", e.Dropped)
}

// subscriptionBuffer is the per-subscriber ring capacity.
const subscriptionBuffer = 256

// Subscription is one consumer of the bus. Events are read with Next;
// filters may be adjusted live while the subscription is active.
type Subscription struct {
	bus *Bus

	mu      sync.Mutex
	filters map[string]struct{} // empty = receive everything
	buf     []*Event            // FIFO, bounded by subscriptionBuffer
	dropped uint64

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Next blocks until an event matching the filters is available. It returns
// a *LaggedError (once) when the subscriber fell behind, and
// ErrSubscriptionClosed after the subscription ends.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return nil, &LaggedError{Dropped: n}
		}
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrSubscriptionClosed
		case <-s.notify:
		}
	}
}

// Filters returns the current filter tokens (unordered).
func (s *Subscription) Filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.filters))
	for f := range s.filters {
		out = append(out, f)
	}
	return out
}

// Subscribe adds filter tokens to the subscription.
func (s *Subscription) Subscribe(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if t != "" {
			s.filters[t] = struct{}{}
		}
	}
}

// Unsubscribe removes filter tokens. Removing the last token widens the
// subscription back to everything.
func (s *Subscription) Unsubscribe(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		delete(s.filters, t)
	}
}

// matches reports whether the subscription wants this event.
func (s *Subscription) matches(ev *Event) bool {
	if len(s.filters) == 0 {
		return true
	}
	category := Category(ev.Type)
	for token := range s.filters {
		if Matches(category, token) {
			return true
		}
	}
	return false
}

// push appends an event, dropping the oldest entry when the buffer is full.
func (s *Subscription) push(ev *Event) {
	s.mu.Lock()
	if !s.matches(ev) {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= subscriptionBuffer {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Bus manages event subscriptions and distribution
type Bus struct {
	subscribers map[*Subscription]struct{}
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's event distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus and closes every subscription
func (b *Bus) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		sub.close()
	}
	b.subscribers = make(map[*Subscription]struct{})
}

// Subscribe creates a new subscription filtered to the given tokens. No
// tokens means every event.
func (b *Bus) Subscribe(tokens ...string) *Subscription {
	sub := &Subscription{
		bus:     b,
		filters: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	sub.Subscribe(tokens...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and wakes its pending Next call.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	sub.close()
}

// Publish broadcasts an event to all matching subscribers.
func (b *Bus) Publish(t EventType, data any) {
	event := &Event{Type: t, Data: data}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		sub.push(event)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
