package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/pubsub"
)

// Event types surfaced to dashboards and the /events stream.
const (
	EventAgentUpdate   = "agent-update"
	EventMessage       = "message"
	EventCheckpoint    = "checkpoint"
	EventProjectUpdate = "project-update"
)

// Event is one observable state change. Events are advisory: the store
// is the source of truth and a missed event loses nothing durable.
type Event struct {
	Type      string    `json:"type"`
	Role      string    `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// AgentUpdateEvent is the standard event for an agent lifecycle change.
func AgentUpdateEvent(a *domain.Agent) Event {
	return Event{Type: EventAgentUpdate, Role: a.Role, Payload: agentEventPayload(a)}
}

// EventPublisher fans events out to subscribers. Each subscriber gets
// an unbounded queue so a slow dashboard cannot stall the supervisor,
// and bus traffic is republished as message events once Start is
// called. A nil publisher is valid and drops everything.
type EventPublisher struct {
	mu     sync.Mutex
	subs   map[int64]*pubsub.Queue[Event]
	nextID int64
	closed bool

	logger zerolog.Logger
}

// NewEventPublisher creates an idle publisher.
func NewEventPublisher(logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{
		subs:   make(map[int64]*pubsub.Queue[Event]),
		logger: logger,
	}
}

// Start republishes live bus traffic as message events until ctx ends.
func (e *EventPublisher) Start(ctx context.Context, bus *MessageBus) {
	ch := bus.Subscribe(ctx, "")
	go func() {
		for m := range ch {
			e.Publish(Event{Type: EventMessage, Role: m.To, Payload: m})
		}
	}()
}

// Publish delivers evt to every subscriber. Never blocks.
func (e *EventPublisher) Publish(evt Event) {
	if e == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, q := range e.subs {
		q.Push(evt)
	}
}

// Subscribe returns a channel of future events. The subscription ends
// when ctx is cancelled or the publisher closes.
func (e *EventPublisher) Subscribe(ctx context.Context) <-chan Event {
	q := pubsub.NewQueue[Event]()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		q.Close()
		return q.Out()
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = q
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
		q.Close()
	}()
	return q.Out()
}

// SubscriberCount reports the number of live subscriptions.
func (e *EventPublisher) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close ends all subscriptions. Idempotent.
func (e *EventPublisher) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[int64]*pubsub.Queue[Event])
	e.mu.Unlock()

	for _, q := range subs {
		q.Close()
	}
}
