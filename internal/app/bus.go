package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
	"github.com/jaakkos/showrunner/internal/pubsub"
)

// MessageBus is the durable message plane. Persist-then-fan-out: the
// store write is the delivery guarantee, the in-memory fan-out is
// best-effort. Live subscribers only see messages published after they
// subscribed; catch-up goes through ForRole with a since time plus
// dedupe by message id.
type MessageBus struct {
	store  Store
	broker *pubsub.Broker[domain.Message]
	logger zerolog.Logger
	closed atomic.Bool
}

// NewMessageBus creates the bus over store.
func NewMessageBus(store Store, logger zerolog.Logger) *MessageBus {
	return &MessageBus{
		store:  store,
		broker: pubsub.NewBroker[domain.Message](),
		logger: logger,
	}
}

// Publish validates, persists and then fans out m. The message id is
// assigned when the caller left it empty; a duplicate id is persisted
// nowhere and fanned out to no one, which keeps redelivery by retrying
// callers at-least-once rather than duplicated.
func (b *MessageBus) Publish(ctx context.Context, m *domain.Message) error {
	if b.closed.Load() {
		return domain.ErrBusClosed
	}
	if domain.NormalizeRole(m.From) == "" {
		return domain.Validationf("message from must not be empty")
	}
	if m.To != domain.BroadcastRole && domain.NormalizeRole(m.To) == "" {
		return domain.Validationf("message to must not be empty")
	}
	if m.Type == "" {
		m.Type = domain.MessageInfo
	}
	if !m.Type.Valid() {
		return domain.Validationf("unknown message type %q", m.Type)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	inserted, err := b.store.AppendMessage(ctx, m)
	if err != nil {
		return err
	}
	if !inserted {
		b.logger.Debug().Str("id", m.ID).Msg("duplicate message id ignored")
		return nil
	}

	metrics.MessagesPublished.WithLabelValues(string(m.Type)).Inc()
	b.broker.Publish(*m)
	return nil
}

// ForRole returns persisted messages visible to role, optionally only
// those strictly newer than since. This is the catch-up path for
// subscribers that need history.
func (b *MessageBus) ForRole(ctx context.Context, role string, since time.Time) ([]*domain.Message, error) {
	return b.store.MessagesForRole(ctx, role, since)
}

// All returns the most recent persisted messages, newest first.
func (b *MessageBus) All(ctx context.Context, limit int) ([]*domain.Message, error) {
	return b.store.Messages(ctx, limit)
}

// Subscribe returns a live stream of messages matching role: addressed to
// it, broadcast, or sent by it. The empty role subscribes to everything.
// The channel closes when ctx is cancelled or the bus is closed. Slow
// consumers miss messages rather than block publishers.
func (b *MessageBus) Subscribe(ctx context.Context, role string) <-chan domain.Message {
	inner := b.broker.Subscribe(ctx)
	if role == "" {
		return inner
	}

	role = domain.NormalizeRole(role)
	out := make(chan domain.Message, 64)
	go func() {
		defer close(out)
		for m := range inner {
			if !m.MatchesRole(role) {
				continue
			}
			select {
			case out <- m:
			default:
				b.logger.Debug().Str("role", role).Str("id", m.ID).Msg("subscriber full, message dropped from live stream")
			}
		}
	}()
	return out
}

// Close stops fan-out and rejects further publishes. Idempotent.
func (b *MessageBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.broker.Close()
	}
}
