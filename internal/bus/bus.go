// Package bus publishes to and subscribes on per-match NATS subjects for
// commands and events. Within this core only PublishEvent has a caller
// (SessionHub's Broadcast for a room with no local connections); no command
// is published and nothing subscribes, so the bus does not carry a
// SessionHub command to a MatchRuntime owned by another process. Grounded in the
// nats.Connect usage pattern from the pack's frolf-bot integration tests,
// using nats.go directly rather than a router abstraction on top of it.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a *nats.Conn with the subject conventions this core uses:
// "core.match.{match_id}.command" for routed mailbox commands and
// "core.match.{match_id}.event" for fanned-out broadcasts.
type Bus struct {
	conn *nats.Conn
}

func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url, nats.Timeout(10*time.Second), nats.RetryOnFailedConnect(true))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &Bus{conn: conn}, nil
}

func (b *Bus) Close() {
	b.conn.Close()
}

func CommandSubject(matchID string) string { return fmt.Sprintf("core.match.%s.command", matchID) }
func EventSubject(matchID string) string   { return fmt.Sprintf("core.match.%s.event", matchID) }

func (b *Bus) PublishCommand(matchID string, payload []byte) error {
	if err := b.conn.Publish(CommandSubject(matchID), payload); err != nil {
		return fmt.Errorf("bus: publish command %s: %w", matchID, err)
	}
	return nil
}

func (b *Bus) PublishEvent(matchID string, payload []byte) error {
	if err := b.conn.Publish(EventSubject(matchID), payload); err != nil {
		return fmt.Errorf("bus: publish event %s: %w", matchID, err)
	}
	return nil
}

// Subscription is a cancellable handle over a nats.Subscription.
type Subscription struct {
	sub *nats.Subscription
}

func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (b *Bus) SubscribeCommands(matchID string, handler func(payload []byte)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(CommandSubject(matchID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe commands %s: %w", matchID, err)
	}
	return &Subscription{sub: sub}, nil
}

func (b *Bus) SubscribeEvents(matchID string, handler func(payload []byte)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(EventSubject(matchID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe events %s: %w", matchID, err)
	}
	return &Subscription{sub: sub}, nil
}
