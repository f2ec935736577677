// Package bus is the message-bus client façade: a thin pub/sub wrapper
// over NATS with topic filters keyed by routing key, standing in for the
// node's internal message bus (spec §1's "message-bus client", an external
// collaborator specified only by interface). Routing keys of the form
// "SubModule.MsgType" are used unchanged as NATS subjects.
package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one bus message addressed to routingKey.
type Handler func(routingKey string, body []byte)

// Bus is a pub/sub façade around a NATS connection. The zero value is not
// usable; construct with Connect.
type Bus struct {
	conn *nats.Conn
	log  *zap.SugaredLogger
}

// Connect dials the NATS server at url (use nats.DefaultURL for an
// embedded/local broker) and returns a ready-to-use Bus.
func Connect(url string, log *zap.SugaredLogger) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &Bus{conn: conn, log: log}, nil
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Publish sends body on routingKey.
func (b *Bus) Publish(routingKey string, body []byte) error {
	if err := b.conn.Publish(routingKey, body); err != nil {
		return fmt.Errorf("bus: publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe registers handler for every message published on routingKey.
// Subscriptions are asynchronous: handler runs on a NATS-managed goroutine,
// one per subscription, which delivers that subscription's messages one at
// a time, so handler must not block indefinitely.
func (b *Bus) Subscribe(routingKey string, handler Handler) error {
	_, err := b.conn.Subscribe(routingKey, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", routingKey, err)
	}
	return nil
}

// SubscribeAll registers handler for each of routingKeys.
func (b *Bus) SubscribeAll(routingKeys []string, handler Handler) error {
	for _, key := range routingKeys {
		if err := b.Subscribe(key, handler); err != nil {
			return err
		}
	}
	return nil
}
