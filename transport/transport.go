// Package transport moves broker events between nodes.
//
// A Transporter publishes every broadcast to the other nodes sharing the same
// bus (an in-process LocalBus, a redis channel or an amqp fanout exchange) and
// hands incoming events to the broker. Events are msgpack encoded.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is a broadcast envelope.
type Event struct {
	ID        string    `msgpack:"id"`
	Name      string    `msgpack:"name"`
	Sender    string    `msgpack:"sender"`
	Payload   []byte    `msgpack:"payload,omitempty"`
	Timestamp time.Time `msgpack:"ts"`
}

// Handler receives events delivered by a Transporter.
type Handler func(ctx context.Context, evt Event)

// Transporter publishes events to, and receives events from, other nodes.
type Transporter interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe starts delivering events to handler until Close.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// NewEvent builds an event from sender, encoding payload with msgpack.
func NewEvent(name, sender string, payload any) (Event, error) {
	evt := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}

	if payload != nil {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("transport: encode payload for %s: %w", name, err)
		}
		evt.Payload = data
	}

	return evt, nil
}

// DecodePayload unmarshals the event payload. An empty payload decodes to nil.
func (e Event) DecodePayload() (any, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}

	var payload any
	if err := msgpack.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("transport: decode payload for %s: %w", e.Name, err)
	}
	return payload, nil
}

// Encode serializes evt for the wire.
func Encode(evt Event) ([]byte, error) {
	data, err := msgpack.Marshal(&evt)
	if err != nil {
		return nil, fmt.Errorf("transport: encode event %s: %w", evt.Name, err)
	}
	return data, nil
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := msgpack.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("transport: decode event: %w", err)
	}
	return evt, nil
}
