// Package bus is the cross-process publish/subscribe layer that routes an
// event to a user's live connection regardless of which server process holds
// it. Delivery to zero subscribers is not an error: the recipient is offline
// and will pick the message up via reconnect redelivery.
package bus

import (
	"context"
	"encoding/json"
)

// Event is one fan-out frame. Payload is the wire-ready JSON body for the
// named protocol event. Origin identifies the publishing process so that
// broadcast subscribers can skip their own frames.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// Handler receives events for a subscription. Handlers must not block; slow
// consumers are the connection layer's problem, not the bus's.
type Handler func(ev Event)

// Bus spans processes. A process subscribes per-user while it holds a local
// connection for that user, and to the broadcast channel for its lifetime.
type Bus interface {
	// Publish sends the event to every process subscribed for the user.
	Publish(ctx context.Context, userID string, ev Event) error

	// Broadcast sends the event to every process.
	Broadcast(ctx context.Context, ev Event) error

	// Subscribe registers a per-user handler and returns a leave function.
	Subscribe(ctx context.Context, userID string, h Handler) (func(), error)

	// SubscribeBroadcast registers a broadcast handler and returns a leave function.
	SubscribeBroadcast(ctx context.Context, h Handler) (func(), error)
}

// MarshalPayload is a convenience for building events from payload structs.
func MarshalPayload(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Payload: raw}, nil
}
