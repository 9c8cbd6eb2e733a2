// Package presence tracks ephemeral online/offline state keyed by user ID.
//
// TTL expiry, not explicit disconnect, is the source of truth for "probably
// offline": network partitions and abrupt process death never guarantee a
// graceful disconnect signal. Consumers must tolerate a false "online" for up
// to one TTL window after an ungraceful loss.
package presence

import "context"

// Tracker is a TTL-based online registry shared across server processes.
// Every mutation is a single atomic call; no read-modify-write races.
type Tracker interface {
	// SetOnline upserts the user's connection-routing token and resets the TTL.
	SetOnline(ctx context.Context, userID, token string) error

	// Refresh extends the TTL without changing the token.
	Refresh(ctx context.Context, userID string) error

	// SetOffline deletes the record. Invoked on graceful disconnect.
	SetOffline(ctx context.Context, userID string) error

	// IsOnline reports whether a record exists and its TTL has not expired.
	IsOnline(ctx context.Context, userID string) (bool, error)
}
