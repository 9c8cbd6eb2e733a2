package gateway

import (
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/utils"
)

// Client is one live authenticated connection as seen by the gateway. The
// transport layer drains Events and writes them to the socket.
type Client struct {
	UserID string

	// Token is the connection-routing handle registered with the presence
	// tracker for this session.
	Token string

	Events chan proto.Outbound

	leaveBus func()
}

// NewClient constructs a client with a fresh routing token.
func NewClient(userID string) *Client {
	return &Client{
		UserID: userID,
		Token:  utils.NewID(),
		Events: make(chan proto.Outbound, 32),
	}
}

// push enqueues an outbound frame, dropping it if the consumer is slow.
// Dropped live frames are recoverable: message delivery falls back to
// reconnect redelivery, and presence/typing signals are ephemeral.
func (c *Client) push(out proto.Outbound) bool {
	select {
	case c.Events <- out:
		return true
	default:
		return false
	}
}
