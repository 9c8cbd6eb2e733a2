// Package gateway owns the per-process connection registry and applies the
// message, presence and typing protocol to authenticated connections.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/bus"
	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/presence"
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/service/delivery"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/utils"
)

// Gateway bridges live connections to the presence tracker, the fan-out bus
// and the delivery orchestrator.
type Gateway struct {
	processID string
	registry  *Registry
	presence  presence.Tracker
	bus       bus.Bus
	delivery  *delivery.Service
	log       *zerolog.Logger
	heartbeat time.Duration

	stopBroadcast func()
}

// New constructs a gateway. heartbeat must be shorter than the presence TTL
// or connected users will flap offline between refreshes.
func New(tracker presence.Tracker, b bus.Bus, dl *delivery.Service, logger *zerolog.Logger, heartbeat time.Duration) *Gateway {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &Gateway{
		processID: utils.NewID(),
		registry:  NewRegistry(),
		presence:  tracker,
		bus:       b,
		delivery:  dl,
		log:       logger,
		heartbeat: heartbeat,
	}
}

// Start subscribes the process to the broadcast channel so presence updates
// published by other processes reach locally connected clients.
func (g *Gateway) Start(ctx context.Context) error {
	stop, err := g.bus.SubscribeBroadcast(ctx, func(ev bus.Event) {
		if ev.Origin == g.processID {
			return
		}
		var upd proto.PresenceUpdateData
		if err := json.Unmarshal(ev.Payload, &upd); err != nil {
			g.log.Warn().Err(err).Msg("malformed broadcast frame")
			return
		}
		g.registry.Each(upd.UserID, func(c *Client) {
			c.push(proto.Outbound{Type: ev.Name, Data: json.RawMessage(ev.Payload)})
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	g.stopBroadcast = stop
	return nil
}

// Stop tears down the broadcast subscription.
func (g *Gateway) Stop() {
	if g.stopBroadcast != nil {
		g.stopBroadcast()
	}
}

// Connect registers an authenticated user's connection: joins the user's
// fan-out channel, marks them online, announces presence, and replays every
// message queued while they were offline. ctx must be connection-scoped;
// its cancellation ends the heartbeat and the bus subscription.
func (g *Gateway) Connect(ctx context.Context, userID string) (*Client, error) {
	client := NewClient(userID)
	g.registry.Register(client)

	leave, err := g.bus.Subscribe(ctx, userID, func(ev bus.Event) {
		g.deliverLocal(client, ev)
	})
	if err != nil {
		g.registry.Unregister(client)
		return nil, fmt.Errorf("join fanout channel: %w", err)
	}
	client.leaveBus = leave

	if err := g.presence.SetOnline(ctx, userID, client.Token); err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("presence set online failed")
	}
	go g.heartbeatLoop(ctx, userID)

	g.announcePresence(ctx, userID, true, nil)

	if err := g.delivery.Replay(ctx, userID, func(msgs []*store.Message) error {
		if !client.push(proto.Outbound{
			Type: proto.EventMessagesUndelivered,
			Data: proto.UndeliveredData{Messages: proto.MessagesFromStore(msgs)},
		}) {
			return fmt.Errorf("client buffer full during replay")
		}
		return nil
	}); err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("reconnect redelivery failed")
	}

	g.log.Info().Str("user_id", userID).Msg("user connected")
	return client, nil
}

// Disconnect removes the connection. Presence is only cleared when this
// connection is still the current registration; a superseded socket must
// not mark the freshly reconnected user offline.
func (g *Gateway) Disconnect(ctx context.Context, client *Client) {
	current := g.registry.Unregister(client)
	if client.leaveBus != nil {
		client.leaveBus()
	}
	if !current {
		return
	}

	if err := g.presence.SetOffline(ctx, client.UserID); err != nil {
		g.log.Warn().Err(err).Str("user_id", client.UserID).Msg("presence set offline failed")
	}
	now := time.Now().UTC()
	g.announcePresence(ctx, client.UserID, false, &now)
	g.log.Info().Str("user_id", client.UserID).Msg("user disconnected")
}

// HandleInbound applies one client frame. Domain errors surface as
// message:error events; the connection stays open.
func (g *Gateway) HandleInbound(ctx context.Context, client *Client, inbound proto.Inbound) {
	switch inbound.Type {
	case proto.EventMessageSend:
		g.handleSend(ctx, client, inbound.Data)
	case proto.EventMessageDelivered:
		var ack proto.AckData
		if err := json.Unmarshal(inbound.Data, &ack); err != nil || ack.MessageID == "" {
			g.sendError(client, core.InvalidArgument("malformed payload"), "")
			return
		}
		if err := g.delivery.MarkDelivered(ctx, ack.MessageID); err != nil {
			g.log.Error().Err(err).Str("message_id", ack.MessageID).Msg("mark delivered")
		}
	case proto.EventMessageRead:
		var ack proto.AckData
		if err := json.Unmarshal(inbound.Data, &ack); err != nil || ack.MessageID == "" {
			g.sendError(client, core.InvalidArgument("malformed payload"), "")
			return
		}
		if err := g.delivery.MarkRead(ctx, ack.MessageID); err != nil {
			g.log.Error().Err(err).Str("message_id", ack.MessageID).Msg("mark read")
		}
	case proto.EventTyping:
		g.relayTyping(ctx, client, inbound.Data, proto.EventUserTyping)
	case proto.EventTypingStop:
		g.relayTyping(ctx, client, inbound.Data, proto.EventUserTypingStop)
	default:
		g.sendError(client, core.InvalidArgument("unrecognized event: "+inbound.Type), "")
	}
}

func (g *Gateway) handleSend(ctx context.Context, client *Client, data json.RawMessage) {
	var req proto.SendData
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(client, core.InvalidArgument("malformed payload"), "")
		return
	}

	msg, err := g.delivery.Send(ctx, client.UserID, req)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", client.UserID).Msg("send failed")
		g.sendError(client, err, req.TempID)
		return
	}

	client.push(proto.Outbound{
		Type: proto.EventMessageSent,
		Data: proto.SentData{TempID: req.TempID, Message: proto.MessageFromStore(msg)},
	})
}

// relayTyping forwards an ephemeral typing signal to the named recipient's
// live connection only. Nothing is queued for offline recipients.
func (g *Gateway) relayTyping(ctx context.Context, client *Client, data json.RawMessage, outEvent string) {
	var t proto.TypingData
	if err := json.Unmarshal(data, &t); err != nil || t.To == "" {
		g.sendError(client, core.InvalidArgument("malformed payload"), "")
		return
	}
	ev, err := bus.MarshalPayload(outEvent, proto.UserTypingData{UserID: client.UserID})
	if err == nil {
		err = g.bus.Publish(ctx, t.To, ev)
	}
	if err != nil {
		g.log.Warn().Err(err).Str("to", t.To).Msg("typing relay failed")
	}
}

// deliverLocal routes a fan-out frame to the local connection, skipping
// stale subscriptions left by a superseded socket.
func (g *Gateway) deliverLocal(client *Client, ev bus.Event) {
	if g.registry.Get(client.UserID) != client {
		return
	}
	if !client.push(proto.Outbound{Type: ev.Name, Data: json.RawMessage(ev.Payload)}) {
		g.log.Warn().Str("user_id", client.UserID).Str("event", ev.Name).Msg("slow consumer, frame dropped")
	}
}

// announcePresence notifies local connections directly and remote processes
// through the broadcast channel.
func (g *Gateway) announcePresence(ctx context.Context, userID string, online bool, lastSeenAt *time.Time) {
	payload := proto.PresenceUpdateData{UserID: userID, Online: online, LastSeenAt: lastSeenAt}

	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error().Err(err).Msg("marshal presence update")
		return
	}
	g.registry.Each(userID, func(c *Client) {
		c.push(proto.Outbound{Type: proto.EventPresenceUpdate, Data: json.RawMessage(raw)})
	})

	ev := bus.Event{Name: proto.EventPresenceUpdate, Payload: raw, Origin: g.processID}
	if err := g.bus.Broadcast(ctx, ev); err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("presence broadcast failed")
	}
}

// heartbeatLoop refreshes the presence TTL while the connection lives.
func (g *Gateway) heartbeatLoop(ctx context.Context, userID string) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := g.presence.Refresh(ctx, userID); err != nil {
				g.log.Warn().Err(err).Str("user_id", userID).Msg("presence refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) sendError(client *Client, err error, tempID string) {
	code := core.CodeOf(err)
	client.push(proto.Outbound{
		Type: proto.EventMessageError,
		Data: proto.ErrorData{Error: err.Error(), Code: code, TempID: tempID},
	})
}
