// End-to-end smoke check against a running dev server: connects two users,
// sends one direct message and verifies the recipient gets it. Exits
// non-zero on any failure, so it can gate a deployment script.
//
// The smoke-sender and smoke-receiver users must exist in the server's user
// projection; seed them with scripts/seed_users before the server starts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relaychat/relay-server/internal/auth"
	"github.com/relaychat/relay-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	secret := flag.String("secret", "", "JWT secret shared with the server")
	issuer := flag.String("issuer", "relay-server", "JWT issuer")
	audience := flag.String("audience", "relay-clients", "JWT audience")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Parse()

	if *secret == "" {
		return fmt.Errorf("-secret is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := &auth.JWTConfig{
		Secret:   []byte(*secret),
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      time.Hour,
	}

	sender, err := dial(ctx, *addr, cfg, "smoke-sender")
	if err != nil {
		return err
	}
	defer sender.Close(websocket.StatusNormalClosure, "done")

	receiver, err := dial(ctx, *addr, cfg, "smoke-receiver")
	if err != nil {
		return err
	}
	defer receiver.Close(websocket.StatusNormalClosure, "done")

	marker := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	payload, err := json.Marshal(proto.SendData{To: "smoke-receiver", Content: marker, TempID: marker})
	if err != nil {
		return fmt.Errorf("marshal send: %w", err)
	}
	if err := wsjson.Write(ctx, sender, proto.Inbound{Type: proto.EventMessageSend, Data: payload}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// The receiver should see the message; skip presence and replay frames.
	for {
		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, receiver, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if frame.Type != proto.EventMessageReceived {
			continue
		}
		var evt proto.ReceivedData
		if err := json.Unmarshal(frame.Data, &evt); err != nil {
			return fmt.Errorf("unmarshal received: %w", err)
		}
		if evt.Message.Content == marker {
			return nil
		}
	}
}

func dial(ctx context.Context, addr string, cfg *auth.JWTConfig, userID string) (*websocket.Conn, error) {
	token, err := auth.GenerateToken(cfg, userID, "")
	if err != nil {
		return nil, fmt.Errorf("sign token for %s: %w", userID, err)
	}
	conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial as %s: %w", userID, err)
	}
	return conn, nil
}
