// Interactive chat client for manual testing. Connects to the server's
// WebSocket endpoint, prints incoming events and sends stdin lines as
// direct messages. With -secret it self-signs a token so no identity
// provider is needed against a dev server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relaychat/relay-server/internal/auth"
	"github.com/relaychat/relay-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "bearer token (overrides -secret)")
	user := flag.String("user", "cli-user", "user ID to self-sign when -secret is set")
	secret := flag.String("secret", "", "JWT secret for self-signing a dev token")
	issuer := flag.String("issuer", "relay-server", "JWT issuer for self-signed tokens")
	audience := flag.String("audience", "relay-clients", "JWT audience for self-signed tokens")
	to := flag.String("to", "", "recipient user ID for outgoing messages")
	conversation := flag.String("conversation", "", "conversation ID for outgoing messages")
	flag.Parse()

	if *to == "" && *conversation == "" {
		return errors.New("one of -to or -conversation is required")
	}

	bearer := *token
	if bearer == "" {
		if *secret == "" {
			return errors.New("one of -token or -secret is required")
		}
		var err error
		bearer, err = auth.GenerateToken(&auth.JWTConfig{
			Secret:   []byte(*secret),
			Issuer:   *issuer,
			Audience: *audience,
			TTL:      time.Hour,
		}, *user, "")
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + bearer}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	fmt.Printf("Connected to %s as %s\n", *addr, *user)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *to, *conversation)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var outbound struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch outbound.Type {
		case proto.EventMessageReceived:
			var evt proto.ReceivedData
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				log.Printf("unmarshal %s: %v", outbound.Type, err)
				continue
			}
			fmt.Printf("[%s] %s: %s\n", evt.Message.ConversationID, evt.Message.Sender, evt.Message.Content)
		case proto.EventMessagesUndelivered:
			var evt proto.UndeliveredData
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				log.Printf("unmarshal %s: %v", outbound.Type, err)
				continue
			}
			fmt.Printf("-- %d missed message(s) --\n", len(evt.Messages))
			for _, m := range evt.Messages {
				fmt.Printf("[%s] %s: %s\n", m.ConversationID, m.Sender, m.Content)
			}
		case proto.EventPresenceUpdate:
			var evt proto.PresenceUpdateData
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				log.Printf("unmarshal %s: %v", outbound.Type, err)
				continue
			}
			state := "offline"
			if evt.Online {
				state = "online"
			}
			fmt.Printf("* %s is %s\n", evt.UserID, state)
		case proto.EventMessageError:
			var evt proto.ErrorData
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				log.Printf("unmarshal %s: %v", outbound.Type, err)
				continue
			}
			fmt.Printf("! error (%s): %s\n", evt.Code, evt.Error)
		default:
			fmt.Printf("event=%s data=%s\n", outbound.Type, outbound.Data)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, to, conversation string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			seq++
			payload, err := json.Marshal(proto.SendData{
				ConversationID: conversation,
				To:             to,
				Content:        text,
				TempID:         fmt.Sprintf("cli-%d", seq),
			})
			if err != nil {
				log.Printf("marshal send: %v", err)
				return
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.EventMessageSend, Data: payload}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
