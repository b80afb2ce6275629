package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/silent-relay/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	base := flag.String("addr", "ws://localhost:8080/ws", "relay websocket base address")
	room := flag.String("room", "smoke", "room to join")
	installID := flag.String("install-id", "", "install id sent with the handshake")
	text := flag.String("text", "hello from smoke test", "message text to relay")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := *base + "/" + *room
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if *installID != "" {
		opts.HTTPHeader.Set("X-Install-ID", *installID)
	}

	sender, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dial sender: %w", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "bye")

	receiver, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dial receiver: %w", err)
	}
	defer receiver.Close(websocket.StatusNormalClosure, "bye")

	// Both peers see presence once the receiver joined.
	if err := awaitPresence(ctx, receiver, 2); err != nil {
		return fmt.Errorf("receiver presence: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"type": "chat", "text": *text})
	if err != nil {
		return err
	}
	if err := sender.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		typ, data, err := receiver.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if handled, err := handleControl(ctx, receiver, typ, data); err != nil {
			return err
		} else if handled {
			continue
		}
		log.Printf("relayed: %s", data)
		return nil
	}
}

func awaitPresence(ctx context.Context, conn *websocket.Conn, want int) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var p proto.Presence
		if typ == websocket.MessageText && json.Unmarshal(data, &p) == nil && p.Type == proto.TypePresence {
			log.Printf("presence room=%s count=%d", p.Room, p.Count)
			if p.Count >= want {
				return nil
			}
			continue
		}
		if _, err := handleControl(ctx, conn, typ, data); err != nil {
			return err
		}
	}
}

// handleControl answers server pings and skips presence and rejection notices.
func handleControl(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) (bool, error) {
	if typ != websocket.MessageText {
		return false, nil
	}
	var env struct {
		Type  string       `json:"type"`
		TS    int64        `json:"ts"`
		Error *proto.Error `json:"error"`
	}
	if json.Unmarshal(data, &env) != nil {
		return false, nil
	}
	switch env.Type {
	case proto.TypePing:
		return true, conn.Write(ctx, websocket.MessageText, proto.Pong(env.TS))
	case proto.TypePresence:
		return true, nil
	case proto.TypeRejected:
		if env.Error != nil {
			return true, errors.New("rejected: " + env.Error.Code)
		}
		return true, errors.New("rejected")
	}
	return false, nil
}
