package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/internal/hub"
	"github.com/clay-spfmlp/agile-hub/internal/room"
	"github.com/clay-spfmlp/agile-hub/pkg/protocol"
)

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 3 * time.Second
)

// Handler upgrades GET /ws?code=XXXXXX. The first client message must be a
// join carrying the display name and, on reconnect, the identity token the
// server minted last time.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.Get{Code: code, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		log := log.With(zap.String("conn", connID), zap.String("room", hub.Normalize(code)))

		hello, ok := readHello(r.Context(), conn)
		if !ok {
			writeMessage(r.Context(), conn, protocol.ServerMessage{
				Type: protocol.EventActionRejected, Reason: "expected a join message first",
			})
			return
		}

		outbox := make(chan protocol.ServerMessage, 16)
		attachReply := make(chan room.AttachResult, 1)
		rm.Inbox() <- room.Attach{
			ConnID: connID,
			Token:  hello.Token,
			Name:   hello.Name,
			Role:   engine.Role(hello.Role),
			Outbox: outbox,
			Reply:  attachReply,
		}
		res := <-attachReply
		if res.Err != nil {
			writeMessage(r.Context(), conn, protocol.ServerMessage{
				Type: protocol.EventActionRejected, Reason: res.Err.Error(),
			})
			return
		}
		defer func() { rm.Inbox() <- room.Detach{ConnID: connID} }()

		// Writer: drains the outbox until the room closes it (leave,
		// takeover, slow-client drop, or shutdown). Write failures are not
		// fatal here; the reader observes the dead connection and detaches.
		go func() {
			for msg := range outbox {
				writeMessage(r.Context(), conn, msg)
			}
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}()

		log.Info("participant attached", zap.String("participant", res.ParticipantID))

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeMessage(r.Context(), conn, protocol.ServerMessage{
					Type: protocol.EventActionRejected, Reason: "bad json",
				})
				continue
			}
			if cm.Type == protocol.ActionJoin {
				// Already joined on this connection.
				continue
			}

			rm.Inbox() <- room.FromClient{ConnID: connID, Msg: cm}

			if cm.Type == protocol.ActionLeave {
				return
			}
		}
	}
}

func readHello(ctx context.Context, conn *websocket.Conn) (protocol.ClientMessage, bool) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.ClientMessage{}, false
	}
	var hello protocol.ClientMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != protocol.ActionJoin {
		return protocol.ClientMessage{}, false
	}
	return hello, true
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg protocol.ServerMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload) == nil
}
