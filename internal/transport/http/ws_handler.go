package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"quiz-progress-service/internal/app"
)

// WSHandler streams live progress updates to every open tab/device of one
// user over the user_{userId} topic.
type WSHandler struct {
	broadcaster app.Broadcaster
	upgrader    websocket.Upgrader
}

func NewWSHandler(broadcaster app.Broadcaster) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and pumps the user's update channel until the
// client disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	// When the auth layer forwarded an identity, only the owner (or an
	// admin) may listen on the topic.
	if ident, ok := identityFrom(r); ok && !ident.CanActOn(userID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.broadcaster.Subscribe(userID)
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: update.Type, Topic: topicName(userID), Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "subscribed", Topic: topicName(userID), Payload: map[string]string{"userId": userID}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "ping":
			send <- outboundMessage[any]{Type: "pong", Payload: struct{}{}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func topicName(userID string) string {
	return "user_" + userID
}
