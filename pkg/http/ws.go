package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/looplab/loopcore/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The mobile clients connect from app webviews; origin is enforced
	// upstream at the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a connected client may send: channel subscription
// changes. All state mutations go through the REST API.
type clientMessage struct {
	Action  string `json:"action"` // "subscribe" or "unsubscribe"
	Channel string `json:"channel"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := actorID(r)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := events.NewClient(uuid.New().String(), userID, conn)
	s.hub.Register(client)

	go s.writePump(client)
	go s.readPump(client)
}

// readPump consumes subscription messages until the connection closes.
func (s *Server) readPump(client *events.Client) {
	defer func() {
		s.hub.Unregister(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", "client_id", client.ID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			client.Subscribe(msg.Channel)
		case "unsubscribe":
			client.Unsubscribe(msg.Channel)
		}
	}
}

// writePump pushes hub events and keepalive pings to the connection.
func (s *Server) writePump(client *events.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
