// File: internal/control/ws.go
package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is bound to loopback by default and guarded by the bearer token
	// otherwise, so any origin may open the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Based on the Gorilla WebSocket chat example.
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 64 * 1024
	sendChannelSize = 256
)

// wsClient is one connection to the event stream. Three goroutines serve it:
// the read pump (inbound commands), the write pump (the only writer), and the
// forwarder copying bus events into send.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan WSMessage
	// quit is closed by the forwarder once the bus subscription ends.
	quit chan struct{}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	s.logger.Info("Event stream client connected.", zap.String("remoteAddr", r.RemoteAddr))

	sub, unsubscribe := s.bus.Subscribe()
	c := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan WSMessage, sendChannelSize),
		quit:   make(chan struct{}),
	}

	go c.forward(sub)
	go c.writePump()
	c.readPump()

	// The read pump exits on any connection error; ending the subscription
	// winds down the forwarder and then the write pump.
	unsubscribe()
	s.logger.Debug("Event stream client finished.", zap.String("remoteAddr", r.RemoteAddr))
}

func (c *wsClient) forward(sub <-chan events.Event) {
	defer close(c.quit)
	for ev := range sub {
		c.sendMessage(MsgTypeEvent, "", ev)
	}
}

func (c *wsClient) readPump() {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.server.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket closed unexpectedly", zap.Error(err))
			} else {
				c.server.logger.Debug("WebSocket connection closed.", zap.Error(err))
			}
			return
		}
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "Invalid message: "+err.Error())
			continue
		}
		c.processMessage(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.server.logger.Debug("Error writing to WebSocket", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			// The bus shut down. Flush what is queued, then say goodbye.
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"))
					return
				}
			}
		}
	}
}

func (c *wsClient) write(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to encode WebSocket message", zap.Error(err))
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) processMessage(msg wsInbound) {
	switch msg.Type {
	case MsgTypeCommand:
		name, _, err := c.server.dispatch(msg.Data)
		if err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
		c.sendMessage(MsgTypeCommandAck, msg.RequestID, map[string]string{"command": name})
	default:
		c.server.logger.Warn("Received unknown message type from client", zap.String("type", string(msg.Type)))
		c.sendError(msg.RequestID, "Unknown or unsupported message type: "+string(msg.Type))
	}
}

// sendMessage queues msg for the write pump, dropping it when the client is
// not keeping up.
func (c *wsClient) sendMessage(msgType MessageType, requestID string, data interface{}) {
	msg := WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
	select {
	case c.send <- msg:
	default:
		c.server.logger.Warn("WebSocket send buffer full, dropping message.",
			zap.String("type", string(msgType)), zap.String("requestID", requestID))
	}
}

func (c *wsClient) sendError(requestID, message string) {
	c.sendMessage(MsgTypeSystemError, requestID, map[string]string{"error": message})
}
