package fanout

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// maxInboundMessage caps what a subscriber may send us. Subscribers have
// nothing to say; their messages are read and discarded.
const maxInboundMessage = 4096

// wsConn adapts a gorilla websocket to Conn. Each line is one text message.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteLine(line []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, line)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketHandler upgrades HTTP requests to websocket subscribers of a
// Broadcaster.
type WebsocketHandler struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      *logrus.Entry
}

// NewWebsocketHandler returns an http.Handler serving the feed of b.
func NewWebsocketHandler(b *Broadcaster, logger *logrus.Entry) *WebsocketHandler {
	if logger == nil {
		logger = b.logger
	}

	return &WebsocketHandler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			// Dashboards are served from anywhere.
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// ServeHTTP registers the upgraded connection and blocks until it goes away.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"from":  r.RemoteAddr,
			"error": err,
		}).Debug("Websocket upgrade failed")
		return
	}

	sub := h.broadcaster.Register(NewWebsocketConn(conn), r.RemoteAddr)
	if sub == nil {
		return
	}
	defer h.broadcaster.Unregister(sub)

	conn.SetReadLimit(maxInboundMessage)

	// The read loop only exists to notice when the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				select {
				case <-sub.Done():
				default:
					h.logger.WithFields(logrus.Fields{
						"subscriber": sub.ID,
						"error":      err,
					}).Debug("Subscriber read error")
				}
			}
			return
		}
	}
}
