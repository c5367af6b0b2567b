package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vpnctl/internal/logger"
	"vpnctl/internal/telemetry"

	"go.uber.org/zap"
)

// upgrader accepts any origin: the admin UI and the control plane are
// expected to share an origin behind the same reverse proxy, and the route
// itself sits behind adminauth.RequireAdmin.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connSubscriber adapts a *websocket.Conn to telemetry.Subscriber, guarding
// writes with a mutex since gorilla/websocket forbids concurrent writers on
// a single connection.
type connSubscriber struct {
	conn *websocket.Conn
	mu   chan struct{}
}

func newConnSubscriber(conn *websocket.Conn) *connSubscriber {
	s := &connSubscriber{conn: conn, mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *connSubscriber) WriteJSON(v interface{}) error {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	return s.conn.WriteJSON(v)
}

func (s *connSubscriber) Close() error {
	return s.conn.Close()
}

// StreamTelemetry godoc
// @Summary      Subscribe to live peer telemetry
// @Description  Upgrades to a websocket and streams a "metrics" frame on every poll tick.
// @Tags         telemetry
// @Router       /ws/stats [get]
func StreamTelemetry(fanout *telemetry.Fanout) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Logger.Warn("httpapi: websocket upgrade failed", zap.Error(err))
			return
		}

		sub := newConnSubscriber(conn)
		fanout.Connect(sub)
		defer fanout.Disconnect(sub)

		// The client never sends anything meaningful; this loop only exists
		// to detect the connection closing so Disconnect runs promptly.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
