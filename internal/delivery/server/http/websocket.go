package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"switchboard/internal/app/pubsub"
	"switchboard/internal/shared/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

func (s *Server) handleSessionOutputStream(c *gin.Context) {
	sub, err := s.coordinator.SubscribeCommandOutput(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	stream(s, c, sub)
}

func (s *Server) handleRunProgressStream(c *gin.Context) {
	sub, err := s.coordinator.SubscribeRunProgress(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	stream(s, c, sub)
}

func (s *Server) handleBatchProgressStream(c *gin.Context) {
	sub, err := s.coordinator.SubscribeBatchProgress(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	stream(s, c, sub)
}

// stream upgrades the request and forwards every event of sub as a JSON
// text frame. The socket is closed normally once sub ends, and sub is
// released when the client goes away first.
func stream[T any](s *Server, c *gin.Context, sub *pubsub.Subscription[T]) {
	defer sub.Close()
	logger := requestLogger(c, s.logger)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed for %s: %v", c.Request.URL.Path, err)
		return
	}
	defer conn.Close()

	clientGone := make(chan struct{})
	go readPump(conn, clientGone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				logger.Debug("WebSocket %s closed after %d events", c.Request.URL.Path, sent)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logStreamError(logger, c, err)
				return
			}
			sent++
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logStreamError(logger, c, err)
				return
			}
		case <-clientGone:
			logger.Debug("WebSocket client left %s after %d events", c.Request.URL.Path, sent)
			return
		}
	}
}

// readPump drains client frames so control messages are processed, and
// closes gone when the connection fails.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func logStreamError(logger logging.Logger, c *gin.Context, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	logger.Warn("WebSocket write on %s failed: %v", c.Request.URL.Path, err)
}
