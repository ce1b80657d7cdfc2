package api

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/pkg/codex"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	streamBuffer   = 256
)

// handleEventStreamWS streams bus events as JSON text frames. The optional
// "type" query parameter narrows the stream to one event type.
func (s *Server) handleEventStreamWS(c *gin.Context) {
	eventType := c.DefaultQuery("type", bus.Wildcard)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The bus delivers on the agent's reader goroutine, so the listener
	// only enqueues and never waits on the socket.
	send := make(chan []byte, streamBuffer)
	var dropped atomic.Int64
	sub := s.deps.Events.AddListener(eventType, func(ev *codex.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case send <- data:
		default:
			dropped.Add(1)
		}
	})
	defer sub.Unsubscribe()

	s.logger.Info("event stream connected", zap.String("event_type", eventType))

	closeCh := make(chan struct{})
	go func() {
		defer close(closeCh)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if n := dropped.Swap(0); n > 0 {
				s.logger.Warn("event stream fell behind, events dropped", zap.Int64("dropped", n))
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closeCh:
			s.logger.Info("event stream disconnected")
			return
		}
	}
}
