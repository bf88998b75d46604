package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleTradesWS streams trade_executed events as JSON text frames until the
// client goes away.
func (s *Server) handleTradesWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		observ.Warn("ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	trades, unsubscribe := s.bus.Subscribe(s.config.StreamBuffer)
	defer unsubscribe()
	observ.Log("trade_stream_connected", map[string]any{"transport": "ws", "remote": c.ClientIP()})

	// Reads only detect close; clients send nothing meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeTimeout := time.Duration(s.config.WriteTimeoutMs) * time.Millisecond
	ping := time.NewTicker(time.Duration(s.config.HeartbeatSec) * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			observ.Log("trade_stream_disconnected", map[string]any{"transport": "ws"})
			return
		case <-s.base.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-trades:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				observ.Warn("trade_stream_write_failed", map[string]any{"transport": "ws", "error": err.Error()})
				return
			}
			observ.IncCounter("trade_stream_events_total", map[string]string{"transport": "ws"})
		}
	}
}

// handleTradesSSE is the same feed as server-sent events, for clients that
// cannot speak websocket.
func (s *Server) handleTradesSSE(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	trades, unsubscribe := s.bus.Subscribe(s.config.StreamBuffer)
	defer unsubscribe()
	observ.Log("trade_stream_connected", map[string]any{"transport": "sse", "remote": c.ClientIP()})

	if err := writeWatermark(w); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(time.Duration(s.config.HeartbeatSec) * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			observ.Log("trade_stream_disconnected", map[string]any{"transport": "sse"})
			return
		case <-s.base.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-trades:
			if !ok {
				return
			}
			if err := writeTradeEvent(w, ev); err != nil {
				observ.Warn("trade_stream_write_failed", map[string]any{"transport": "sse", "error": err.Error()})
				return
			}
			flusher.Flush()
			observ.IncCounter("trade_stream_events_total", map[string]string{"transport": "sse"})
		}
	}
}

func writeTradeEvent(w http.ResponseWriter, ev events.TradeExecuted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trade event: %w", err)
	}
	id := ev.ClientOrderID
	if id == "" {
		id = ev.OrderID
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, id, payload)
	return err
}

// writeWatermark lets a client measure lag against the server clock.
func writeWatermark(w http.ResponseWriter) error {
	payload, _ := json.Marshal(map[string]any{
		"server_watermark_utc": time.Now().UTC().Format(time.RFC3339),
	})
	_, err := fmt.Fprintf(w, "event: watermark\nid: watermark-%d\ndata: %s\n\n", time.Now().Unix(), payload)
	return err
}
