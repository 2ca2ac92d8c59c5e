package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/streams"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamRunWS streams run chunks over a WebSocket. Each message is one
// stream envelope; a close control frame follows the stream closing.
// GET /api/v1/runs/:runId/ws
func (h *Handler) StreamRunWS(c *gin.Context) {
	runID := c.Param("runId")

	var afterSeq uint64
	if raw := c.Query("after_seq"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterSeq = parsed
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	frames := make(chan streams.Envelope[run.Chunk], sseBufferSize)
	closed := make(chan struct{})
	unsub := h.runs.Streams().Subscribe(streams.Subscription[run.Chunk]{
		StreamID: runID,
		AfterSeq: afterSeq,
		OnEvent: func(env streams.Envelope[run.Chunk]) {
			select {
			case frames <- env:
			default:
				// Slow consumer; drop. Seq ids expose the gap.
			}
		},
		// Signaled out-of-band: a full frame queue must never swallow
		// the close notification.
		OnClose: func() { close(closed) },
	})
	defer unsub()

	// Reader goroutine: consume control frames and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writeChunk := func(env streams.Envelope[run.Chunk]) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(env); err != nil {
			h.logger.Debug("websocket write failed",
				zap.String("run_id", runID), zap.Error(err))
			return err
		}
		return nil
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env := <-frames:
			if writeChunk(env) != nil {
				return
			}
		case <-closed:
			// Flush frames queued before the close, then finish.
			for {
				select {
				case env := <-frames:
					if writeChunk(env) != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
					return
				}
			}
		}
	}
}
