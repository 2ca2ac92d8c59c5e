package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/streams"
)

// sseBufferSize bounds the per-observer queue between the stream bus and the
// wire. Bus callbacks must not block, so a full queue drops frames; the
// client detects the gap from the seq ids and re-subscribes with after_seq.
const sseBufferSize = 256

// StreamRunEvents streams run chunks over SSE. The after_seq query parameter
// is the replay cursor: buffered envelopes with greater seq are delivered
// first.
// GET /api/v1/runs/:runId/events
func (h *Handler) StreamRunEvents(c *gin.Context) {
	runID := c.Param("runId")

	var afterSeq uint64
	if raw := c.Query("after_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			appErr := errors.BadRequest("after_seq must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		afterSeq = parsed
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		appErr := errors.InternalError("streaming not supported", nil)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

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

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeChunk := func(env streams.Envelope[run.Chunk]) {
		data, err := json.Marshal(env)
		if err != nil {
			h.logger.Error("failed to encode stream envelope",
				zap.String("run_id", runID), zap.Error(err))
			return
		}
		c.Writer.WriteString("id: " + strconv.FormatUint(env.Seq, 10) + "\n")
		c.Writer.WriteString("event: chunk\n")
		c.Writer.WriteString("data: " + string(data) + "\n\n")
		flusher.Flush()
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-frames:
			writeChunk(env)
		case <-closed:
			// Flush frames queued before the close, then finish.
			for {
				select {
				case env := <-frames:
					writeChunk(env)
				default:
					c.Writer.WriteString("event: close\ndata: {}\n\n")
					flusher.Flush()
					return
				}
			}
		}
	}
}
