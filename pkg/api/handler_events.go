package api

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

// heartbeatInterval paces SSE comment frames so idle connections survive
// intermediary timeouts.
const heartbeatInterval = 15 * time.Second

// eventsHandler handles GET /api/v1/workflows/:id/events. Each event is one
// text/event-stream frame (event: <type> / data: <json>); ?from_seq= replays
// retained events from that sequence, and without it the whole retained
// window is replayed before going live. The response ends itself after the
// terminal event. Once a closed stream has been released the endpoint
// answers 404 even though the record remains readable.
func (s *Server) eventsHandler(c *gin.Context) {
	id := c.Param("id")
	fromSeq, ok := parseFromSeq(c)
	if !ok {
		return
	}

	events, err := s.bus.Subscribe(c.Request.Context(), id, fromSeq)
	if err != nil {
		respondError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	s.logger.Debug("SSE subscriber attached", "workflow_id", id, "from_seq", fromSeq)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				return
			}
			c.Writer.Flush()
			if stream.IsTerminalEvent(ev.Type) {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeSSE renders one event frame.
func writeSSE(w io.Writer, ev model.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// parseFromSeq reads the optional ?from_seq= query parameter. On a bad value
// it writes the error response and reports false.
func parseFromSeq(c *gin.Context) (int64, bool) {
	v := c.Query("from_seq")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		respondError(c, model.NewError(model.KindInvalidArguments,
			"from_seq must be a non-negative integer").WithDetail("field", "from_seq"))
		return 0, false
	}
	return n, true
}
