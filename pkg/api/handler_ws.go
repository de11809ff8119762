package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 10 * time.Second

// wsHandler handles GET /api/v1/workflows/:id/ws. The socket carries the
// same frames as the SSE endpoint, one JSON text message per event, and
// closes normally after the terminal event. Unknown workflows are rejected
// before the upgrade; a workflow whose stream has already been released gets
// an immediate normal closure instead.
func (s *Server) wsHandler(c *gin.Context) {
	id := c.Param("id")
	fromSeq, ok := parseFromSeq(c)
	if !ok {
		return
	}

	if _, err := s.sup.Status(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin allow-listing sits on the fronting proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket accept failed", "workflow_id", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// Client frames are discarded; the returned context cancels when the
	// peer disconnects, which also detaches the bus subscriber.
	ctx := conn.CloseRead(c.Request.Context())

	events, err := s.bus.Subscribe(ctx, id, fromSeq)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "stream closed")
		return
	}

	s.logger.Debug("WebSocket subscriber attached", "workflow_id", id, "from_seq", fromSeq)

	for {
		select {
		case ev, open := <-events:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			data, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			werr := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if werr != nil {
				return
			}
			if stream.IsTerminalEvent(ev.Type) {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
