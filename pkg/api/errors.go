package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
)

// kindStatus maps structured error kinds to HTTP status codes.
func kindStatus(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidArguments:
		return http.StatusBadRequest
	case model.KindUnknownWorkflow, model.KindUnknownTool:
		return http.StatusNotFound
	case model.KindTooManyActive:
		return http.StatusTooManyRequests
	case model.KindToolDisabled:
		return http.StatusConflict
	case model.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err with the same {ok:false, kind, message} body the
// tool surface uses. store.ErrNotCompleted is the one sentinel crossing this
// boundary and maps to 409 so pollers can tell "not yet" from "not found".
func respondError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotCompleted) {
		c.JSON(http.StatusConflict, gin.H{
			"ok":      false,
			"kind":    "not_completed",
			"message": "workflow has not completed yet",
		})
		return
	}

	me := model.AsError(err)
	status := kindStatus(me.Kind)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected API error", "error", err)
	}

	body := gin.H{"ok": false, "kind": me.Kind, "message": me.Message}
	if len(me.Detail) > 0 {
		body["detail"] = me.Detail
	}
	c.JSON(status, body)
}
