package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// defaultListLimit bounds the completed portion of a listing when the caller
// does not ask for one.
const defaultListLimit = 50

// listWorkflowsHandler handles GET /api/v1/workflows: every active workflow
// oldest-first, then recently completed ones newest-first.
func (s *Server) listWorkflowsHandler(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(c, model.NewError(model.KindInvalidArguments,
				"limit must be an integer between 1 and 500").WithDetail("field", "limit"))
			return
		}
		limit = n
	}

	records := s.sup.List(c.Request.Context(), limit)
	if records == nil {
		records = []model.WorkflowRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"workflows": records, "count": len(records)})
}

// getWorkflowHandler handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflowHandler(c *gin.Context) {
	rec, err := s.sup.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// getResultHandler handles GET /api/v1/workflows/:id/result. While the
// workflow is still active the caller gets 409 and keeps polling.
func (s *Server) getResultHandler(c *gin.Context) {
	result, err := s.sup.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// cancelWorkflowHandler handles POST /api/v1/workflows/:id/cancel.
// Cancelling a terminal workflow succeeds without touching it.
func (s *Server) cancelWorkflowHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.sup.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Workflow cancelled via API", "workflow_id", id)

	body := gin.H{"ok": true, "workflow_id": id}
	if rec, err := s.sup.Status(c.Request.Context(), id); err == nil {
		body["status"] = rec.Status
	}
	c.JSON(http.StatusOK, body)
}

// webhookRequest is the body of POST /api/v1/workflows/:id/webhook.
type webhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// registerWebhookHandler handles POST /api/v1/workflows/:id/webhook,
// attaching a signed-delivery callback to an existing workflow.
func (s *Server) registerWebhookHandler(c *gin.Context) {
	if s.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok": false, "kind": model.KindInternal, "message": "webhook delivery is not configured",
		})
		return
	}

	id := c.Param("id")
	if _, err := s.sup.Status(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, model.NewError(model.KindInvalidArguments, "malformed request body").
			WithDetail("cause", err.Error()))
		return
	}
	if err := s.webhooks.Register(c.Request.Context(), id, req.URL, req.Secret); err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Webhook registered via API", "workflow_id", id)
	c.JSON(http.StatusCreated, gin.H{"ok": true, "workflow_id": id})
}

// unregisterWebhookHandler handles DELETE /api/v1/workflows/:id/webhook.
// Removal is idempotent, so a missing registration still answers 204.
func (s *Server) unregisterWebhookHandler(c *gin.Context) {
	if s.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok": false, "kind": model.KindInternal, "message": "webhook delivery is not configured",
		})
		return
	}
	s.webhooks.Unregister(c.Param("id"))
	c.Status(http.StatusNoContent)
}
