// Package api serves the HTTP surface: workflow reads over the supervisor
// and store, cancellation, webhook management, and the SSE and WebSocket
// transports bridging the stream bus. The API only reads state and signals
// the supervisor; a transport failure can never corrupt a workflow.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/supervisor"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

// Options wires the server's collaborators. Webhooks may be nil when no
// dispatcher is configured; the webhook endpoints then answer 503.
type Options struct {
	Supervisor *supervisor.Supervisor
	Store      *store.Store
	Bus        *stream.Bus
	Webhooks   *webhook.Dispatcher
}

// Server exposes workflow state over HTTP.
type Server struct {
	sup      *supervisor.Supervisor
	store    *store.Store
	bus      *stream.Bus
	webhooks *webhook.Dispatcher
	logger   *slog.Logger
}

// NewServer creates the HTTP server around its collaborators.
func NewServer(opts Options) *Server {
	return &Server{
		sup:      opts.Supervisor,
		store:    opts.Store,
		bus:      opts.Bus,
		webhooks: opts.Webhooks,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router mounts every route on a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/healthz", s.healthHandler)

	v1 := r.Group("/api/v1")
	v1.GET("/workflows", s.listWorkflowsHandler)
	v1.GET("/workflows/:id", s.getWorkflowHandler)
	v1.GET("/workflows/:id/result", s.getResultHandler)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflowHandler)
	v1.GET("/workflows/:id/events", s.eventsHandler)
	v1.GET("/workflows/:id/ws", s.wsHandler)
	v1.POST("/workflows/:id/webhook", s.registerWebhookHandler)
	v1.DELETE("/workflows/:id/webhook", s.unregisterWebhookHandler)

	return r
}
