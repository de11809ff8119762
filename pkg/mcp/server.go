// Package mcp exposes the orchestration verbs as an MCP tool server.
//
// The server speaks the official MCP SDK over any transport; the binary
// serves it on stdio so MCP-capable clients can start workflows, poll them,
// and call registry tools without touching the HTTP API. Every verb returns
// a JSON text body of the form {"ok": bool, ...}; failures carry the error
// kind and message in-band and set the MCP error flag, so handlers never
// surface Go errors to the protocol layer.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/orchestrator"
	"github.com/dreamwalker-ai/dreamwalker/pkg/supervisor"
	"github.com/dreamwalker-ai/dreamwalker/pkg/tools"
	"github.com/dreamwalker-ai/dreamwalker/pkg/version"
)

// Options configures the tool server.
type Options struct {
	Supervisor *supervisor.Supervisor
	Registry   *tools.Registry
}

// Server wraps an MCP SDK server exposing the seven orchestration verbs.
type Server struct {
	sup      *supervisor.Supervisor
	registry *tools.Registry
	inner    *mcpsdk.Server
	logger   *slog.Logger
}

// Input schemas, one per verb. Semantic checks (non-empty task, known
// pattern, valid agent types) happen in the handlers and the supervisor,
// so the schemas stay permissive and only describe the surface.
var (
	startHierarchicalSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "Task to decompose and execute"},
			"config": {"type": "object", "description": "Workflow overrides: num_workers, group_size, enable_mid, enable_executive, provider, model, worker_model, mid_model, executive_model, max_concurrent_agents, per_subtask_timeout_seconds, workflow_timeout_seconds, generate_documents, document_formats"},
			"webhook": {
				"type": "object",
				"description": "Callback receiving signed stream events",
				"properties": {
					"url": {"type": "string", "description": "Absolute http(s) URL"},
					"secret": {"type": "string", "description": "HMAC-SHA256 signing secret"}
				}
			}
		}
	}`)

	startSwarmSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Query for the specialist agents to research"},
			"config": {"type": "object", "description": "Workflow overrides: num_agents, agent_types, enable_synthesis, provider, model, max_concurrent_agents, per_subtask_timeout_seconds, workflow_timeout_seconds, generate_documents, document_formats"},
			"webhook": {
				"type": "object",
				"description": "Callback receiving signed stream events",
				"properties": {
					"url": {"type": "string", "description": "Absolute http(s) URL"},
					"secret": {"type": "string", "description": "HMAC-SHA256 signing secret"}
				}
			}
		}
	}`)

	workflowIDSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"workflow_id": {"type": "string", "description": "Workflow identifier returned by a start verb"}
		}
	}`)

	listPatternsSchema = json.RawMessage(`{"type": "object"}`)

	listToolsSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"category": {"type": "string", "description": "Only tools in this category"},
			"tags": {"type": "array", "items": {"type": "string"}, "description": "Only tools carrying every listed tag"},
			"enabled": {"type": "boolean", "description": "Only tools with this enabled state"},
			"namespace": {"type": "string", "description": "Only tools in this namespace; empty string selects un-namespaced tools"}
		}
	}`)

	executeToolSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Registered tool name"},
			"args": {"type": "object", "description": "Tool arguments, validated against the tool schema"}
		}
	}`)
)

// NewServer builds the tool server and registers the verb handlers.
func NewServer(opts Options) *Server {
	s := &Server{
		sup:      opts.Supervisor,
		registry: opts.Registry,
		inner: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    version.AppName,
			Version: version.GitCommit,
		}, nil),
		logger: slog.Default().With("component", "mcp"),
	}

	s.add("start_hierarchical",
		"Start a hierarchical workflow: an executive decomposes the task, workers execute subtasks in groups, and synthesis passes produce the final report. Returns the workflow id immediately.",
		startHierarchicalSchema, s.handleStartHierarchical)
	s.add("start_swarm",
		"Start a swarm workflow: typed specialist agents research the query in parallel, optionally followed by a synthesis pass. Returns the workflow id immediately.",
		startSwarmSchema, s.handleStartSwarm)
	s.add("status",
		"Fetch a workflow record by id. Once the workflow reaches a terminal state the full result is included.",
		workflowIDSchema, s.handleStatus)
	s.add("cancel",
		"Cancel a workflow. Terminal workflows are left untouched; in-flight agents are interrupted and completed partial results are kept.",
		workflowIDSchema, s.handleCancel)
	s.add("list_patterns",
		"List the orchestration patterns with their defaults and agent-type palettes.",
		listPatternsSchema, s.handleListPatterns)
	s.add("list_tools",
		"List registry tools, optionally filtered by category, tags, enabled state, or namespace.",
		listToolsSchema, s.handleListTools)
	s.add("execute_tool",
		"Execute a registry tool directly and return its output.",
		executeToolSchema, s.handleExecuteTool)

	return s
}

func (s *Server) add(name, description string, schema json.RawMessage, h mcpsdk.ToolHandler) {
	s.inner.AddTool(&mcpsdk.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, h)
}

// Run serves the MCP protocol on the given transport until ctx is cancelled
// or the transport closes.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.inner.Run(ctx, t)
}

// ServeStdio serves the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("Serving MCP over stdio", "version", version.Full())
	return s.Run(ctx, &mcpsdk.StdioTransport{})
}

// ── verb handlers ──

type webhookArgs struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type startArgs struct {
	Task    string               `json:"task"`
	Query   string               `json:"query"`
	Config  model.WorkflowConfig `json:"config"`
	Webhook *webhookArgs         `json:"webhook"`
}

type idArgs struct {
	WorkflowID string `json:"workflow_id"`
}

type listToolsArgs struct {
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Enabled   *bool    `json:"enabled"`
	Namespace *string  `json:"namespace"`
}

type executeToolArgs struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

func (s *Server) handleStartHierarchical(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args startArgs
	if err := decodeArgs(req, &args); err != nil {
		return failResult(err), nil
	}
	if strings.TrimSpace(args.Task) == "" {
		return failResult(model.NewError(model.KindInvalidArguments, "task must not be empty").
			WithDetail("field", "task")), nil
	}
	return s.start(ctx, model.PatternBeltalowda, args.Task, args)
}

func (s *Server) handleStartSwarm(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args startArgs
	if err := decodeArgs(req, &args); err != nil {
		return failResult(err), nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return failResult(model.NewError(model.KindInvalidArguments, "query must not be empty").
			WithDetail("field", "query")), nil
	}
	return s.start(ctx, model.PatternSwarm, args.Query, args)
}

func (s *Server) start(ctx context.Context, pattern, task string, args startArgs) (*mcpsdk.CallToolResult, error) {
	var hook *supervisor.WebhookSpec
	if args.Webhook != nil {
		hook = &supervisor.WebhookSpec{URL: args.Webhook.URL, Secret: args.Webhook.Secret}
	}
	rec, err := s.sup.Submit(ctx, pattern, task, args.Config, hook)
	if err != nil {
		return failResult(err), nil
	}
	s.logger.Info("Workflow submitted via MCP", "workflow_id", rec.ID, "pattern", rec.Pattern)
	return okResult(map[string]any{
		"workflow_id": rec.ID,
		"pattern":     rec.Pattern,
		"status":      rec.Status,
		"created_at":  rec.CreatedAt,
	}), nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, res := s.workflowID(req)
	if res != nil {
		return res, nil
	}
	rec, err := s.sup.Status(ctx, args.WorkflowID)
	if err != nil {
		return failResult(err), nil
	}
	body := map[string]any{"workflow": rec}
	// The result is only readable once the workflow is terminal; while it is
	// still running the record alone is the answer.
	if result, err := s.sup.Result(ctx, args.WorkflowID); err == nil {
		body["result"] = result
	}
	return okResult(body), nil
}

func (s *Server) handleCancel(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, res := s.workflowID(req)
	if res != nil {
		return res, nil
	}
	if err := s.sup.Cancel(ctx, args.WorkflowID); err != nil {
		return failResult(err), nil
	}
	s.logger.Info("Workflow cancelled via MCP", "workflow_id", args.WorkflowID)
	body := map[string]any{"workflow_id": args.WorkflowID}
	if rec, err := s.sup.Status(ctx, args.WorkflowID); err == nil {
		body["status"] = rec.Status
	}
	return okResult(body), nil
}

// workflowID decodes and checks the shared {workflow_id} argument shape.
// A non-nil result is the failure response to return as-is.
func (s *Server) workflowID(req *mcpsdk.CallToolRequest) (idArgs, *mcpsdk.CallToolResult) {
	var args idArgs
	if err := decodeArgs(req, &args); err != nil {
		return args, failResult(err)
	}
	if strings.TrimSpace(args.WorkflowID) == "" {
		return args, failResult(model.NewError(model.KindInvalidArguments, "workflow_id must not be empty").
			WithDetail("field", "workflow_id"))
	}
	return args, nil
}

func (s *Server) handleListPatterns(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return okResult(map[string]any{"patterns": orchestrator.Patterns()}), nil
}

func (s *Server) handleListTools(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args listToolsArgs
	if err := decodeArgs(req, &args); err != nil {
		return failResult(err), nil
	}
	infos := s.registry.List(tools.Filter{
		Category:  args.Category,
		Tags:      args.Tags,
		Enabled:   args.Enabled,
		Namespace: args.Namespace,
	})
	return okResult(map[string]any{"tools": infos, "count": len(infos)}), nil
}

func (s *Server) handleExecuteTool(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args executeToolArgs
	if err := decodeArgs(req, &args); err != nil {
		return failResult(err), nil
	}
	if strings.TrimSpace(args.Name) == "" {
		return failResult(model.NewError(model.KindInvalidArguments, "name must not be empty").
			WithDetail("field", "name")), nil
	}
	output, err := s.registry.Execute(ctx, args.Name, args.Args)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"tool": args.Name, "output": output}), nil
}

// ── response encoding ──

// decodeArgs unmarshals the request arguments into v. A missing arguments
// object decodes as the zero value so handlers see empty fields.
func decodeArgs(req *mcpsdk.CallToolRequest, v any) error {
	raw := req.Params.Arguments
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.NewError(model.KindInvalidArguments, "malformed tool arguments").
			WithDetail("cause", err.Error())
	}
	return nil
}

func okResult(body map[string]any) *mcpsdk.CallToolResult {
	body["ok"] = true
	return textResult(body, false)
}

func failResult(err error) *mcpsdk.CallToolResult {
	me := model.AsError(err)
	body := map[string]any{"ok": false, "kind": me.Kind, "message": me.Message}
	if len(me.Detail) > 0 {
		body["detail"] = me.Detail
	}
	return textResult(body, true)
}

func textResult(body map[string]any, isErr bool) *mcpsdk.CallToolResult {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"ok":false,"kind":"internal","message":"response encoding failed"}`)
		isErr = true
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: isErr,
	}
}
