package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

const (
	// maxFetchBytes caps the http_fetch response body.
	maxFetchBytes = 1 << 20 // 1 MiB

	// fetchTimeout bounds a single http_fetch call.
	fetchTimeout = 15 * time.Second
)

// StatusLookup resolves a workflow ID to its current record; wired from the
// state store at bootstrap so this package stays free of store imports.
type StatusLookup func(ctx context.Context, workflowID string) (any, error)

// BuiltinOptions carries the collaborators builtin tools need.
type BuiltinOptions struct {
	// Status backs the workflow_status tool; nil skips its registration.
	Status StatusLookup
	// HTTPClient backs http_fetch; nil uses a default client with timeout.
	HTTPClient *http.Client
}

// RegisterBuiltins installs the built-in tools: echo, http_fetch, and
// (when a status lookup is wired) workflow_status.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	if err := r.Register(Definition{
		Name:        "echo",
		Description: "Returns its arguments unchanged. Useful for connectivity checks.",
		Category:    "diagnostics",
		Tags:        []string{"builtin"},
		Schema:      json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}); err != nil {
		return err
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if err := r.Register(Definition{
		Name:        "http_fetch",
		Description: "Fetches a http(s) URL and returns the response body (capped at 1 MiB).",
		Category:    "network",
		Tags:        []string{"builtin"},
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http or https URL"}
			},
			"required": ["url"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			rawURL, _ := args["url"].(string)
			return fetchURL(ctx, client, rawURL)
		},
	}); err != nil {
		return err
	}

	if opts.Status != nil {
		if err := r.Register(Definition{
			Name:        "workflow_status",
			Description: "Returns the current record for a workflow.",
			Category:    "observability",
			Tags:        []string{"builtin"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"workflow_id": {"type": "string"}
				},
				"required": ["workflow_id"]
			}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id, _ := args["workflow_id"].(string)
				return opts.Status(ctx, id)
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

// fetchURL performs a bounded GET. Only absolute http/https URLs are
// accepted; the body is truncated at maxFetchBytes.
func fetchURL(ctx context.Context, client *http.Client, rawURL string) (any, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, model.NewError(model.KindInvalidArguments, "malformed url").WithDetail("field", "url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return nil, model.NewError(model.KindInvalidArguments, "url must be absolute http or https").
			WithDetail("field", "url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"truncated":    len(body) == maxFetchBytes,
	}, nil
}
