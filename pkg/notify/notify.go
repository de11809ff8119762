// Package notify delivers terminal workflow outcomes to Slack. The
// notifier is optional and fail-open: construction returns nil when no
// token or channel is configured, every method is a no-op on a nil
// receiver, and delivery errors are logged, never returned.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

const postTimeout = 10 * time.Second

// Options configures the Slack notifier. Token and Channel are required;
// DashboardURL adds a link button to each message when set.
type Options struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Slack posts one Block Kit message per finished workflow. It satisfies
// the supervisor's Notifier interface.
type Slack struct {
	api          *goslack.Client
	channel      string
	dashboardURL string
	logger       *slog.Logger
}

// NewSlack creates the notifier, or nil when Token or Channel is missing.
func NewSlack(opts Options) *Slack {
	return newSlack(opts, goslack.New(opts.Token))
}

// NewSlackWithAPIURL targets a custom Slack API base URL. Useful for
// testing against a mock server; the URL must end with a slash.
func NewSlackWithAPIURL(opts Options, apiURL string) *Slack {
	return newSlack(opts, goslack.New(opts.Token, goslack.OptionAPIURL(apiURL)))
}

func newSlack(opts Options, api *goslack.Client) *Slack {
	if opts.Token == "" || opts.Channel == "" {
		return nil
	}
	return &Slack{
		api:          api,
		channel:      opts.Channel,
		dashboardURL: strings.TrimRight(opts.DashboardURL, "/"),
		logger:       slog.Default().With("component", "notify"),
	}
}

// WorkflowFinished posts the terminal notification for one workflow.
// The supervisor calls it on the workflow goroutine after the result is
// stored, so delivery stays bounded by postTimeout and failures only log.
func (s *Slack) WorkflowFinished(ctx context.Context, rec model.WorkflowRecord, result model.OrchestratorResult) {
	if s == nil {
		return
	}
	blocks := buildMessage(rec, result, s.dashboardURL)

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(blocks...)); err != nil {
		s.logger.Error("Slack notification failed",
			"workflow_id", rec.ID,
			"status", string(rec.Status),
			"error", err)
		return
	}
	s.logger.Debug("Slack notification sent", "workflow_id", rec.ID)
}
