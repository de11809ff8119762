package notify

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// Slack rejects section text over 3000 characters; leave headroom for
// the truncation marker.
const maxBlockTextLength = 2900

var statusEmoji = map[model.TaskStatus]string{
	model.StatusCompleted: ":white_check_mark:",
	model.StatusFailed:    ":x:",
	model.StatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[model.TaskStatus]string{
	model.StatusCompleted: "Workflow Completed",
	model.StatusFailed:    "Workflow Failed",
	model.StatusCancelled: "Workflow Cancelled",
}

// buildMessage renders the terminal notification: a status header, the
// final synthesis for completed runs or the error otherwise, a metadata
// line, and a dashboard link when one is configured.
func buildMessage(rec model.WorkflowRecord, result model.OrchestratorResult, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[rec.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[rec.Status]
	if label == "" {
		label = "Workflow " + string(rec.Status)
	}

	title := result.Title
	if title == "" {
		title = rec.Task
	}
	blocks := []goslack.Block{
		section(fmt.Sprintf("%s *%s*\n%s", emoji, label, truncate(title))),
	}

	if rec.Status == model.StatusCompleted {
		if result.FinalSynthesis != "" {
			blocks = append(blocks, section(truncate(result.FinalSynthesis)))
		}
	} else {
		msg := rec.Error
		if msg == "" {
			msg = result.Error
		}
		if msg != "" {
			blocks = append(blocks, section("*Error:*\n"+truncate(msg)))
		}
	}

	blocks = append(blocks, section(fmt.Sprintf(
		"*Pattern:* %s | *Agents:* %d | *Duration:* %.1fs | *Cost:* $%.4f",
		rec.Pattern, len(result.AgentResults), result.Duration, result.Cost)))

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Workflow", false, false))
		btn.URL = fmt.Sprintf("%s/workflows/%s", dashboardURL, rec.ID)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}
	return blocks
}

func section(text string) *goslack.SectionBlock {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
}

// truncate caps text at maxBlockTextLength runes without splitting a
// multi-byte rune.
func truncate(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
