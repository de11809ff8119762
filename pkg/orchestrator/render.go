package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

// FormatMarkdown is the only format the built-in renderer produces.
const FormatMarkdown = "markdown"

// RenderedDocument pairs an artifact descriptor with its rendered bytes.
type RenderedDocument struct {
	Artifact model.DocumentArtifact
	Content  []byte
}

// Renderer turns a finished workflow into document artifacts. The engine
// treats rendering as best-effort: a renderer error never fails the
// workflow, it only shrinks the artifact list.
type Renderer interface {
	Render(result *model.OrchestratorResult, formats []string) ([]RenderedDocument, error)
}

// render invokes the renderer plugin and emits documents_generated with
// whatever was produced, even when that is nothing.
func (e *Engine) render(rt *Runtime, result *model.OrchestratorResult) []model.DocumentArtifact {
	formats := rt.Config.DocumentFormats
	if len(formats) == 0 {
		formats = []string{FormatMarkdown}
	}

	docs, err := e.renderer.Render(result, formats)
	if err != nil {
		rt.logger.Warn("Document rendering failed", "error", err)
	}

	artifacts := make([]model.DocumentArtifact, 0, len(docs))
	produced := make([]string, 0, len(docs))
	for _, d := range docs {
		artifacts = append(artifacts, d.Artifact)
		if !containsString(produced, d.Artifact.Format) {
			produced = append(produced, d.Artifact.Format)
		}
	}

	rt.Emit(stream.EventDocumentsGenerated, map[string]any{
		"formats":   produced,
		"artifacts": artifacts,
	})
	return artifacts
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ── built-in markdown renderer ─────────────────────────────────────────

// MarkdownRenderer is the default renderer plugin. It produces one
// markdown report per workflow; other requested formats are skipped.
// With an OutputDir set it also writes the report to disk, prefixed by
// the workflow ID so concurrent workflows never collide.
type MarkdownRenderer struct {
	OutputDir string
}

// NewMarkdownRenderer creates the default renderer. An empty outputDir
// keeps artifacts in memory only; sizes are still accounted.
func NewMarkdownRenderer(outputDir string) *MarkdownRenderer {
	return &MarkdownRenderer{OutputDir: outputDir}
}

func (r *MarkdownRenderer) Render(result *model.OrchestratorResult, formats []string) ([]RenderedDocument, error) {
	if !containsString(formats, FormatMarkdown) {
		return nil, nil
	}

	content := []byte(renderMarkdownReport(result))
	doc := RenderedDocument{
		Artifact: model.DocumentArtifact{
			Name:   "report.md",
			Format: FormatMarkdown,
			Size:   len(content),
		},
		Content: content,
	}

	if r.OutputDir != "" {
		if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		path := filepath.Join(r.OutputDir, result.WorkflowID+"-report.md")
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}
	}
	return []RenderedDocument{doc}, nil
}

// renderMarkdownReport lays the workflow out as a human-readable report:
// executive summary, per-agent findings, and a cost accounting table.
func renderMarkdownReport(result *model.OrchestratorResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", result.Title)

	b.WriteString("## Executive Summary\n\n")
	if result.FinalSynthesis != "" {
		b.WriteString(result.FinalSynthesis)
		b.WriteString("\n\n")
	} else {
		b.WriteString("_No synthesis was produced; raw agent findings follow._\n\n")
	}

	if mids := synthesesAtLevel(result.SynthesisResults, model.SynthesisMid); len(mids) > 0 {
		b.WriteString("## Group Summaries\n\n")
		for i, s := range mids {
			fmt.Fprintf(&b, "### Group %d\n\n%s\n\n", i+1, s.Content)
		}
	}

	b.WriteString("## Agent Findings\n\n")
	for i, ar := range result.AgentResults {
		fmt.Fprintf(&b, "### Agent %d (%s)\n\n", i+1, ar.AgentType)
		switch ar.Status {
		case model.StatusCompleted:
			b.WriteString(ar.Content)
			b.WriteString("\n\n")
		default:
			fmt.Fprintf(&b, "_Agent did not complete (%s): %s_\n\n", ar.Status, ar.Error)
		}
	}

	b.WriteString("## Accounting\n\n")
	b.WriteString("| Item | Duration (s) | Cost (USD) |\n")
	b.WriteString("|------|-------------:|-----------:|\n")
	for i, ar := range result.AgentResults {
		fmt.Fprintf(&b, "| agent %d (%s) | %.2f | %.6f |\n", i+1, ar.AgentType, ar.Duration, ar.Cost)
	}
	for _, s := range result.SynthesisResults {
		fmt.Fprintf(&b, "| synthesis (%s) | %.2f | %.6f |\n", s.Level, s.Duration, s.Cost)
	}
	fmt.Fprintf(&b, "| **total** | %.2f | %.6f |\n", result.Duration, result.Cost)

	return b.String()
}

func synthesesAtLevel(synths []model.SynthesisResult, level model.SynthesisLevel) []model.SynthesisResult {
	var out []model.SynthesisResult
	for _, s := range synths {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}
