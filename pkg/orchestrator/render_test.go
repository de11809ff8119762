package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

func reportFixture() *model.OrchestratorResult {
	return &model.OrchestratorResult{
		WorkflowID:     "wf-fixture",
		Title:          "State of the harbour",
		Status:         model.StatusCompleted,
		FinalSynthesis: "The harbour is busy but structurally sound.",
		AgentResults: []model.AgentResult{
			{ID: "ag-1", AgentType: model.AgentWorker, Status: model.StatusCompleted, Content: "Pier inspection passed.", Duration: 1.5, Cost: 0.001},
			{ID: "ag-2", AgentType: model.AgentWorker, Status: model.StatusFailed, Error: "tide tables unavailable", Duration: 0.4},
		},
		SynthesisResults: []model.SynthesisResult{
			{ID: "syn-1", Level: model.SynthesisMid, Content: "Group summary of pier findings.", Duration: 0.8, Cost: 0.002},
			{ID: "syn-2", Level: model.SynthesisExecutive, Content: "The harbour is busy but structurally sound.", Duration: 1.1, Cost: 0.003},
		},
		Duration: 4.2,
		Cost:     0.006,
	}
}

func TestMarkdownReportContents(t *testing.T) {
	report := renderMarkdownReport(reportFixture())

	assert.Contains(t, report, "# State of the harbour")
	assert.Contains(t, report, "## Executive Summary")
	assert.Contains(t, report, "The harbour is busy but structurally sound.")
	assert.Contains(t, report, "## Group Summaries")
	assert.Contains(t, report, "Group summary of pier findings.")
	assert.Contains(t, report, "Pier inspection passed.")
	assert.Contains(t, report, "tide tables unavailable")
	assert.Contains(t, report, "| **total** | 4.20 | 0.006000 |")
}

func TestMarkdownReportWithoutSynthesis(t *testing.T) {
	result := reportFixture()
	result.FinalSynthesis = ""
	result.SynthesisResults = nil

	report := renderMarkdownReport(result)
	assert.Contains(t, report, "No synthesis was produced")
	assert.NotContains(t, report, "## Group Summaries")
}

func TestMarkdownRendererProducesArtifact(t *testing.T) {
	r := NewMarkdownRenderer("")
	docs, err := r.Render(reportFixture(), []string{FormatMarkdown})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "report.md", docs[0].Artifact.Name)
	assert.Equal(t, FormatMarkdown, docs[0].Artifact.Format)
	assert.Equal(t, len(docs[0].Content), docs[0].Artifact.Size)
	assert.Greater(t, docs[0].Artifact.Size, 0)
}

func TestMarkdownRendererWritesFile(t *testing.T) {
	dir := t.TempDir()
	r := NewMarkdownRenderer(dir)

	docs, err := r.Render(reportFixture(), []string{FormatMarkdown})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	data, err := os.ReadFile(filepath.Join(dir, "wf-fixture-report.md"))
	require.NoError(t, err)
	assert.Equal(t, docs[0].Content, data)
}

func TestMarkdownRendererSkipsUnknownFormats(t *testing.T) {
	r := NewMarkdownRenderer("")

	docs, err := r.Render(reportFixture(), []string{"docx", "pdf"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}
