package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"codecoach/internal/checkpoint"
	"codecoach/internal/corpus"
	"codecoach/internal/feedback"
	"codecoach/internal/inspect"
	"codecoach/internal/retrieval"
	"codecoach/internal/session"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrievalMarkdown(t *testing.T) {
	assert.Equal(t, "_No relevant context found._\n", RetrievalMarkdown(nil))

	md := RetrievalMarkdown(&retrieval.Result{Chunks: []retrieval.Scored{
		{Rank: 1, Score: 0.91234, Text: "Loops repeat work.", Source: "loops.md"},
		{Rank: 2, Score: 0.5, Text: "Lists hold items.", Source: "lists.md"},
	}})
	assert.Contains(t, md, "### 1. loops.md (score 0.912)")
	assert.Less(t, strings.Index(md, "loops.md"), strings.Index(md, "lists.md"))
}

func TestCheckpointsMarkdown(t *testing.T) {
	md := CheckpointsMarkdown([]checkpoint.Checkpoint{{
		Index:             0,
		Title:             "Add",
		Objective:         "Add two numbers.",
		Concept:           "Arithmetic",
		FunctionSignature: "def add(a, b):",
		Rules:             []string{"No imports"},
		Hints:             []string{"Use +"},
		TestInputs:        []any{[]any{1.0, 2.0}, []any{3.0, 4.0}},
		ExpectedOutputs:   []any{3.0, 7.0},
	}})
	assert.Contains(t, md, "## 1. Add")
	assert.Contains(t, md, "- No imports")
	assert.Contains(t, md, "- Use +")
	assert.Contains(t, md, "_2 test case(s)_")
}

func TestSignatureMarkdown(t *testing.T) {
	sig := &inspect.Signature{Language: inspect.Python, Name: "add", Params: []string{"a", "b"}, Line: 3}
	md := SignatureMarkdown(sig, nil)
	assert.Contains(t, md, "line 3")
	assert.Contains(t, md, "No quality issues.")

	md = SignatureMarkdown(nil, []string{inspect.IssueTooShort})
	assert.Contains(t, md, "- "+inspect.IssueTooShort)
}

func TestSessionsMarkdown(t *testing.T) {
	assert.Equal(t, "_No sessions._\n", SessionsMarkdown(nil))

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	md := SessionsMarkdown([]session.Summary{
		{ID: "abc", Problem: "Sum | a list\nof numbers", Checkpoints: 3, Completed: 1, CreatedAt: created},
	})
	assert.Contains(t, md, "| abc | Sum \\| a list of numbers | 1/3 | 2026-01-02 03:04:05 | never |")
}

func TestSessionMarkdown(t *testing.T) {
	md := SessionMarkdown(&session.Session{
		ID:          "abc",
		Problem:     "Sum a list",
		Checkpoints: []checkpoint.Checkpoint{{Index: 0, Title: "Read"}, {Index: 1, Title: "Sum"}},
		Progress:    []session.Progress{{Index: 0, Completed: true, Attempts: 2}, {Index: 1, Attempts: 1}},
	})
	assert.Contains(t, md, "- [x] 1. Read (2 attempt(s))")
	assert.Contains(t, md, "- [ ] 2. Sum (1 attempt(s))")
}

func TestCellText(t *testing.T) {
	assert.Equal(t, "abcdefg...", cellText(strings.Repeat("abcdefghij", 3), 10))
	assert.Equal(t, "a b", cellText(" a \n b ", 10))
}

func TestOutcome(t *testing.T) {
	r := NewRenderer(true, 80)
	out := r.Outcome(feedback.Outcome{
		Message: feedback.MessageFailed,
		Hints:   []string{"Input: [1] | Expected: 2 | Got: 3"},
		Stage:   feedback.StageCorrectness,
	})
	assert.Contains(t, out, feedback.MessageFailed)
	assert.Contains(t, out, "Expected: 2")
	assert.Contains(t, out, "stage: correctness")

	out = r.Outcome(feedback.Outcome{Passed: true, Message: feedback.MessagePassed})
	assert.Contains(t, out, "✓")
}

func TestMarkdownRenders(t *testing.T) {
	out := NewRenderer(true, 80).Markdown("## Title\n\nbody text\n")
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "body text")
}

func TestRebuildModel(t *testing.T) {
	m := NewRebuildModel()
	_, err := m.Result()
	assert.ErrorIs(t, err, ErrInterrupted)

	next, cmd := m.Update(ProgressMsg{Source: "a.md", ChunksDone: 2, ChunksTotal: 4, Sources: 1})
	assert.Nil(t, cmd)
	m = next.(RebuildModel)
	assert.InDelta(t, 0.5, m.Percent(), 1e-9)
	assert.Contains(t, m.View(), "2/4 chunks from 1 sources")

	// A late report from a slower worker does not move the bar back.
	next, _ = m.Update(ProgressMsg{Source: "b.md", ChunksDone: 1, ChunksTotal: 4, Sources: 1})
	m = next.(RebuildModel)
	assert.InDelta(t, 0.5, m.Percent(), 1e-9)

	next, cmd = m.Update(DoneMsg{Stats: corpus.RebuildStats{ChunksAdded: 4, TotalChunks: 4, SourcesProcessed: 1}})
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)
	m = next.(RebuildModel)
	stats, err := m.Result()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalChunks)
	assert.Contains(t, m.View(), "Indexed 4 chunks from 1 sources")

	failed, _ := NewRebuildModel().Update(DoneMsg{Err: errors.New("no sources")})
	assert.Contains(t, failed.View(), "Rebuild failed: no sources")
}
