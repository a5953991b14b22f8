package ui

import (
	"fmt"
	"strings"
	"time"

	"codecoach/internal/checkpoint"
	"codecoach/internal/feedback"
	"codecoach/internal/inspect"
	"codecoach/internal/retrieval"
	"codecoach/internal/session"

	"github.com/charmbracelet/glamour"
)

// Renderer turns the markdown views into terminal output.
type Renderer struct {
	md     *glamour.TermRenderer
	styles Styles
}

// NewRenderer builds a renderer. Plain output uses no colors, for pipes.
func NewRenderer(plain bool, width int) *Renderer {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if plain {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	md, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		md = nil
	}
	return &Renderer{md: md, styles: DefaultStyles()}
}

// Markdown renders md, falling back to the raw text.
func (r *Renderer) Markdown(md string) string {
	if r.md == nil {
		return md
	}
	out, err := r.md.Render(md)
	if err != nil {
		return md
	}
	return out
}

// Outcome renders a validation verdict.
func (r *Renderer) Outcome(o feedback.Outcome) string {
	status := r.styles.Error.Render("✗ " + o.Message)
	if o.Passed {
		status = r.styles.Success.Render("✓ " + o.Message)
	}
	lines := []string{status}
	for _, h := range o.Hints {
		lines = append(lines, r.styles.Muted.Render("  • ")+h)
	}
	if o.Stage != "" {
		lines = append(lines, r.styles.Muted.Render(fmt.Sprintf("  stage: %s", o.Stage)))
	}
	return r.styles.Card.Render(strings.Join(lines, "\n"))
}

// RetrievalMarkdown lists ranked chunks best first.
func RetrievalMarkdown(res *retrieval.Result) string {
	display := res.Display()
	if len(display) == 0 {
		return "_No relevant context found._\n"
	}
	var b strings.Builder
	b.WriteString("## Retrieved context\n")
	for _, c := range display {
		fmt.Fprintf(&b, "\n### %d. %s (score %.3f)\n\n%s\n", c.Rank, c.Source, c.Score, c.Text)
	}
	return b.String()
}

// CheckpointsMarkdown describes a generated lesson.
func CheckpointsMarkdown(cps []checkpoint.Checkpoint) string {
	var b strings.Builder
	for i, cp := range cps {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", cp.Index+1, cp.Title)
		fmt.Fprintf(&b, "**Objective:** %s\n\n", cp.Objective)
		fmt.Fprintf(&b, "**Concept:** %s\n\n", cp.Concept)
		fmt.Fprintf(&b, "```\n%s\n```\n", cp.FunctionSignature)
		if len(cp.Rules) > 0 {
			b.WriteString("\n**Rules**\n\n")
			for _, rule := range cp.Rules {
				fmt.Fprintf(&b, "- %s\n", rule)
			}
		}
		if len(cp.Hints) > 0 {
			b.WriteString("\n**Hints**\n\n")
			for _, h := range cp.Hints {
				fmt.Fprintf(&b, "- %s\n", h)
			}
		}
		inputs, _ := cp.Cases()
		fmt.Fprintf(&b, "\n_%d test case(s)_\n", len(inputs))
	}
	return b.String()
}

// SignatureMarkdown describes an inspection.
func SignatureMarkdown(sig *inspect.Signature, quality []string) string {
	var b strings.Builder
	if sig != nil {
		fmt.Fprintf(&b, "**Function:** `%s` (line %d, %s)\n", sig, sig.Line, sig.Language)
	}
	if len(quality) == 0 {
		b.WriteString("\nNo quality issues.\n")
		return b.String()
	}
	b.WriteString("\n**Quality issues**\n\n")
	for _, q := range quality {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

// SessionsMarkdown tabulates stored sessions.
func SessionsMarkdown(list []session.Summary) string {
	if len(list) == 0 {
		return "_No sessions._\n"
	}
	var b strings.Builder
	b.WriteString("| ID | Problem | Progress | Created | Expires |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, s := range list {
		expires := "never"
		if !s.ExpiresAt.IsZero() {
			expires = s.ExpiresAt.Format(time.DateTime)
		}
		fmt.Fprintf(&b, "| %s | %s | %d/%d | %s | %s |\n",
			s.ID, cellText(s.Problem, 40), s.Completed, s.Checkpoints, s.CreatedAt.Format(time.DateTime), expires)
	}
	return b.String()
}

// SessionMarkdown shows one session with per-checkpoint progress.
func SessionMarkdown(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n`%s`\n\n", cellText(s.Problem, 80), s.ID)
	for i, cp := range s.Checkpoints {
		mark := "[ ]"
		attempts := 0
		if i < len(s.Progress) {
			attempts = s.Progress[i].Attempts
			if s.Progress[i].Completed {
				mark = "[x]"
			}
		}
		fmt.Fprintf(&b, "- %s %d. %s (%d attempt(s))\n", mark, cp.Index+1, cp.Title, attempts)
	}
	return b.String()
}

func cellText(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}
