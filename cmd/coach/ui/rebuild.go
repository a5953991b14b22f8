package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codecoach/internal/corpus"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrInterrupted is returned when the user quits the progress view before
// the rebuild finishes.
var ErrInterrupted = errors.New("rebuild interrupted")

// ProgressMsg reports embedded chunks.
type ProgressMsg corpus.Progress

// DoneMsg ends the rebuild.
type DoneMsg struct {
	Stats corpus.RebuildStats
	Err   error
}

// RebuildModel shows a progress bar while the context store is rebuilt.
type RebuildModel struct {
	bar    progress.Model
	styles Styles

	source  string
	done    int
	total   int
	sources int

	finished bool
	stats    corpus.RebuildStats
	err      error
}

// NewRebuildModel creates the progress view.
func NewRebuildModel() RebuildModel {
	return RebuildModel{
		bar:    progress.New(progress.WithDefaultGradient()),
		styles: DefaultStyles(),
	}
}

// Init initializes the model.
func (m RebuildModel) Init() tea.Cmd {
	return nil
}

// Update handles messages.
func (m RebuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ProgressMsg:
		// Reports arrive from several workers; never move backwards.
		if msg.ChunksDone >= m.done {
			m.done = msg.ChunksDone
			m.source = msg.Source
		}
		m.total = msg.ChunksTotal
		m.sources = msg.Sources
		return m, nil

	case DoneMsg:
		m.finished = true
		m.stats, m.err = msg.Stats, msg.Err
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.bar.Width = max(msg.Width-4, 10)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

// Percent is the embedded fraction of all chunks.
func (m RebuildModel) Percent() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

// View renders the progress bar.
func (m RebuildModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Rebuilding context store"))
	b.WriteString("\n\n")

	switch {
	case m.finished && m.err != nil:
		b.WriteString(m.styles.Error.Render("Rebuild failed: " + m.err.Error()))
	case m.finished:
		b.WriteString(m.styles.Success.Render(fmt.Sprintf("Indexed %d chunks from %d sources",
			m.stats.TotalChunks, m.stats.SourcesProcessed)))
	default:
		b.WriteString(m.bar.ViewAs(m.Percent()))
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%d/%d chunks from %d sources", m.done, m.total, m.sources)))
		if m.source != "" {
			b.WriteString("\n")
			b.WriteString(m.styles.Muted.Render(m.source))
		}
		b.WriteString("\n\n")
		b.WriteString(m.styles.Muted.Render("q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}

// Result returns the outcome once the model has finished.
func (m RebuildModel) Result() (corpus.RebuildStats, error) {
	if !m.finished {
		return corpus.RebuildStats{}, ErrInterrupted
	}
	return m.stats, m.err
}

// RunRebuild runs rebuild behind the progress view. rebuild receives a
// callback for its progress reports.
func RunRebuild(ctx context.Context, rebuild func(ctx context.Context, onProgress func(corpus.Progress)) (corpus.RebuildStats, error)) (corpus.RebuildStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewRebuildModel(), tea.WithContext(ctx))
	go func() {
		stats, err := rebuild(ctx, func(pr corpus.Progress) { p.Send(ProgressMsg(pr)) })
		p.Send(DoneMsg{Stats: stats, Err: err})
	}()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return corpus.RebuildStats{}, err
	}
	m, ok := final.(RebuildModel)
	if !ok {
		return corpus.RebuildStats{}, ErrInterrupted
	}
	return m.Result()
}
