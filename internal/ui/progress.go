// Package ui renders batch progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"soalign/internal/batch"
)

const recentLimit = 8

type progressModel struct {
	title    string
	events   <-chan batch.Event
	spinner  spinner.Model
	prog     progress.Model
	variants []variantRow
	index    map[string]int
	recent   []jobLine
	snap     batch.Snapshot
	width    int
	done     bool

	cancel     func()
	cancelling bool
}

type variantRow struct {
	id      string
	total   int
	ok      int
	cached  int
	failed  int
	skipped int
}

func (r variantRow) finished() int { return r.ok + r.failed + r.skipped }

type jobLine struct {
	file    string
	variant string
	status  string
}

type eventMsg batch.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders batch progress:
// one row per variant, the most recent jobs and an overall bar driven by the
// snapshot carried on each event. The model quits when events is closed.
//
// The first ctrl+c, q or esc calls cancel and keeps rendering until the batch
// winds down; a second one quits at once.
func NewProgressModel(title string, variants []string, filesPerVariant int, events <-chan batch.Event, cancel func()) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	rows := make([]variantRow, 0, len(variants))
	index := make(map[string]int, len(variants))
	for i, id := range variants {
		rows = append(rows, variantRow{id: id, total: filesPerVariant})
		index[id] = i
	}
	return &progressModel{
		title:    title,
		events:   events,
		spinner:  sp,
		prog:     prog,
		variants: rows,
		index:    index,
		snap:     batch.Snapshot{Total: len(variants) * filesPerVariant},
		width:    80,
		cancel:   cancel,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(batch.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.cancelling || m.cancel == nil {
				return m, tea.Quit
			}
			m.cancelling = true
			m.cancel()
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if m.snap.Total == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := fmt.Sprintf("%s (%d/%d)", m.title, m.snap.Completed, m.snap.Total)
	switch {
	case m.done && m.cancelling:
		header = "cancelled: " + header
	case m.done:
		header = "done: " + header
	case m.cancelling:
		header = m.spinner.View() + " cancelling: " + header
	default:
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	for _, row := range m.variants {
		counts := fmt.Sprintf("%3d ok", row.ok)
		if row.cached > 0 {
			counts += fmt.Sprintf(" (%d cached)", row.cached)
		}
		counts += "  " + styleStatus("error").Render(fmt.Sprintf("%3d failed", row.failed))
		if row.skipped > 0 {
			counts += "  " + styleStatus("skipped").Render(fmt.Sprintf("%d skipped", row.skipped))
		}
		fmt.Fprintf(&b, "  %-12s %4d/%-4d %s\n", row.id, row.finished(), row.total, counts)
	}

	if len(m.recent) > 0 {
		b.WriteString("\n")
		nameWidth := m.width - 12 - 16 - 6
		if nameWidth < 20 {
			nameWidth = 20
		}
		for _, line := range m.recent {
			status := styleStatus(line.status).Render(fmt.Sprintf("%10s", line.status))
			fmt.Fprintf(&b, "  %s %-14s %s\n", status, line.variant, truncate(line.file, nameWidth))
		}
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(m.snap.Fraction()))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	if !m.done {
		hint := "q to cancel"
		if m.cancelling {
			hint = "q again to quit now"
		}
		b.WriteString(lipgloss.NewStyle().Faint(true).Render(hint))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev batch.Event) tea.Cmd {
	if ev.Snapshot.Total > 0 {
		m.snap = ev.Snapshot
	}
	if ev.Status == batch.StatusQueued {
		return nil
	}
	if idx, ok := m.index[ev.Variant]; ok {
		row := &m.variants[idx]
		switch ev.Status {
		case batch.StatusDone:
			row.ok++
		case batch.StatusCached:
			row.ok++
			row.cached++
		case batch.StatusError:
			row.failed++
		case batch.StatusSkipped:
			row.skipped++
		}
	}
	m.pushRecent(jobLine{file: ev.File, variant: ev.Variant, status: statusLabel(ev.Stage, ev.Status)})
	return m.prog.SetPercent(m.snap.Fraction())
}

// pushRecent keeps the newest line per job, replacing its working line once
// the job finishes.
func (m *progressModel) pushRecent(line jobLine) {
	for i := range m.recent {
		if m.recent[i].file == line.file && m.recent[i].variant == line.variant {
			m.recent = append(m.recent[:i], m.recent[i+1:]...)
			break
		}
	}
	m.recent = append(m.recent, line)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
}

func statusLabel(stage batch.Stage, status batch.Status) string {
	switch status {
	case batch.StatusQueued:
		return "queued"
	case batch.StatusDone:
		return "done"
	case batch.StatusCached:
		return "cached"
	case batch.StatusSkipped:
		return "skipped"
	case batch.StatusError:
		return "error"
	case batch.StatusWorking:
		return stageLabel(stage)
	default:
		return ""
	}
}

func stageLabel(stage batch.Stage) string {
	switch stage {
	case batch.StageRead:
		return "reading"
	case batch.StageParse:
		return "parsing"
	case batch.StageAlign:
		return "aligning"
	case batch.StageWrite:
		return "writing"
	default:
		return ""
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done", "cached":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "skipped":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "reading", "parsing", "aligning", "writing":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
