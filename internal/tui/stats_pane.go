package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskexec/internal/events"
)

// StatsPaneModel shows the manager counters and outcome tallies.
type StatsPaneModel struct {
	total      int64
	incomplete int64
	active     int64
	succeeded  int
	failed     int
	cancelled  int
	width      int
	height     int
	focused    bool
}

// NewStatsPaneModel creates an empty stats pane.
func NewStatsPaneModel() StatsPaneModel {
	return StatsPaneModel{}
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ManagerStatsEvent:
		m.total = msg.Total
		m.incomplete = msg.Incomplete
		m.active = msg.Active
	case events.TaskCompletedEvent:
		m.succeeded++
	case events.TaskFailedEvent:
		m.failed++
	case events.TaskCancelledEvent:
		m.cancelled++
	}
	return m, nil
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Manager")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Submitted:  %d\n", m.total)
	fmt.Fprintf(&b, "Incomplete: %s\n", StyleStatusPending.Render(fmt.Sprint(m.incomplete)))
	fmt.Fprintf(&b, "Active:     %s\n", StyleStatusRunning.Render(fmt.Sprint(m.active)))
	fmt.Fprintf(&b, "Succeeded:  %s\n", StyleStatusComplete.Render(fmt.Sprint(m.succeeded)))
	fmt.Fprintf(&b, "Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Cancelled:  %s\n", StyleStatusCancelled.Render(fmt.Sprint(m.cancelled)))
	b.WriteString("\n")

	finished := m.succeeded + m.failed + m.cancelled
	if finished > 0 {
		barWidth := min(m.width-4, 40)
		okWidth := (m.succeeded * barWidth) / finished
		failedWidth := (m.failed * barWidth) / finished
		cancelledWidth := max(0, barWidth-okWidth-failedWidth)

		bar := StyleStatusComplete.Render(strings.Repeat("=", okWidth))
		bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
		bar += StyleStatusCancelled.Render(strings.Repeat("/", cancelledWidth))
		fmt.Fprintf(&b, "[%s]  %d finished\n", bar, finished)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
