package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/task"
)

// maxOutputLines bounds the output kept per task row.
const maxOutputLines = 500

// TaskSource resolves task handles for detail rendering and cancellation.
// *execution.Manager satisfies it.
type TaskSource interface {
	GetTask(id string) (*task.Task, bool)
	Cancel(t *task.Task, mode task.CancelMode) bool
}

// TaskRow is what the dashboard knows about one task.
type TaskRow struct {
	ID        string
	Name      string
	Tags      []string
	Status    string // submitted, running, succeeded, failed, cancelled
	Output    []string
	Submitted time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list with a scrollable detail viewport.
type TaskPaneModel struct {
	source      TaskSource
	rows        map[string]*TaskRow
	order       []string
	selectedIdx int
	verbose     bool
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
	lastAction  string
}

// NewTaskPaneModel creates an empty task pane. source may be nil, in which
// case only event data is shown and cancellation is unavailable.
func NewTaskPaneModel(source TaskSource) TaskPaneModel {
	return TaskPaneModel{
		source:   source,
		rows:     make(map[string]*TaskRow),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces detail refreshes while output streams in.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		case KeyCancel:
			m.cancelSelected(task.CancelInterruptTask)
		case KeyCancelAll:
			m.cancelSelected(task.CancelInterruptAll)
		case KeyVerbose:
			m.verbose = !m.verbose
			m.refresh()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		if _, exists := m.rows[msg.ID]; !exists {
			m.rows[msg.ID] = &TaskRow{
				ID:        msg.ID,
				Name:      msg.Name,
				Tags:      msg.Tags,
				Status:    task.StateSubmitted.String(),
				Submitted: msg.Timestamp,
			}
			m.order = append(m.order, msg.ID)
			if len(m.order) == 1 {
				m.selectedIdx = 0
				m.refresh()
			}
		}

	case events.TaskStartedEvent:
		m.setStatus(msg.ID, task.StateRunning.String(), 0)

	case events.TaskOutputEvent:
		row, exists := m.rows[msg.ID]
		if !exists {
			break
		}
		row.Output = append(row.Output, msg.Line)
		if len(row.Output) > maxOutputLines {
			row.Output = row.Output[len(row.Output)-maxOutputLines:]
		}
		if m.SelectedID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		m.setStatus(msg.ID, task.StateSucceeded.String(), msg.Duration)

	case events.TaskFailedEvent:
		m.setStatus(msg.ID, task.StateFailed.String(), msg.Duration)

	case events.TaskCancelledEvent:
		m.setStatus(msg.ID, task.StateCancelled.String(), 0)

	case events.TaskDeletedEvent:
		m.remove(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.refresh()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) setStatus(id, status string, d time.Duration) {
	row, exists := m.rows[id]
	if !exists {
		return
	}
	row.Status = status
	if d > 0 {
		row.Duration = d
	}
	if m.SelectedID() == id {
		m.refresh()
	}
}

func (m *TaskPaneModel) remove(id string) {
	if _, exists := m.rows[id]; !exists {
		return
	}
	delete(m.rows, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.selectedIdx >= len(m.order) && m.selectedIdx > 0 {
		m.selectedIdx = len(m.order) - 1
	}
	m.refresh()
}

func (m *TaskPaneModel) cancelSelected(mode task.CancelMode) {
	id := m.SelectedID()
	if id == "" || m.source == nil {
		return
	}
	t, ok := m.source.GetTask(id)
	if !ok {
		m.lastAction = "task no longer tracked"
		return
	}
	if m.source.Cancel(t, mode) {
		m.lastAction = fmt.Sprintf("cancelled %s (%s)", t.Name(), mode)
	} else {
		m.lastAction = fmt.Sprintf("%s already finished", t.Name())
	}
	m.refresh()
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	detailWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		row := m.rows[id]
		name := row.Name
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(row.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "succeeded":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedID returns the id of the selected task, or "".
func (m TaskPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Row returns the row for id.
func (m TaskPaneModel) Row(id string) (*TaskRow, bool) {
	row, ok := m.rows[id]
	return row, ok
}

// Detail returns the text shown for the selected task.
func (m TaskPaneModel) Detail() string {
	id := m.SelectedID()
	row, exists := m.rows[id]
	if !exists {
		return "Waiting for tasks..."
	}

	var b strings.Builder
	if m.source != nil {
		if t, ok := m.source.GetTask(id); ok {
			b.WriteString(t.StatusDetail(m.verbose))
		}
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "%s (%s)", row.Name, row.Status)
	}
	if len(row.Tags) > 0 {
		fmt.Fprintf(&b, "\nTags: %s", strings.Join(row.Tags, ", "))
	}
	if row.Duration > 0 {
		fmt.Fprintf(&b, "\nRan for %v", row.Duration)
	}
	if m.lastAction != "" {
		fmt.Fprintf(&b, "\n\n%s", StyleStatusCancelled.Render(m.lastAction))
	}
	if len(row.Output) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(row.Output, "\n"))
	}
	return b.String()
}

func (m *TaskPaneModel) refresh() {
	m.viewport.SetContent(m.Detail())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-30-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
