package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskexec/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved values take
// effect the next time the manager starts.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget      string
	startJitter     string
	shutdownTimeout string
	gcInterval      string
	logLevel        string
	metricsAddr     string
	retention       string
	archiveDisabled bool
}

// NewSettingsPaneModel creates a settings pane bound to cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "global"
	m.startJitter = m.config.Manager.StartJitter.D().String()
	m.shutdownTimeout = m.config.Manager.ShutdownTimeout.D().String()
	m.gcInterval = m.config.Manager.GCInterval.D().String()
	m.logLevel = m.config.LogLevel
	m.metricsAddr = m.config.MetricsAddr
	m.retention = m.config.Archive.Retention.D().String()
	m.archiveDisabled = m.config.Archive.Disabled
}

func validateDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("not a duration (try 250ms, 10s, 24h)")
	}
	return nil
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.taskexec/config.json)", "global"),
					huh.NewOption("Project (.taskexec/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("startJitter").
				Title("Start Jitter").
				Value(&m.startJitter).
				Validate(validateDuration).
				Placeholder("0s"),

			huh.NewInput().
				Key("shutdownTimeout").
				Title("Shutdown Timeout").
				Value(&m.shutdownTimeout).
				Validate(validateDuration).
				Placeholder("10s"),

			huh.NewInput().
				Key("gcInterval").
				Title("GC Interval").
				Value(&m.gcInterval).
				Validate(validateDuration).
				Placeholder("1m0s"),
		).Title("Manager"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewInput().
				Key("metricsAddr").
				Title("Metrics Address").
				Value(&m.metricsAddr).
				Placeholder(":9090"),
		).Title("Observability"),

		huh.NewGroup(
			huh.NewInput().
				Key("retention").
				Title("Archive Retention").
				Value(&m.retention).
				Validate(validateDuration).
				Placeholder("24h0m0s"),

			huh.NewConfirm().
				Key("archiveDisabled").
				Title("Disable Archive?").
				Value(&m.archiveDisabled),
		).Title("Archive"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	target := m.globalPath
	if m.saveTarget == "project" {
		target = m.projectPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies the form values into the config. Inputs are
// validated by the form, so parse errors only occur for values set directly.
func (m *SettingsPaneModel) applyFormToConfig() error {
	durations := []struct {
		in  string
		out *config.Duration
	}{
		{m.startJitter, &m.config.Manager.StartJitter},
		{m.shutdownTimeout, &m.config.Manager.ShutdownTimeout},
		{m.gcInterval, &m.config.Manager.GCInterval},
		{m.retention, &m.config.Archive.Retention},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.in, err)
		}
		*d.out = config.Duration(parsed)
	}
	m.config.LogLevel = m.logLevel
	m.config.MetricsAddr = m.metricsAddr
	m.config.Archive.Disabled = m.archiveDisabled
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true).
			Render("✓ Settings saved. Restart to apply.")
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the form
// from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
