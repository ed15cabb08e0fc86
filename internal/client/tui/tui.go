// Package tui is an interactive launcher: pick a configured macro and run it,
// with the run's lifecycle events shown as they arrive.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"macrolink/internal/client/events"
	"macrolink/internal/client/runner"
	"macrolink/pkg/protocol"
)

// Run statuses shown in the header.
const (
	statusIdle    = "idle"
	statusRunning = "running"
	statusSent    = "sent"
	statusFailed  = "failed"
)

// runTimeout bounds a single run started from the launcher.
const runTimeout = 30 * time.Second

// MacroEntry is one selectable macro.
type MacroEntry struct {
	Name  string
	Steps []int
}

// ActivityEntry is one line of the recent activity list.
type ActivityEntry struct {
	Time    time.Time
	Message string
}

// Model is the main Bubble Tea model
type Model struct {
	// Dependencies
	runner   *runner.Runner
	eventSub <-chan events.Event

	// Macros to pick from, sorted by name
	macros []MacroEntry
	cursor int

	// Run state
	status  string
	running bool
	spinner spinner.Model
	sent    int

	// Server info from the last connect
	serverAddr    string
	serverLatency time.Duration

	// Recent activity, newest first
	activity    []ActivityEntry
	maxActivity int

	// Error message (if any)
	lastError string

	width int
}

// NewModel creates a launcher for macros that runs them with r.
// Events from r must be published on bus.
func NewModel(r *runner.Runner, bus *events.Bus, macros map[string][]int) Model {
	var eventSub <-chan events.Event
	if bus != nil {
		eventSub = bus.Subscribe()
	}

	entries := make([]MacroEntry, 0, len(macros))
	for name, steps := range macros {
		entries = append(entries, MacroEntry{Name: name, Steps: steps})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return Model{
		runner:      r,
		eventSub:    eventSub,
		macros:      entries,
		status:      statusIdle,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusRunningStyle)),
		maxActivity: 10,
	}
}

// Messages
type eventMsg events.Event
type runResultMsg struct {
	name string
	err  error
}

// Commands
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		if sub == nil {
			return nil
		}
		event, ok := <-sub
		if !ok {
			return nil
		}
		return eventMsg(event)
	}
}

func runMacroCmd(r *runner.Runner, m MacroEntry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		_, err := r.Run(ctx, protocol.Macro{Name: m.Name, Steps: m.Steps})
		return runResultMsg{name: m.Name, err: err}
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	if m.eventSub != nil {
		return waitForEvent(m.eventSub)
	}
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.macros)-1 {
				m.cursor++
			}
		case "enter", " ":
			if m.running || len(m.macros) == 0 {
				return m, nil
			}
			m.running = true
			m.status = statusRunning
			m.lastError = ""
			return m, tea.Batch(runMacroCmd(m.runner, m.macros[m.cursor]), m.spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		if !m.running {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m = m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.eventSub)

	case runResultMsg:
		m.running = false
		if msg.err != nil {
			m.status = statusFailed
			m.lastError = msg.err.Error()
			return m, nil
		}
		m.status = statusSent
		m.sent++
		return m, nil
	}

	return m, nil
}

func (m Model) handleEvent(event events.Event) Model {
	var message string

	switch event.Type {
	case events.EventConnecting:
		message = "connecting"

	case events.EventConnected:
		if data, ok := event.Data.(events.ConnectedData); ok {
			m.serverAddr = data.ServerAddr
			m.serverLatency = data.Latency
			message = "connected to " + data.ServerAddr
		}

	case events.EventStatusChecked:
		if data, ok := event.Data.(events.StatusData); ok {
			message = "server " + data.Status
		}

	case events.EventAuthenticated:
		message = "authenticated"

	case events.EventAuthRejected:
		message = "authentication rejected"

	case events.EventCommandSent:
		message = "command sent"
		if data, ok := event.Data.(events.CommandData); ok {
			if macro, ok := data.Payload.(protocol.Macro); ok {
				message = "sent " + macro.Name
			}
		}

	case events.EventDisconnected:
		message = "disconnected"

	case events.EventError:
		if data, ok := event.Data.(events.ErrorData); ok {
			m.lastError = fmt.Sprintf("%s: %v", data.Context, data.Error)
			message = m.lastError
		}
	}

	if message == "" {
		return m
	}

	// Prepend (newest first)
	m.activity = append([]ActivityEntry{{Time: event.Timestamp, Message: message}}, m.activity...)
	if len(m.activity) > m.maxActivity {
		m.activity = m.activity[:m.maxActivity]
	}
	return m
}

// View renders the model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(m.renderMacros())
	b.WriteString("\n")

	if len(m.activity) > 0 {
		b.WriteString(m.renderActivity())
	}

	return b.String()
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("macrolink")
	hint := hintStyle.Render("(↑/↓ select, Enter run, q quit)")

	spacing := strings.Repeat(" ", 4)
	if m.width > 0 {
		if spaces := m.width - lipgloss.Width(title) - lipgloss.Width(hint); spaces > 0 {
			spacing = strings.Repeat(" ", spaces)
		}
	}
	return title + spacing + hint
}

func (m Model) renderStatus() string {
	var lines []string

	status := StatusText(m.status)
	if m.running {
		status = m.spinner.View() + " " + status
	}
	lines = append(lines, m.renderField("Status", status))

	server := addrStyle.Render(m.runner.Endpoint.Addr())
	if m.serverLatency > 0 {
		server += hintStyle.Render(fmt.Sprintf(" (%dms)", m.serverLatency.Milliseconds()))
	}
	lines = append(lines, m.renderField("Server", server))
	lines = append(lines, m.renderField("Session ID", m.runner.SessionID))
	lines = append(lines, m.renderField("Sent", fmt.Sprintf("%d", m.sent)))

	if m.lastError != "" {
		lines = append(lines, m.renderField("Error", statusFailedStyle.Render(m.lastError)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderField(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func (m Model) renderMacros() string {
	if len(m.macros) == 0 {
		return hintStyle.Render("No macros configured. Add them under 'macros' in the config file.")
	}

	lines := []string{labelStyle.Render("Macros")}
	for i, macro := range m.macros {
		marker := "  "
		name := valueStyle.Render(macro.Name)
		if i == m.cursor {
			marker = cursorStyle.Render("> ")
			name = cursorStyle.Render(macro.Name)
		}
		lines = append(lines, marker+name+" "+stepsStyle.Render(formatSteps(macro.Steps)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderActivity() string {
	lines := []string{"", labelStyle.Render("Activity")}
	for _, a := range m.activity {
		lines = append(lines, timeStyle.Render(a.Time.Format("15:04:05"))+" "+valueStyle.Render(a.Message))
	}
	return strings.Join(lines, "\n")
}

func formatSteps(steps []int) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprint(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Run starts the launcher and blocks until the user quits.
func Run(r *runner.Runner, bus *events.Bus, macros map[string][]int) error {
	model := NewModel(r, bus, macros)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
