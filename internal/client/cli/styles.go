package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"macrolink/internal/client/events"
)

var (
	colorGreen  = lipgloss.Color("40")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("196")
	colorCyan   = lipgloss.Color("39")
	colorGray   = lipgloss.Color("244")
	colorWhite  = lipgloss.Color("255")
	colorDim    = lipgloss.Color("240")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	labelStyle = lipgloss.NewStyle().
			Width(14).
			Foreground(colorGray)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	okStyle = lipgloss.NewStyle().
		Foreground(colorGreen).
		Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	addrStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)

// field renders one aligned "label value" row.
func field(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

// renderEvent formats a run event as a single line, or "" for events not shown.
func renderEvent(ev events.Event) string {
	stamp := dimStyle.Render(ev.Timestamp.Format("15:04:05"))

	var msg string
	switch ev.Type {
	case events.EventConnecting:
		msg = pendingStyle.Render("connecting")
	case events.EventConnected:
		data, _ := ev.Data.(events.ConnectedData)
		msg = okStyle.Render("connected") + " " + addrStyle.Render(data.ServerAddr) +
			dimStyle.Render(fmt.Sprintf(" (%s)", data.Latency.Round(time.Millisecond)))
	case events.EventStatusChecked:
		data, _ := ev.Data.(events.StatusData)
		style := okStyle
		if data.Status != "ready" {
			style = pendingStyle
		}
		msg = "server " + style.Render(data.Status) + dimStyle.Render(" (client "+data.Version+")")
	case events.EventAuthenticated:
		msg = okStyle.Render("authenticated")
	case events.EventAuthRejected:
		data, _ := ev.Data.(events.AuthData)
		msg = errorStyle.Render("authentication rejected") + dimStyle.Render(" sid "+data.SessionID)
	case events.EventCommandSent:
		msg = okStyle.Render("command sent")
	case events.EventDisconnected:
		msg = dimStyle.Render("disconnected")
	case events.EventError:
		data, _ := ev.Data.(events.ErrorData)
		msg = errorStyle.Render(fmt.Sprintf("%s: %v", data.Context, data.Error))
	case events.EventLog:
		data, _ := ev.Data.(events.LogData)
		if data.Level != "debug" {
			return ""
		}
		msg = dimStyle.Render(data.Message)
	default:
		return ""
	}
	return stamp + " " + msg
}

func formatSteps(steps []int) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprint(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
