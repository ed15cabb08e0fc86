package tui

import "github.com/charmbracelet/lipgloss"

// Color palette shared with the line-oriented CLI output
var (
	colorGreen  = lipgloss.Color("40")  // Bright green for success
	colorYellow = lipgloss.Color("220") // Yellow for in-flight runs
	colorRed    = lipgloss.Color("196") // Red for errors
	colorCyan   = lipgloss.Color("39")  // Cyan for addresses and the cursor
	colorGray   = lipgloss.Color("244") // Gray for labels
	colorWhite  = lipgloss.Color("255") // White for values
	colorDim    = lipgloss.Color("240") // Dim gray for secondary text
)

// Text styles
var (
	// Title style for "macrolink" header
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	// Hint style for key help
	hintStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	// Label style for field names
	labelStyle = lipgloss.NewStyle().
			Width(14).
			Foreground(colorGray)

	// Value style for field values
	valueStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	statusOKStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(colorYellow)

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(colorRed)

	addrStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	// Macro list styles
	cursorStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	stepsStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	timeStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)

// StatusText returns styled run status text
func StatusText(status string) string {
	switch status {
	case statusSent:
		return statusOKStyle.Render(status)
	case statusRunning:
		return statusRunningStyle.Render(status)
	case statusFailed:
		return statusFailedStyle.Render(status)
	default:
		return valueStyle.Render(status)
	}
}
