// Package theme provides the Lip Gloss palette and reusable styles for the
// taskmate TUI. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Session state colors.
var (
	ColorRunning = lipgloss.Color("#2563eb")
	ColorChanged = lipgloss.Color("#d97706")
	ColorStopped = lipgloss.Color("#6b7280")
)

// Notice colors.
var (
	ColorInfo  = lipgloss.Color("#06b6d4")
	ColorWarn  = lipgloss.Color("#d97706")
	ColorError = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#a855f7")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// StateColor returns the color for a session state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "running":
		return ColorRunning
	case "changed":
		return ColorChanged
	case "stopped":
		return ColorStopped
	default:
		return ColorDefault
	}
}

// StateGlyph returns a glyph for a session state name.
func StateGlyph(state string) string {
	switch state {
	case "running":
		return "▶"
	case "changed":
		return "✓"
	case "stopped":
		return "■"
	default:
		return "·"
	}
}

// NoticeColor returns the color for a notice level.
func NoticeColor(level string) lipgloss.Color {
	switch level {
	case "info":
		return ColorInfo
	case "warn":
		return ColorWarn
	case "error":
		return ColorError
	default:
		return ColorDefault
	}
}

// HealthColor returns the color for a tracker health status.
func HealthColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "failed":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// ItemColor resolves an indicator item color. Items carry hex colors; an
// empty color uses the default foreground.
func ItemColor(hex string) lipgloss.Color {
	if hex == "" {
		return ColorBright
	}
	return lipgloss.Color(hex)
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)
)
