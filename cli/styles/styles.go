// Package styles holds the lipgloss palette and message formatters used by
// the eventserver CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/fortium/eventserver"
)

// Palette.
var (
	Primary   = lipgloss.Color("#2563EB")
	Secondary = lipgloss.Color("#06B6D4")
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Info      = lipgloss.Color("#3B82F6")
	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	TextDim   = lipgloss.Color("#6B7280")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Text styles.
var (
	Bold      lipgloss.Style
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Normal    lipgloss.Style
	Muted     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Code      lipgloss.Style

	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	InfoStyle    lipgloss.Style

	InfoBox  lipgloss.Style
	ErrorBox lipgloss.Style
)

// Icons.
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconArrow    = "→"
	IconDot      = "•"
	IconPending  = "◌"
	IconStream   = "⇶"
	IconDatabase = "🗄️"
	IconHealth   = "❤️"
)

func init() {
	build()
}

// build derives every style from the palette. DisableColors calls it again
// after clearing the palette.
func build() {
	Bold = lipgloss.NewStyle().Bold(true)
	Title = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted = lipgloss.NewStyle().Foreground(TextMuted)
	Dim = lipgloss.NewStyle().Foreground(TextDim)
	Highlight = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	Code = lipgloss.NewStyle().Foreground(Warning).Background(Surface).Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle = lipgloss.NewStyle().Foreground(Error)
	InfoStyle = lipgloss.NewStyle().Foreground(Info)

	InfoBox = roundedBox(Info).MarginTop(1)
	ErrorBox = roundedBox(Error)
}

func roundedBox(borderColor lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Padding(1, 2)
}

// FormatSuccess formats a success message with icon.
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon.
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon.
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon.
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats a step in a process, e.g. "[2/5] Rebuilding partners".
func FormatStep(step, total int, msg string) string {
	stepStyle := lipgloss.NewStyle().Foreground(TextMuted).Width(8)
	return stepStyle.Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats a key-value pair.
func FormatKeyValue(key, value string) string {
	keyStyle := lipgloss.NewStyle().Foreground(TextMuted).Width(20)
	return keyStyle.Render(key+":") + " " + Highlight.Render(value)
}

// FormatErrorKind renders a rejection kind. Retryable kinds are amber,
// caller mistakes red.
func FormatErrorKind(kind eventserver.ErrorKind) string {
	switch kind {
	case "":
		return SuccessStyle.Render("accepted")
	case eventserver.KindConcurrency, eventserver.KindStorage, eventserver.KindCancelled:
		return WarningStyle.Bold(true).Render(string(kind))
	default:
		return ErrorStyle.Bold(true).Render(string(kind))
	}
}

// DisableColors clears the palette for terminals without color support.
func DisableColors() {
	for _, c := range []*lipgloss.Color{
		&Primary, &Secondary, &Success, &Warning, &Error, &Info,
		&Text, &TextMuted, &TextDim, &Surface, &Border,
	} {
		*c = lipgloss.Color("")
	}
	build()
}
