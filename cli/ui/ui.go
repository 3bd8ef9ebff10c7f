// Package ui provides terminal components for the eventserver CLI: a
// spinner for blocking calls, a progress bar for projection rebuilds and
// tables for stream and projection listings.
//
// Animated components only run when the output is a terminal; otherwise the
// same calls print plain lines so the CLI stays scriptable.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/fortium/eventserver/cli/styles"
)

// IsInteractive reports whether w is a terminal.
func IsInteractive(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ShouldUseColor honors NO_COLOR, CLICOLOR_FORCE and CLICOLOR before falling
// back to TTY detection on stdout.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return IsInteractive(os.Stdout)
}

// =============================================================================
// Spinner
// =============================================================================

// SpinnerModel shows a spinner until a SpinnerDoneMsg arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// SpinnerDoneMsg ends the spinner.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)
	return SpinnerModel{spinner: s, message: message}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m SpinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return styles.FormatError(m.err.Error()) + "\n"
	case m.done:
		return styles.FormatSuccess(m.result) + "\n"
	case m.quitting:
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// RunSpinner runs fn while a spinner shows message. done is printed on
// success.
func RunSpinner(out io.Writer, message, done string, fn func() error) error {
	if !IsInteractive(out) {
		fmt.Fprintf(out, "%s %s\n", styles.IconPending, message)
		if err := fn(); err != nil {
			return err
		}
		fmt.Fprintln(out, styles.FormatSuccess(done))
		return nil
	}

	p := tea.NewProgram(NewSpinner(message), tea.WithOutput(out), tea.WithInput(nil))
	errc := make(chan error, 1)
	go func() {
		err := fn()
		errc <- err
		p.Send(SpinnerDoneMsg{Result: done, Err: err})
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	return <-errc
}

// =============================================================================
// Progress
// =============================================================================

// ProgressMsg updates the progress bar. Percent is clamped to [0, 1].
type ProgressMsg struct {
	Percent float64
	Message string
}

// progressDoneMsg ends the progress program.
type progressDoneMsg struct{}

// ProgressModel renders a progress bar with a status line.
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// NewProgress creates a progress bar.
func NewProgress(message string) ProgressModel {
	return ProgressModel{
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		message:  message,
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case ProgressMsg:
		m.percent = clamp(msg.Percent)
		m.message = msg.Message
		return m, nil
	case progressDoneMsg:
		m.done = true
		m.percent = 1
		return m, tea.Quit
	}
	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// RunProgress runs fn, which reports progress through the callback it
// receives. Non-interactive output gets one line per distinct message.
func RunProgress(out io.Writer, message string, fn func(report func(ProgressMsg)) error) error {
	if !IsInteractive(out) {
		last := ""
		return fn(func(msg ProgressMsg) {
			if msg.Message != last {
				fmt.Fprintf(out, "%s %3.0f%% %s\n", styles.IconPending, clamp(msg.Percent)*100, msg.Message)
				last = msg.Message
			}
		})
	}

	p := tea.NewProgram(NewProgress(message), tea.WithOutput(out), tea.WithInput(nil))
	errc := make(chan error, 1)
	go func() {
		err := fn(func(msg ProgressMsg) { p.Send(msg) })
		errc <- err
		p.Send(progressDoneMsg{})
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	return <-errc
}

// =============================================================================
// Tables and badges
// =============================================================================

// Table collects rows for a bordered table.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a table with headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow appends a row, padding or truncating it to the header count.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		Headers(t.headers...).
		Rows(t.rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}

// StatusBadge renders projection and outbox states as colored badges.
func StatusBadge(status string) string {
	var bg lipgloss.Color
	fg := lipgloss.Color("#000000")
	switch strings.ToLower(status) {
	case "idle", "ok", "completed", "accepted", "applied":
		bg = styles.Success
	case "running", "catching_up", "rebuilding", "pending", "processing":
		bg = styles.Warning
	case "faulted", "failed", "dead_letter", "error":
		bg, fg = styles.Error, lipgloss.Color("#FFFFFF")
	default:
		bg, fg = styles.Surface, styles.Text
	}
	return lipgloss.NewStyle().Background(bg).Foreground(fg).Padding(0, 1).Render(status)
}

// Banner renders the CLI header line.
func Banner() string {
	return lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render(styles.IconStream+" eventserver") +
		" " + styles.Muted.Render("event-sourced aggregates and projections")
}

// Divider returns a horizontal rule.
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}
