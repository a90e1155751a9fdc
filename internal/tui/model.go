package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"slurm_why/internal/diagnose"
	"slurm_why/internal/monitor"
	"slurm_why/internal/report"
)

type Options struct {
	Source  string
	JobID   string
	NoColor bool
	Refresh time.Duration
	Updates <-chan monitor.Update[diagnose.Result]
}

type Model struct {
	source  string
	jobID   string
	noColor bool
	refresh time.Duration
	updates <-chan monitor.Update[diagnose.Result]

	width  int
	height int

	now time.Time

	state       monitor.State
	lastError   string
	lastSuccess time.Time
	nextRetry   time.Time
	pulseIndex  int
	result      diagnose.Result
	// finished is set once the job is no longer pending.
	finished bool

	styles report.Styles
}

type updateMsg struct {
	update monitor.Update[diagnose.Result]
}

type tickMsg struct {
	now time.Time
}

type channelClosedMsg struct{}

var pulseFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const (
	frameRightGutter = 1
	viewportClipText = "... output clipped to terminal height ..."
)

func NewModel(opts Options) Model {
	return Model{
		source:  opts.Source,
		jobID:   opts.JobID,
		noColor: opts.NoColor,
		refresh: opts.Refresh,
		updates: opts.Updates,
		now:     time.Now(),
		state:   monitor.StateReconnecting,
		styles:  report.DefaultStyles(opts.NoColor),
	}
}

// Result is the latest diagnosis received, nil before the first success.
func (m Model) Result() diagnose.Result {
	return m.result
}

// Finished reports whether the watch ended because the job left the
// pending state.
func (m Model) Finished() bool {
	return m.finished
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(ch <-chan monitor.Update[diagnose.Result]) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-ch
		if !ok {
			return channelClosedMsg{}
		}
		return updateMsg{update: update}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg{now: t}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case updateMsg:
		m.state = msg.update.State
		m.lastError = msg.update.LastError
		m.lastSuccess = msg.update.LastSuccess
		m.nextRetry = msg.update.NextRetry
		if msg.update.Value != nil && *msg.update.Value != nil {
			m.result = *msg.update.Value
			m.lastError = ""
			if m.result.Kind() == diagnose.KindStatus {
				m.finished = true
				return m, tea.Quit
			}
		}
		return m, waitForUpdate(m.updates)
	case tickMsg:
		m.now = msg.now
		if len(pulseFrames) > 0 {
			m.pulseIndex = (m.pulseIndex + 1) % len(pulseFrames)
		}
		return m, tickCmd()
	case channelClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	viewWidth := stabilizedFrameWidth(m.width)
	if viewWidth <= 0 || m.height <= 0 {
		return "initializing..."
	}
	m.width = viewWidth

	now := m.now
	if now.IsZero() {
		now = time.Now()
	}

	header := m.renderHeader(now)
	footer := m.styles.Dim.Render(fmt.Sprintf("q to exit  refresh every %s", humanDuration(m.refresh)))
	headerLines := lineCount(header)
	footerLines := lineCount(footer)
	separatorLines := 1
	if m.height <= headerLines+footerLines+4 {
		separatorLines = 0
	}
	bodyHeight := m.height - headerLines - footerLines - separatorLines
	if bodyHeight < 1 {
		bodyHeight = 1
	}

	var body string
	if m.result == nil {
		body = m.styles.Panel.Width(max(20, m.width-6)).Render("waiting for first diagnosis of job " + m.jobID + "...")
	} else {
		body = report.Render(m.result, report.Options{NoColor: m.noColor, Width: max(20, m.width-6), Now: now})
	}
	body = clipToHeight(body, bodyHeight)

	parts := []string{header}
	if separatorLines > 0 {
		parts = append(parts, "")
	}
	parts = append(parts, body)
	top := lipgloss.JoinVertical(lipgloss.Left, parts...)
	joined := pinFooterToBottom(top, footer, m.height)
	return clipToViewport(joined, viewWidth, m.height)
}

func (m Model) renderHeader(now time.Time) string {
	statusText, statusChip := m.renderStatusText(now)
	pulse := pulseFrames[m.pulseIndex%len(pulseFrames)]
	statusText = pulse + " " + statusText
	ageText := "refresh: never"
	if !m.lastSuccess.IsZero() {
		ageText = "refresh: " + humanDuration(now.Sub(m.lastSuccess)) + " ago"
	}

	left := m.styles.Title.Render(" SLURM WHY ") + "  " +
		m.styles.Label.Render("job: ") + m.styles.Value.Render(m.jobID) + "  " +
		m.styles.Label.Render("source: ") + m.styles.Value.Render(m.source) + "  " +
		m.styles.Chip.Render("clock: "+now.Format("15:04:05")) + " " +
		m.styles.Chip.Render(ageText)
	right := statusChip.Render(statusText)
	line1 := joinWithPaddingKeepRight(left, right, m.width)
	if m.lastError == "" {
		return line1
	}
	line2 := truncateRunes(m.styles.ErrorLabel.Render("error: "+m.lastError), m.width)
	return line1 + "\n" + line2
}

func (m Model) renderStatusText(now time.Time) (string, lipgloss.Style) {
	if m.result == nil && strings.TrimSpace(m.lastError) == "" {
		return "loading", m.styles.ChipWarn
	}

	next := ""
	if !m.nextRetry.IsZero() && m.nextRetry.After(now) {
		next = fmt.Sprintf(" (retry in %s)", humanDuration(m.nextRetry.Sub(now)))
	}
	switch m.state {
	case monitor.StateConnected:
		return "connected", m.styles.ChipOK
	case monitor.StateDisconnectedRecovering:
		return "disconnected, recovering" + next, m.styles.ChipBad
	default:
		return "reconnecting" + next, m.styles.ChipWarn
	}
}

func stabilizedFrameWidth(width int) int {
	if width <= 0 {
		return 0
	}
	if width <= frameRightGutter {
		return width
	}
	return width - frameRightGutter
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxRunes, "…")
}

func joinWithPaddingKeepRight(left, right string, width int) string {
	if width <= 0 {
		return ""
	}
	rightWidth := lipgloss.Width(right)
	if rightWidth >= width {
		return truncateRunes(right, width)
	}
	maxLeftWidth := width - rightWidth - 1
	if maxLeftWidth < 0 {
		maxLeftWidth = 0
	}
	left = truncateRunes(left, maxLeftWidth)
	leftWidth := lipgloss.Width(left)
	padding := width - leftWidth - rightWidth
	if padding < 1 {
		padding = 1
	}
	return left + strings.Repeat(" ", padding) + right
}

func clipToViewport(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	clipped := len(lines) > height
	if len(lines) > height {
		lines = lines[:height]
	}
	if clipped && len(lines) > 0 {
		lines[len(lines)-1] = truncateRunes(viewportClipText, width)
	}
	for i := range lines {
		lines[i] = truncateRunes(lines[i], width)
		if pad := width - lipgloss.Width(lines[i]); pad > 0 {
			lines[i] += strings.Repeat(" ", pad)
		}
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func clipToHeight(s string, maxLines int) string {
	if maxLines <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

func pinFooterToBottom(top, footer string, height int) string {
	if height <= 0 {
		return ""
	}
	footerLines := []string{}
	if footer != "" {
		footerLines = strings.Split(footer, "\n")
	}
	topLines := []string{}
	if top != "" {
		topLines = strings.Split(top, "\n")
	}

	maxTopLines := height - len(footerLines)
	if maxTopLines < 0 {
		maxTopLines = 0
	}
	if len(topLines) > maxTopLines {
		topLines = topLines[:maxTopLines]
	}
	for len(topLines) < maxTopLines {
		topLines = append(topLines, "")
	}

	all := append(topLines, footerLines...)
	if len(all) == 0 {
		return ""
	}
	return strings.Join(all, "\n")
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
