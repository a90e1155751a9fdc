package report

import "github.com/charmbracelet/lipgloss"

type Styles struct {
	Title      lipgloss.Style
	Dim        lipgloss.Style
	Panel      lipgloss.Style
	TableHdr   lipgloss.Style
	Label      lipgloss.Style
	Value      lipgloss.Style
	OK         lipgloss.Style
	Warn       lipgloss.Style
	Bad        lipgloss.Style
	Chip       lipgloss.Style
	ChipOK     lipgloss.Style
	ChipWarn   lipgloss.Style
	ChipBad    lipgloss.Style
	ErrorLabel lipgloss.Style
	Accent     lipgloss.Style
}

// DefaultStyles is shared by the one-shot report and the watch view.
func DefaultStyles(noColor bool) Styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		bold := lipgloss.NewStyle().Bold(true)
		return Styles{
			Title:      bold,
			Dim:        lipgloss.NewStyle(),
			Panel:      basePanel,
			TableHdr:   bold,
			Label:      bold,
			Value:      bold,
			OK:         bold,
			Warn:       bold,
			Bad:        bold,
			Chip:       bold,
			ChipOK:     bold,
			ChipWarn:   bold,
			ChipBad:    bold,
			ErrorLabel: bold,
			Accent:     bold,
		}
	}

	return Styles{
		Title:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("24")).Padding(0, 1),
		Dim:        lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Panel:      basePanel.BorderForeground(lipgloss.Color("61")),
		TableHdr:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("60")).Padding(0, 1),
		Label:      lipgloss.NewStyle().Foreground(lipgloss.Color("109")),
		Value:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")),
		OK:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Warn:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		Bad:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Chip:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("238")).Padding(0, 1),
		ChipOK:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("28")).Padding(0, 1),
		ChipWarn:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("232")).Background(lipgloss.Color("220")).Padding(0, 1),
		ChipBad:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Padding(0, 1),
		ErrorLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		Accent:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
	}
}
