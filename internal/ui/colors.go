package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var styles = NewPalette(Theme{
	Accent:  "#7D56F4",
	Success: "#04B575",
	Failure: "#FF0000",
	Warning: "#FFA500",
	Muted:   "#626262",
})

// Theme names the colors a [Palette] is built from.
type Theme struct {
	Accent  lipgloss.Color
	Success lipgloss.Color
	Failure lipgloss.Color
	Warning lipgloss.Color
	Muted   lipgloss.Color
}

// Palette holds the rendered styles for each kind of monitor output.
type Palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	help  lipgloss.Style
	box   lipgloss.Style
}

func NewPalette(t Theme) *Palette {
	base := lipgloss.NewStyle()
	return &Palette{
		title: base.Foreground(t.Accent).Bold(true).MarginBottom(1),
		ok:    base.Foreground(t.Success).Bold(true),
		err:   base.Foreground(t.Failure).Bold(true),
		warn:  base.Foreground(t.Warning),
		help:  base.Foreground(t.Muted).Italic(true),
		box:   base.Border(lipgloss.RoundedBorder()).BorderForeground(t.Muted).Padding(0, 1),
	}
}
