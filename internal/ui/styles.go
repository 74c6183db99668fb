package ui

import "github.com/charmbracelet/lipgloss"

var (
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleDim    = lipgloss.NewStyle().Faint(true)
	styleAccent = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true) // blue
	styleAsset  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))            // green
	styleInfo   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	styleHelp   = lipgloss.NewStyle().Faint(true)
)
