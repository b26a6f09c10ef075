// Package ui holds the terminal styles shared by the till commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // grey
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// RenderPass renders text in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderFail renders text in the error color.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderAccent renders text in the accent color used for ids and names.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders de-emphasized text such as timestamps.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders section headings.
func RenderBold(s string) string { return boldStyle.Render(s) }
