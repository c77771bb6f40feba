// Package ui renders architectd CLI output with adaptive light/dark colors.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Ayu palette, adaptive to the terminal background.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle     = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent)
	CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	LabelStyle    = lipgloss.NewStyle().Width(18)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
)

const (
	SeparatorLight = "──────────────────────────────────────────"
	TreeLast       = "└─ "
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderCategory renders a section header in uppercase.
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders the light separator line.
func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}

// RenderField renders "label  value" with the label padded to a column.
func RenderField(label, value string) string {
	return LabelStyle.Render(label) + value
}

// RenderState colors a lifecycle or backlog state word by its outcome.
func RenderState(state string) string {
	switch state {
	case "merged", "done", "completed", "reflection_recorded", "accepted", "resolved":
		return PassStyle.Render(IconPass + " " + state)
	case "failed", "blocked", "discarded", "rejected", "reflection_failed":
		return FailStyle.Render(IconFail + " " + state)
	case "", "pending":
		return MutedStyle.Render(IconSkip + " " + state)
	default:
		return WarnStyle.Render(IconWarn + " " + state)
	}
}
