// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

const (
	colorSubtle    = lipgloss.Color("240") // Muted gray
	colorHighlight = lipgloss.Color("81")  // Teal
	colorSpecial   = lipgloss.Color("208") // Orange
	colorError     = lipgloss.Color("196") // Bright red
	colorSuccess   = lipgloss.Color("40")  // Green
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(colorHighlight).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorSubtle).Width(14)
	helpStyle    = lipgloss.NewStyle().Foreground(colorSubtle)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle    = lipgloss.NewStyle().Foreground(colorSpecial)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)

	grantedStyle = successStyle.Bold(true)
	deniedStyle  = errorStyle.Bold(true)
)

// field renders one "label value" row of a status block.
func field(label string, value any) string {
	return labelStyle.Render(label) + " " + fmt.Sprint(value)
}
