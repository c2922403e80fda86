// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/charmbracelet/lipgloss"
)

// Ether color palette - violet dusk and upper air
var (
	ColorVioletBright = lipgloss.Color("#B794F6") // Bright violet - highlights
	ColorViolet       = lipgloss.Color("#9F7AEA") // Primary violet - brand color
	ColorIndigo       = lipgloss.Color("#667EEA") // Indigo - interactive elements
	ColorDusk         = lipgloss.Color("#4C51BF") // Dusk - borders, accents

	ColorSuccess = lipgloss.Color("#68D391") // Green for success
	ColorWarning = lipgloss.Color("#F6E05E") // Gold for warnings
	ColorError   = lipgloss.Color("#FC8181") // Red for errors
	ColorMuted   = lipgloss.Color("#718096") // Gray for muted text
)

// Styles provides pre-configured lipgloss styles for CLI output.
var Styles = struct {
	Title    lipgloss.Style
	Prompt   lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Citation lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorVioletBright),
	Prompt:   lipgloss.NewStyle().Bold(true).Foreground(ColorIndigo),
	Muted:    lipgloss.NewStyle().Foreground(ColorMuted),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Citation: lipgloss.NewStyle().Foreground(ColorDusk),
}
