// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the kstage CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects how a Printer renders.
type Mode int

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = iota

	// ModeMachine prints plain, line-oriented text for scripts.
	ModeMachine
)

// DetectMode returns ModeRich when w is a terminal and ModeMachine otherwise.
// KSTAGE_OUTPUT=machine forces ModeMachine.
func DetectMode(w io.Writer) Mode {
	if strings.EqualFold(os.Getenv("KSTAGE_OUTPUT"), "machine") {
		return ModeMachine
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return ModeRich
		}
	}
	return ModeMachine
}

// Printer writes styled messages. Results go to Out, diagnostics to Err.
type Printer struct {
	Out  io.Writer
	Err  io.Writer
	Mode Mode
}

// NewPrinter returns a Printer whose mode follows whether out is a terminal.
func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{Out: out, Err: errOut, Mode: DetectMode(out)}
}

// Machine reports whether output is plain.
func (p *Printer) Machine() bool { return p.Mode == ModeMachine }

// Title prints a styled title. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.Machine() {
		fmt.Fprintf(p.Out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning to Err
func (p *Printer) Warning(text string) {
	if p.Machine() {
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error to Err
func (p *Printer) Error(text string) {
	if p.Machine() {
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// KeyValue prints one aligned field.
func (p *Printer) KeyValue(key, value string) {
	if p.Machine() {
		fmt.Fprintf(p.Out, "%s=%s\n", key, value)
		return
	}
	fmt.Fprintf(p.Out, "  %s %s\n", Styles.Key.Render(fmt.Sprintf("%-12s", key)), value)
}

// Item prints a bulleted list entry with an optional muted note.
func (p *Printer) Item(text, note string) {
	if p.Machine() {
		if note != "" {
			fmt.Fprintf(p.Out, "%s\t%s\n", text, note)
		} else {
			fmt.Fprintln(p.Out, text)
		}
		return
	}
	if note != "" {
		fmt.Fprintf(p.Out, "  %s %s %s\n", IconBullet.Render(), text, Styles.Muted.Render("("+note+")"))
		return
	}
	fmt.Fprintf(p.Out, "  %s %s\n", IconBullet.Render(), text)
}

// Box prints content in a rounded box under title
func (p *Printer) Box(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints a failure with its detail to Err.
func (p *Printer) ErrorBox(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.Err, "ERROR %s:\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.Err, Styles.ErrorBox.Render(Styles.Error.Bold(true).Render(title)+"\n"+content))
}
