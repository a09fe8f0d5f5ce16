// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the dashboard's key bindings. Vim-style navigation
// (j/k) alongside arrow keys, matching the harness's other terminal
// tools.
type KeyMap struct {
	Up          key.Binding
	Down        key.Binding
	FocusToggle key.Binding

	FilterActivate key.Binding
	FilterClear    key.Binding

	Answer    key.Binding // Open the choice dropdown for the selected decision.
	AnswerYes key.Binding // Shortcut: answer a yes/no decision "yes".
	AnswerNo  key.Binding // Shortcut: answer a yes/no decision "no".

	Quit key.Binding
}

var defaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	FocusToggle: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("Tab", "switch pane"),
	),
	FilterActivate: key.NewBinding(
		key.WithKeys("/"),
		key.WithHelp("/", "filter"),
	),
	FilterClear: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("Esc", "clear filter"),
	),
	Answer: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("Enter", "answer"),
	),
	AnswerYes: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("y", "yes"),
	),
	AnswerNo: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("n", "no"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
