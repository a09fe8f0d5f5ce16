// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/termmd"
	"github.com/arch-harness/arch/lib/tui"
)

// layout split ratios and chrome sizing. The roster takes the left
// third of the screen; decisions and the brief share the right two
// thirds, stacked.
const (
	rosterWidthRatio = 0.34
	headerHeight     = 1
	footerHeight     = 1
)

func (m *model) View() string {
	if m.width == 0 || m.height == 0 {
		return "loading…"
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	bodyHeight := m.height - headerHeight - footerHeight - 2
	if bodyHeight < 1 {
		bodyHeight = 1
	}

	rosterWidth := int(float64(m.width) * rosterWidthRatio)
	if rosterWidth < 24 {
		rosterWidth = 24
	}
	detailWidth := m.width - rosterWidth - 1
	if detailWidth < 20 {
		detailWidth = 20
	}

	roster := m.renderRoster(rosterWidth, bodyHeight)
	decisionsHeight := bodyHeight / 3
	if decisionsHeight < 4 {
		decisionsHeight = min(4, bodyHeight)
	}
	briefHeight := bodyHeight - decisionsHeight - 1
	decisions := m.renderDecisions(detailWidth, decisionsHeight)
	brief := m.renderBrief(detailWidth, briefHeight)

	right := lipgloss.JoinVertical(lipgloss.Left, decisions, brief)
	body := lipgloss.JoinHorizontal(lipgloss.Top, roster, " ", right)

	rendered := strings.Join([]string{header, body, footer}, "\n")
	if m.dropdown != nil {
		rendered = tui.SpliceOverlay(rendered, m.dropdown.Render(m.theme), m.dropdown.AnchorX, m.dropdown.AnchorY)
	}
	if m.noteModal != nil {
		lines, anchorX, anchorY := m.noteModal.Render(m.width, m.height)
		rendered = tui.SpliceOverlay(rendered, lines, anchorX, anchorY)
	}
	return rendered
}

func (m *model) renderHeader() string {
	style := lipgloss.NewStyle().Bold(true).Foreground(m.theme.HeaderForeground)
	title := fmt.Sprintf("ARCH dashboard — %s", m.projectName)
	totalCost := 0.0
	for _, agent := range m.agents {
		totalCost += agent.Usage.CostUSD()
	}
	cost := fmt.Sprintf("spend: $%.2f", totalCost)
	spacer := m.width - lipgloss.Width(title) - lipgloss.Width(cost)
	if spacer < 1 {
		spacer = 1
	}
	return style.Render(title) + strings.Repeat(" ", spacer) + lipgloss.NewStyle().Foreground(m.theme.FaintText).Render(cost)
}

func (m *model) renderFooter() string {
	helpStyle := lipgloss.NewStyle().Foreground(m.theme.HelpText)
	if m.filtering {
		return helpStyle.Render("filter: ") + m.filter + "█"
	}
	help := "Tab switch pane · j/k move · y/n · Enter answer · / filter · q quit"
	switch {
	case m.dropdown != nil:
		help = "↑/↓ choose · Enter select · Esc cancel"
	case m.noteModal != nil:
		help = "type your answer · Ctrl+D submit · Esc cancel"
	}
	if m.statusMsg != "" {
		help = lipgloss.NewStyle().Foreground(m.theme.StatusBlocked).Render(m.statusMsg)
	}
	return helpStyle.Render(help)
}

func (m *model) renderRoster(width, height int) string {
	borderColor := m.theme.BorderColor
	if m.focus == focusRoster {
		borderColor = m.theme.StatusInProgress
	}
	box := lipgloss.NewStyle().
		Width(width).Height(height).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor)

	innerHeight := height - 2
	innerWidth := width - 4
	if innerWidth < 1 {
		innerWidth = 1
	}

	visible, offset := visibleWindow(len(m.agents), innerHeight, m.rosterCursor)

	var lines []string
	now := time.Now()
	for i := offset; i < offset+visible && i < len(m.agents); i++ {
		lines = append(lines, m.renderRosterRow(m.agents[i], i == m.rosterCursor, innerWidth, now))
	}
	for len(lines) < innerHeight {
		lines = append(lines, "")
	}

	scrollbar := tui.RenderScrollbar(m.theme, innerHeight, len(m.agents), visible, offset, m.focus == focusRoster)
	scrollbarLines := strings.Split(scrollbar, "\n")
	for i := range lines {
		if i < len(scrollbarLines) {
			lines[i] = lines[i] + " " + scrollbarLines[i]
		}
	}

	title := fmt.Sprintf("Agents (%d)", len(m.agents))
	content := lipgloss.NewStyle().Bold(true).Render(title) + "\n" + strings.Join(lines, "\n")
	return box.Render(content)
}

func (m *model) renderRosterRow(agent archstate.AgentRecord, selected bool, width int, now time.Time) string {
	dot := lipgloss.NewStyle().Foreground(m.theme.StatusColor(string(agent.Status))).Render("●")
	task := agent.Task
	if len(agent.Artifacts) > 0 {
		task = fmt.Sprintf("%s [%d artifacts]", task, len(agent.Artifacts))
	}
	label := fmt.Sprintf("%-16s %-9s %s", truncate(agent.AgentID, 16), agent.Status, truncate(task, width-28))

	style := lipgloss.NewStyle().Foreground(m.theme.NormalText)
	if selected {
		style = style.Background(m.theme.SelectedBackground).Foreground(m.theme.SelectedForeground)
	}
	if heat := m.heat.Heat(agent.AgentID, now); heat > 0 {
		style = style.Background(m.theme.HotAccentPut)
	}
	return dot + " " + style.Render(label)
}

func (m *model) renderDecisions(width, height int) string {
	borderColor := m.theme.BorderColor
	if m.focus == focusDecisions {
		borderColor = m.theme.StatusInProgress
	}
	box := lipgloss.NewStyle().
		Width(width).Height(height).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor)

	innerHeight := height - 3
	innerWidth := width - 4
	if innerHeight < 0 {
		innerHeight = 0
	}

	var lines []string
	if len(m.decisions) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(m.theme.FaintText).Render("no pending decisions"))
	}
	for i, decision := range m.decisions {
		rowStyle := lipgloss.NewStyle().Foreground(m.theme.NormalText)
		if i == m.decisionCursor && m.focus == focusDecisions {
			rowStyle = rowStyle.Background(m.theme.SelectedBackground).Foreground(m.theme.SelectedForeground)
		}
		choices := strings.Join(decision.Choices, " / ")
		line := fmt.Sprintf("[%s] %s", decision.AgentID, truncate(decision.Question, innerWidth-len(decision.AgentID)-3))
		lines = append(lines, rowStyle.Render(line))
		if choices != "" {
			lines = append(lines, lipgloss.NewStyle().Foreground(m.theme.FaintText).Render("    choices: "+choices))
		}
	}
	if len(lines) > innerHeight {
		lines = lines[:innerHeight]
	}
	for len(lines) < innerHeight {
		lines = append(lines, "")
	}

	title := fmt.Sprintf("Decisions (%d)", len(m.decisions))
	content := lipgloss.NewStyle().Bold(true).Render(title) + "\n" + strings.Join(lines, "\n")
	return box.Render(content)
}

func (m *model) renderBrief(width, height int) string {
	box := lipgloss.NewStyle().
		Width(width).Height(height).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.theme.BorderColor)

	innerWidth := width - 4
	innerHeight := height - 3
	if innerWidth < 1 {
		innerWidth = 1
	}

	body := m.brief
	if strings.TrimSpace(body) == "" {
		body = "_no BRIEF.md in the repository root_"
	}
	rendered := termmd.Render(body, termmd.DefaultTheme, innerWidth)
	lines := strings.Split(rendered, "\n")
	if len(lines) > innerHeight {
		lines = lines[:innerHeight]
	}

	content := lipgloss.NewStyle().Bold(true).Render("Brief") + "\n" + strings.Join(lines, "\n")
	return box.Render(content)
}

// visibleWindow computes how many rows fit and the scroll offset
// needed to keep cursor within [offset, offset+visible).
func visibleWindow(total, visible, cursor int) (int, int) {
	if visible > total {
		visible = total
	}
	if visible <= 0 {
		return 0, 0
	}
	offset := cursor - visible/2
	if offset < 0 {
		offset = 0
	}
	if offset > total-visible {
		offset = total - visible
	}
	if offset < 0 {
		offset = 0
	}
	return visible, offset
}

func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) <= width {
		return s
	}
	if width <= 1 {
		return s[:width]
	}
	return s[:width-1] + "…"
}
