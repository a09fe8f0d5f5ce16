// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/junegunn/fzf/src/util"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/tui"
)

// pollInterval is the bounded refresh interval the dashboard contract
// names: list_agents, pending_decisions, and per-agent usage totals
// are all read from one Store.Load call at this cadence.
const pollInterval = 2 * time.Second

// focusPane identifies which list has keyboard focus.
type focusPane int

const (
	focusRoster focusPane = iota
	focusDecisions
)

// model is the dashboard's bubbletea state. It owns a read-only
// archstate.Store pointed at the same state directory archd writes,
// and a plain HTTP client for the one write path the dashboard
// contract allows: answering a queued decision.
type model struct {
	store      *archstate.Store
	busURL     string
	httpClient *http.Client
	theme      tui.Theme
	heat       *tui.HeatTracker
	fuzzySlab  *util.Slab

	projectName string

	agents     []archstate.AgentRecord
	decisions  []archstate.PendingDecision
	prevStatus map[string]archstate.Status
	brief      string

	focus          focusPane
	rosterCursor   int
	decisionCursor int

	filtering bool
	filter    string

	dropdown *tui.DropdownOverlay

	noteModal           *tui.NoteModal
	noteModalDecisionID string

	answering bool
	statusMsg string

	width, height int
}

func newModel(store *archstate.Store, busURL, projectName string) *model {
	return &model{
		store:       store,
		busURL:      busURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		theme:       tui.DefaultTheme,
		heat:        tui.NewHeatTracker(),
		projectName: projectName,
		prevStatus:  make(map[string]archstate.Status),
		focus:       focusRoster,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.pollCmd(), tickCmd())
}

// tickCmd schedules the next poll.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollTickMsg{} })
}

// heatTickCmd schedules a render-only refresh while something is
// still glowing from a recent change, so the decay animation advances
// between polls.
func heatTickCmd() tea.Cmd {
	return tea.Tick(tui.HeatTickInterval, func(time.Time) tea.Msg { return heatTickMsg{} })
}

type pollTickMsg struct{}
type heatTickMsg struct{}

type pollResultMsg struct {
	snapshot archstate.Snapshot
	brief    string
	err      error
}

type answerResultMsg struct {
	decisionID string
	err        error
}

func (m *model) pollCmd() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		if err := store.Load(); err != nil {
			return pollResultMsg{err: err}
		}
		snapshot := store.TakeSnapshot()

		var brief string
		if snapshot.Project.RepositoryRoot != "" {
			data, err := os.ReadFile(filepath.Join(snapshot.Project.RepositoryRoot, "BRIEF.md"))
			if err == nil {
				brief = string(data)
			}
		}
		return pollResultMsg{snapshot: snapshot, brief: brief}
	}
}

func (m *model) answerCmd(decisionID, answer string) tea.Cmd {
	client := m.httpClient
	url := fmt.Sprintf("%s/decisions/%s/answer", m.busURL, decisionID)
	return func() tea.Msg {
		body, _ := json.Marshal(struct {
			Answer string `json:"answer"`
		}{Answer: answer})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return answerResultMsg{decisionID: decisionID, err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return answerResultMsg{decisionID: decisionID, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return answerResultMsg{decisionID: decisionID, err: fmt.Errorf("dashboard: answer rejected: %s", resp.Status)}
		}
		return answerResultMsg{decisionID: decisionID}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case pollTickMsg:
		return m, tea.Batch(m.pollCmd(), tickCmd())

	case heatTickMsg:
		if m.heat.HasHot(time.Now()) {
			return m, heatTickCmd()
		}
		return m, nil

	case pollResultMsg:
		return m.applyPoll(msg)

	case answerResultMsg:
		m.answering = false
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("answer failed: %v", msg.err)
		} else {
			m.statusMsg = ""
		}
		return m, m.pollCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) applyPoll(result pollResultMsg) (tea.Model, tea.Cmd) {
	if result.err != nil {
		m.statusMsg = fmt.Sprintf("poll failed: %v", result.err)
		return m, nil
	}
	m.statusMsg = ""
	m.brief = result.brief

	agents := result.snapshot.Agents
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	now := time.Now()
	seen := make(map[string]bool, len(agents))
	for _, agent := range agents {
		seen[agent.AgentID] = true
		if previous, ok := m.prevStatus[agent.AgentID]; !ok || previous != agent.Status {
			m.heat.Ignite(agent.AgentID, tui.HeatPut, now)
		}
		m.prevStatus[agent.AgentID] = agent.Status
	}
	for agentID := range m.prevStatus {
		if !seen[agentID] {
			m.heat.Ignite(agentID, tui.HeatRemove, now)
			delete(m.prevStatus, agentID)
		}
	}

	m.agents = applyRosterFilter(agents, m.filter, m.fuzzySlab)
	if m.rosterCursor >= len(m.agents) {
		m.rosterCursor = max(0, len(m.agents)-1)
	}

	decisions := result.snapshot.Decisions
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].AskedAt.Before(decisions[j].AskedAt) })
	m.decisions = decisions
	if m.decisionCursor >= len(m.decisions) {
		m.decisionCursor = max(0, len(m.decisions)-1)
	}

	var cmd tea.Cmd
	if m.heat.HasHot(now) {
		cmd = heatTickCmd()
	}
	return m, cmd
}

func applyRosterFilter(agents []archstate.AgentRecord, filter string, slab *util.Slab) []archstate.AgentRecord {
	if filter == "" {
		return agents
	}
	pattern := []rune(filter)
	var filtered []archstate.AgentRecord
	for _, agent := range agents {
		candidate := agent.AgentID + " " + agent.Role + " " + agent.Task
		if tui.FuzzyMatch(candidate, pattern, slab).Matched {
			filtered = append(filtered, agent)
		}
	}
	return filtered
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.noteModal != nil {
		return m.handleNoteModalKey(msg)
	}
	if m.dropdown != nil {
		return m.handleDropdownKey(msg)
	}
	if m.filtering {
		return m.handleFilterKey(msg)
	}

	switch {
	case key.Matches(msg, defaultKeyMap.Quit):
		return m, tea.Quit
	case key.Matches(msg, defaultKeyMap.FocusToggle):
		if m.focus == focusRoster {
			m.focus = focusDecisions
		} else {
			m.focus = focusRoster
		}
		return m, nil
	case key.Matches(msg, defaultKeyMap.FilterActivate):
		if m.focus == focusRoster {
			m.filtering = true
		}
		return m, nil
	case key.Matches(msg, defaultKeyMap.FilterClear):
		m.filter = ""
		m.agents = m.store.ListAgents()
		sort.Slice(m.agents, func(i, j int) bool { return m.agents[i].AgentID < m.agents[j].AgentID })
		return m, nil
	case key.Matches(msg, defaultKeyMap.Up):
		m.moveCursor(-1)
		return m, nil
	case key.Matches(msg, defaultKeyMap.Down):
		m.moveCursor(1)
		return m, nil
	case key.Matches(msg, defaultKeyMap.AnswerYes):
		return m, m.answerSelectedDecision("yes")
	case key.Matches(msg, defaultKeyMap.AnswerNo):
		return m, m.answerSelectedDecision("no")
	case key.Matches(msg, defaultKeyMap.Answer):
		return m, m.openChoiceDropdown()
	}
	return m, nil
}

// handleDropdownKey routes input to the open choice dropdown while it
// has focus, leaving every other binding (including the roster/decision
// lists beneath it) untouched until it closes.
func (m *model) handleDropdownKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, defaultKeyMap.Up):
		m.dropdown.MoveUp()
		return m, nil
	case key.Matches(msg, defaultKeyMap.Down):
		m.dropdown.MoveDown()
		return m, nil
	case key.Matches(msg, defaultKeyMap.Answer):
		selected := m.dropdown.Selected()
		itemID := m.dropdown.ItemID
		m.dropdown = nil
		return m, m.submitAnswer(itemID, selected.Value)
	case msg.Type == tea.KeyEsc:
		m.dropdown = nil
		return m, nil
	}
	return m, nil
}

// handleNoteModalKey routes input to the open free-text answer editor.
// Ctrl+D submits the note's text as the decision's answer; Esc
// discards it and leaves the decision pending.
func (m *model) handleNoteModalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlD:
		answer := m.noteModal.Value()
		decisionID := m.noteModalDecisionID
		m.noteModal = nil
		m.noteModalDecisionID = ""
		if strings.TrimSpace(answer) == "" {
			return m, nil
		}
		return m, m.submitAnswer(decisionID, answer)
	case tea.KeyEsc:
		m.noteModal = nil
		m.noteModalDecisionID = ""
		return m, nil
	}
	m.noteModal.Update(msg)
	return m, nil
}

func (m *model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.filtering = false
		m.filter = ""
		return m, m.pollCmd()
	case tea.KeyEnter:
		m.filtering = false
		return m, nil
	case tea.KeyBackspace:
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	case tea.KeyRunes:
		m.filter += string(msg.Runes)
	case tea.KeySpace:
		m.filter += " "
	default:
		return m, nil
	}
	return m, m.pollCmd()
}

func (m *model) moveCursor(delta int) {
	switch m.focus {
	case focusRoster:
		m.rosterCursor = clamp(m.rosterCursor+delta, 0, len(m.agents)-1)
	case focusDecisions:
		m.decisionCursor = clamp(m.decisionCursor+delta, 0, len(m.decisions)-1)
	}
}

// openChoiceDropdown opens a dropdown listing the selected decision's
// full choice set, for decisions whose choices aren't the yes/no
// binary the y/n shortcuts target. A single-choice decision is
// answered immediately instead, since there's nothing to pick among.
// A decision escalate_to_user raised with no choices at all expects a
// free-text answer, which the y/n shortcuts and dropdown can't supply —
// those open the note editor instead.
func (m *model) openChoiceDropdown() tea.Cmd {
	if m.decisionCursor < 0 || m.decisionCursor >= len(m.decisions) {
		return nil
	}
	decision := m.decisions[m.decisionCursor]
	if len(decision.Choices) == 0 {
		modal := tui.NewNoteModal(decision.AgentID, m.theme)
		m.noteModal = &modal
		m.noteModalDecisionID = decision.ID
		return nil
	}
	if len(decision.Choices) == 1 {
		return m.submitAnswer(decision.ID, decision.Choices[0])
	}

	options := make([]tui.DropdownOption, len(decision.Choices))
	for i, choice := range decision.Choices {
		options[i] = tui.DropdownOption{Label: choice, Value: choice}
	}
	anchorX, anchorY := m.decisionDropdownAnchor()
	m.dropdown = &tui.DropdownOverlay{
		Options: options,
		AnchorX: anchorX,
		AnchorY: anchorY,
		Field:   "answer",
		ItemID:  decision.ID,
	}
	return nil
}

func (m *model) answerSelectedDecision(answer string) tea.Cmd {
	if m.decisionCursor < 0 || m.decisionCursor >= len(m.decisions) {
		return nil
	}
	decision := m.decisions[m.decisionCursor]
	return m.submitAnswer(decision.ID, answer)
}

func (m *model) submitAnswer(decisionID, answer string) tea.Cmd {
	m.answering = true
	m.statusMsg = "answering…"
	return m.answerCmd(decisionID, answer)
}

// decisionDropdownAnchor computes the screen position for a choice
// dropdown opened against the currently selected decision row, mirroring
// the layout renderDecisions lays the same rows out with in view.go.
func (m *model) decisionDropdownAnchor() (int, int) {
	rosterWidth := int(float64(m.width) * rosterWidthRatio)
	if rosterWidth < 24 {
		rosterWidth = 24
	}

	// Decisions box starts directly under the header, offset by its
	// own top border and title line before the row list begins.
	y := headerHeight + 2
	for i := 0; i < m.decisionCursor && i < len(m.decisions); i++ {
		y++
		if len(m.decisions[i].Choices) > 0 {
			y++
		}
	}
	// Anchor one column in from the decisions box's left border.
	return rosterWidth + 3, y
}

func clamp(value, low, high int) int {
	if high < low {
		return low
	}
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
