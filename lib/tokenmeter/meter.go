// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenmeter consumes the usage and result events emitted by a
// session's output pipeline (lib/session) and maintains each agent's
// running token and cost totals in the state store, pricing every
// usage event against a loadable rate table instead of a code constant.
package tokenmeter

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/session"
)

// Store is the subset of archstate.Store the meter depends on — kept
// narrow so tests can exercise pricing logic against a fake.
type Store interface {
	GetAgent(agentID string) (archstate.AgentRecord, bool)
	UpdateAgent(agentID string, patch archstate.AgentPatch) error
	QueueDecision(id, agentID, question string, choices []string) (archstate.PendingDecision, error)
}

// Meter accumulates usage events into a Store's per-agent usage
// subrecord, converting each event's token counts to a cost delta via
// Pricing. It holds no per-agent state of its own — the state store is
// the single source of truth, per spec.md §9's "no shared mutable
// graph" design note.
type Meter struct {
	store     Store
	pricing   *PricingTable
	logger    *slog.Logger
	budgetUSD float64
}

// New creates a Meter. Pricing is required; Logger defaults to a
// stderr text handler. budgetUSD is settings.token_budget_usd — zero
// means unbounded, per spec.md §4.3.
func New(store Store, pricing *PricingTable, logger *slog.Logger, budgetUSD float64) *Meter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Meter{store: store, pricing: pricing, logger: logger, budgetUSD: budgetUSD}
}

// checkBudget queues a budget_exceeded decision the first time an
// agent's accumulated cost crosses budgetUSD. The decision id is
// deterministic per agent, so a second crossing (or a later usage
// event after the first) finds the id already queued and is a no-op —
// this is a one-shot escalation per agent, not a recurring alert,
// resolved per spec.md §9's decision-queue interpretation: the budget
// triggers a human decision, never an automatic halt.
func (meter *Meter) checkBudget(agentID string, usage archstate.UsageRecord) {
	if meter.budgetUSD <= 0 || usage.CostUSD() < meter.budgetUSD {
		return
	}

	question := fmt.Sprintf("agent %s has spent $%.2f, over the $%.2f budget. Continue?", agentID, usage.CostUSD(), meter.budgetUSD)
	decisionID := "budget-" + agentID
	if _, err := meter.store.QueueDecision(decisionID, agentID, question, []string{"continue", "stop"}); err != nil {
		if !strings.Contains(err.Error(), "already queued") {
			meter.logger.Warn("queuing budget_exceeded decision", "agent_id", agentID, "error", err)
		}
	}
}

// Observer returns an OnUsage callback bound to one agent, suitable
// for session.Config.OnUsage. Usage events for a given agent arrive
// serially from that agent's own event-pump goroutine, so the
// read-then-write against the store below never races with itself.
func (meter *Meter) Observer(agentID string) func(session.UsageEvent) {
	return func(event session.UsageEvent) {
		meter.apply(agentID, event)
	}
}

func (meter *Meter) apply(agentID string, event session.UsageEvent) {
	record, exists := meter.store.GetAgent(agentID)
	if !exists {
		meter.logger.Warn("usage event for unknown agent", "agent_id", agentID)
		return
	}

	rate, known := meter.pricing.RateFor(event.ModelID)
	if !known {
		meter.logger.Warn("unknown model id, using default rate", "agent_id", agentID, "model_id", event.ModelID)
	}

	usage := record.Usage
	if event.ModelID != "" {
		usage.ModelID = event.ModelID
	}
	usage.InputTokens += event.InputTokens
	usage.OutputTokens += event.OutputTokens
	usage.CacheReadTokens += event.CacheReadTokens
	usage.CacheCreateTokens += event.CacheWriteTokens
	usage.CostMilliUSD += costDeltaMilliUSD(event, rate)

	if err := meter.store.UpdateAgent(agentID, archstate.AgentPatch{Usage: &usage}); err != nil {
		meter.logger.Warn("recording usage", "agent_id", agentID, "error", err)
	}
	meter.checkBudget(agentID, usage)
}

// costDeltaMilliUSD implements spec.md §4.3's cost formula, converting
// the dollar result to integer milli-USD by rounding to the nearest
// thousandth of a dollar.
func costDeltaMilliUSD(event session.UsageEvent, rate ModelRate) int64 {
	dollars := float64(event.InputTokens)/1e6*rate.In +
		float64(event.OutputTokens)/1e6*rate.Out +
		float64(event.CacheReadTokens)/1e6*rate.CacheRead +
		float64(event.CacheWriteTokens)/1e6*rate.CacheWrite
	return int64(math.Round(dollars * 1000))
}

// ApplyResult reconciles an agent's final usage subrecord against the
// terminal result event's summary once a session ends. A CLI that
// reports its own cost_usd is treated as authoritative and overrides
// the meter's pricing-table accumulation; a CLI that leaves cost_usd
// at zero (as in the bare {"type":"result"} line many CLIs emit) keeps
// whatever the meter already priced from usage events.
func (meter *Meter) ApplyResult(agentID string, summary session.SessionSummary) {
	record, exists := meter.store.GetAgent(agentID)
	if !exists {
		return
	}

	usage := record.Usage
	usage.TurnCount = summary.TurnCount
	if summary.CostUSD > 0 {
		usage.CostMilliUSD = int64(math.Round(summary.CostUSD * 1000))
	}

	if err := meter.store.UpdateAgent(agentID, archstate.AgentPatch{Usage: &usage}); err != nil {
		meter.logger.Warn("recording final usage", "agent_id", agentID, "error", err)
	}
	meter.checkBudget(agentID, usage)
}
