// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tokenmeter

import (
	"testing"
	"time"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/clock"
	"github.com/arch-harness/arch/lib/session"
)

func newTestStore(t *testing.T) *archstate.Store {
	t.Helper()
	store, err := archstate.New(archstate.Config{
		Dir:   t.TempDir(),
		Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("archstate.New: %v", err)
	}
	return store
}

func TestMeter_PricesUsageEvent(t *testing.T) {
	store := newTestStore(t)
	if err := store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	pricing := &PricingTable{
		Rates: map[string]ModelRate{
			"claude-test": {In: 3.00, Out: 15.00},
		},
	}
	meter := New(store, pricing, nil, 0)

	observer := meter.Observer("qa-1")
	observer(session.UsageEvent{InputTokens: 1_000_000, ModelID: "claude-test"})

	record, _ := store.GetAgent("qa-1")
	if record.Usage.CostMilliUSD != 3000 {
		t.Errorf("cost = %d milli-USD, want 3000", record.Usage.CostMilliUSD)
	}
	if got := record.Usage.CostUSD(); got != 3.00 {
		t.Errorf("CostUSD() = %v, want 3.00", got)
	}
}

func TestMeter_UnknownModelFallsBackToDefaultRate(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"})

	pricing := &PricingTable{
		DefaultRate: ModelRate{In: 1.00},
	}
	meter := New(store, pricing, nil, 0)
	meter.Observer("qa-1")(session.UsageEvent{InputTokens: 500_000, ModelID: "unlisted-model"})

	record, _ := store.GetAgent("qa-1")
	if record.Usage.CostMilliUSD != 500 {
		t.Errorf("cost = %d milli-USD, want 500", record.Usage.CostMilliUSD)
	}
}

func TestMeter_AccumulatesAcrossMultipleEvents(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"})

	pricing := &PricingTable{Rates: map[string]ModelRate{"m": {In: 2.00, Out: 10.00}}}
	meter := New(store, pricing, nil, 0)
	observer := meter.Observer("qa-1")

	observer(session.UsageEvent{InputTokens: 100_000, ModelID: "m"})
	observer(session.UsageEvent{OutputTokens: 100_000, ModelID: "m"})

	record, _ := store.GetAgent("qa-1")
	if record.Usage.InputTokens != 100_000 || record.Usage.OutputTokens != 100_000 {
		t.Fatalf("unexpected accumulated tokens: %+v", record.Usage)
	}
	// (100000/1e6)*2.00 + (100000/1e6)*10.00 = 0.20 + 1.00 = 1.20 -> 1200 milli-USD.
	if record.Usage.CostMilliUSD != 1200 {
		t.Errorf("cost = %d milli-USD, want 1200", record.Usage.CostMilliUSD)
	}
}

func TestMeter_ApplyResult_PrefersAuthoritativeCost(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"})

	meter := New(store, &PricingTable{}, nil, 0)
	meter.ApplyResult("qa-1", session.SessionSummary{CostUSD: 4.50, TurnCount: 3})

	record, _ := store.GetAgent("qa-1")
	if record.Usage.CostMilliUSD != 4500 {
		t.Errorf("cost = %d milli-USD, want 4500", record.Usage.CostMilliUSD)
	}
	if record.Usage.TurnCount != 3 {
		t.Errorf("turn count = %d, want 3", record.Usage.TurnCount)
	}
}

func TestMeter_QueuesBudgetExceededDecisionOnce(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"})

	pricing := &PricingTable{Rates: map[string]ModelRate{"m": {In: 10.00}}}
	meter := New(store, pricing, nil, 1.00)
	observer := meter.Observer("qa-1")

	observer(session.UsageEvent{InputTokens: 50_000, ModelID: "m"}) // $0.50, under budget
	if pending := store.ListPendingDecisions(); len(pending) != 0 {
		t.Fatalf("expected no decision under budget, got %+v", pending)
	}

	observer(session.UsageEvent{InputTokens: 50_000, ModelID: "m"}) // $1.00, at budget
	pending := store.ListPendingDecisions()
	if len(pending) != 1 || pending[0].AgentID != "qa-1" {
		t.Fatalf("expected one budget_exceeded decision for qa-1, got %+v", pending)
	}

	observer(session.UsageEvent{InputTokens: 50_000, ModelID: "m"}) // still over budget
	if pending := store.ListPendingDecisions(); len(pending) != 1 {
		t.Fatalf("expected the decision to stay singular, got %+v", pending)
	}
}

func TestMeter_ApplyResult_KeepsPricedCostWhenCLIReportsZero(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(archstate.AgentRecord{AgentID: "qa-1"})

	pricing := &PricingTable{Rates: map[string]ModelRate{"m": {In: 3.00}}}
	meter := New(store, pricing, nil, 0)
	meter.Observer("qa-1")(session.UsageEvent{InputTokens: 1_000_000, ModelID: "m"})

	meter.ApplyResult("qa-1", session.SessionSummary{CostUSD: 0, TurnCount: 1})

	record, _ := store.GetAgent("qa-1")
	if record.Usage.CostMilliUSD != 3000 {
		t.Errorf("cost = %d milli-USD, want 3000 (pricing-table value preserved)", record.Usage.CostMilliUSD)
	}
}
