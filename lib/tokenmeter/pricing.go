// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tokenmeter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ModelRate is the per-million-token price for one model, in US
// dollars. Fields mirror the four counters the token meter accumulates.
type ModelRate struct {
	In         float64 `json:"in"`
	Out        float64 `json:"out"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
}

// PricingTable maps a model id to its rate. DefaultRate is applied to
// any model id not present in Rates, with a warning logged by the
// caller — the table itself stays silent about the fallback.
type PricingTable struct {
	Rates       map[string]ModelRate `json:"rates"`
	DefaultRate ModelRate            `json:"default_rate"`
}

// RateFor returns the rate for modelID, and whether that model id was
// found in the table (false means DefaultRate was used).
func (table PricingTable) RateFor(modelID string) (ModelRate, bool) {
	if rate, ok := table.Rates[modelID]; ok {
		return rate, true
	}
	return table.DefaultRate, false
}

// LoadPricingFile reads a JSON-with-comments pricing table from path.
// Comments document why a rate changed without polluting the decoded
// value. This is the only JSON-with-comments file the harness reads;
// its main config is YAML.
func LoadPricingFile(path string) (*PricingTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file %s: %w", path, err)
	}

	var table PricingTable
	if err := json.Unmarshal(jsonc.ToJSON(raw), &table); err != nil {
		return nil, fmt.Errorf("parsing pricing file %s: %w", path, err)
	}
	if table.Rates == nil {
		table.Rates = make(map[string]ModelRate)
	}
	return &table, nil
}
