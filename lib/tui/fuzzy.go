// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// FuzzyResult is the outcome of matching one candidate string against a
// fuzzy search pattern: whether it matched at all, a relevance score
// for ranking, and the matched character positions for highlighting.
type FuzzyResult struct {
	Matched   bool
	Score     int
	Positions []int
}

// FuzzyMatch scores text against pattern using fzf's V2 fuzzy algorithm
// (case-insensitive, forward search). slab is a reusable scratch buffer;
// callers share one across repeated calls to avoid per-call allocation
// in an interactive filter loop such as the agent roster's quick-pick.
func FuzzyMatch(text string, pattern []rune, slab *util.Slab) FuzzyResult {
	if len(pattern) == 0 {
		return FuzzyResult{Matched: true}
	}

	chars := util.ToChars([]byte(text))
	result, positions := algo.FuzzyMatchV2(false, true, true, &chars, pattern, true, slab)
	if result.Start < 0 {
		return FuzzyResult{Matched: false}
	}

	var matched []int
	if positions != nil {
		matched = *positions
	}
	return FuzzyResult{
		Matched:   true,
		Score:     result.Score,
		Positions: matched,
	}
}
