// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import "testing"

func TestRenderScrollbarContentFitsFillsThumb(t *testing.T) {
	rendered := RenderScrollbar(DefaultTheme, 5, 3, 5, 0, false)
	lines := splitLines(rendered)
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !containsThumb(line) {
			t.Errorf("line %d = %q, expected thumb when content fits", i, line)
		}
	}
}

func TestRenderScrollbarTallContentShowsPartialThumb(t *testing.T) {
	rendered := RenderScrollbar(DefaultTheme, 10, 100, 10, 0, true)
	lines := splitLines(rendered)
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}

	thumbCount := 0
	for _, line := range lines {
		if containsThumb(line) {
			thumbCount++
		}
	}
	if thumbCount == 0 || thumbCount == 10 {
		t.Fatalf("expected a partial thumb, got %d/10 thumb lines", thumbCount)
	}
}

func TestRenderScrollbarZeroHeightIsEmpty(t *testing.T) {
	if rendered := RenderScrollbar(DefaultTheme, 0, 10, 5, 0, false); rendered != "" {
		t.Fatalf("expected empty string for zero height, got %q", rendered)
	}
}

func TestRenderScrollbarOffsetNearEndClampsThumb(t *testing.T) {
	rendered := RenderScrollbar(DefaultTheme, 10, 100, 10, 1000, true)
	lines := splitLines(rendered)
	if !containsThumb(lines[len(lines)-1]) {
		t.Fatal("expected thumb to clamp to the bottom of the track for an out-of-range offset")
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func containsThumb(line string) bool {
	for _, r := range line {
		if r == '┃' {
			return true
		}
	}
	return false
}
