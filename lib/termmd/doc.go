// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package termmd renders Markdown as styled terminal output: headings,
// emphasis, fenced code blocks with syntax highlighting, lists,
// blockquotes, tables, and links, word-wrapped to a given width.
// cmd/archview uses it to render a project's BRIEF.md inside the
// dashboard's brief pane.
//
// Theme and fuzzy-matching types are re-exported from [tui] so this
// package's rendering shares the dashboard's color palette and search
// behavior without every caller importing both packages.
package termmd
