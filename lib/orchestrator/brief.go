// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"os"
	"strings"
)

// briefCurrentStatus and briefDecisionsLog are the only two sections
// update_brief may touch. Goal, Done When, and Constraints are
// human-authored and the kernel never rewrites them, per spec.md §6's
// project brief paragraph.
const (
	briefCurrentStatus = "Current Status"
	briefDecisionsLog  = "Decisions Log"
)

// briefSectionNames is the canonical order a freshly created BRIEF.md
// is seeded with. An existing file's own section order is preserved
// instead once one has been read.
var briefSectionNames = []string{"Goal", "Done When", "Constraints", briefCurrentStatus, briefDecisionsLog}

// briefDocument is an in-memory, order-preserving view of BRIEF.md's
// "## Section" blocks.
type briefDocument struct {
	order    []string
	sections map[string]string
}

func newBriefDocument() *briefDocument {
	doc := &briefDocument{sections: make(map[string]string)}
	for _, name := range briefSectionNames {
		doc.order = append(doc.order, name)
		doc.sections[name] = ""
	}
	return doc
}

// loadBriefDocument reads path and parses its "## Section" headings.
// A missing file yields a fresh document seeded with the canonical
// section names so a first-ever update_brief call has somewhere to
// write.
func loadBriefDocument(path string) (*briefDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newBriefDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading brief: %w", err)
	}

	doc := &briefDocument{sections: make(map[string]string)}
	var currentSection string
	var body strings.Builder
	flush := func() {
		if currentSection != "" {
			doc.sections[currentSection] = strings.TrimSpace(body.String())
		}
	}

	for _, line := range strings.Split(string(data), "\n") {
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			currentSection = strings.TrimSpace(heading)
			doc.order = append(doc.order, currentSection)
			body.Reset()
			continue
		}
		if currentSection != "" {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()

	if len(doc.order) == 0 {
		return newBriefDocument(), nil
	}
	return doc, nil
}

// setSection fully replaces a section's content, appending it to the
// document if it did not already exist.
func (doc *briefDocument) setSection(name, content string) {
	if _, exists := doc.sections[name]; !exists {
		doc.order = append(doc.order, name)
	}
	doc.sections[name] = strings.TrimSpace(content)
}

// appendRow appends one line to a section's content, creating the
// section if it did not already exist. Matches spec.md §6's "append
// one row" rule for the Decisions Log section.
func (doc *briefDocument) appendRow(name, row string) {
	existing, exists := doc.sections[name]
	if !exists {
		doc.order = append(doc.order, name)
	}
	row = strings.TrimSpace(row)
	if existing == "" {
		doc.sections[name] = "- " + row
		return
	}
	doc.sections[name] = existing + "\n- " + row
}

// render produces the full BRIEF.md text in the document's own
// section order.
func (doc *briefDocument) render() string {
	var out strings.Builder
	for _, name := range doc.order {
		fmt.Fprintf(&out, "## %s\n\n%s\n\n", name, doc.sections[name])
	}
	return strings.TrimRight(out.String(), "\n") + "\n"
}
