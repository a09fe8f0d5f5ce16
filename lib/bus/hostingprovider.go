// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "context"

// HostingProvider is the narrow interface the bus dispatches the
// lead's issue/milestone tools to. lib/hostingprovider implements it
// against the external `gh` CLI; a nil Server.provider means no
// github: block was configured, and every call returns
// ErrorKindProviderDisabled without reaching this interface at all.
type HostingProvider interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error)
	ListIssues(ctx context.Context, state string) ([]Issue, error)
	UpdateIssue(ctx context.Context, number int, title, body string) (Issue, error)
	CloseIssue(ctx context.Context, number int) error
	AddComment(ctx context.Context, number int, body string) error
	CreateMilestone(ctx context.Context, title, description string) (Milestone, error)
	ListMilestones(ctx context.Context) ([]Milestone, error)
}

// Issue is a minimal projection of a hosting-provider issue.
type Issue struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// Milestone is a minimal projection of a hosting-provider milestone.
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}
