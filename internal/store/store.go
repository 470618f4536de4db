package store

import (
	"context"

	"guilthub/internal/domain"
)

// DefaultNamespace prefixes the three document keys.
const DefaultNamespace = "guilthub"

// Key suffixes for the three persisted collections.
const (
	SuffixCommits = "_commits"
	SuffixPRs     = "_prs"
	SuffixIssues  = "_issues"
)

// State is a snapshot of the three collections, most-recent-first.
type State struct {
	Commits      []domain.Commit
	Issues       []domain.Issue
	PullRequests []domain.PullRequest
}

// Normalized returns the state with nil slices replaced by empty ones, so
// collections always serialize as JSON arrays and save∘load is idempotent.
func (s State) Normalized() State {
	if s.Commits == nil {
		s.Commits = []domain.Commit{}
	}
	if s.Issues == nil {
		s.Issues = []domain.Issue{}
	}
	if s.PullRequests == nil {
		s.PullRequests = []domain.PullRequest{}
	}
	return s
}

// Store persists the three collections as independently keyed JSON documents.
//
// Load must isolate failures per key: a missing or unparseable document yields
// an empty collection for that key only and never an error. Save writes all
// three documents unconditionally; there is no cross-key transactionality in
// the contract.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
