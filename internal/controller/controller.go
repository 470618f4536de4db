// Package controller owns the live in-memory state and applies every
// mutation: validate, delegate to the oracle, update the collections,
// persist, then record an event. Reads are served from memory.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"guilthub/internal/domain"
	"guilthub/internal/events"
	"guilthub/internal/oracle"
	"guilthub/internal/store"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

const recentStatusWindow = 5

// Controller serializes all mutations behind one mutex and writes the full
// state through to the store after each applied change.
type Controller struct {
	Store  store.Store
	Oracle oracle.Client
	Events events.Sink
	Now    func() time.Time
	NewID  func() string

	mu    sync.Mutex
	state store.State

	kernelStatus string
	statusGen    uint64
	statusWG     sync.WaitGroup

	chat       []oracle.ChatMessage
	chatGen    uint64
	chatCancel context.CancelFunc
	chatWG     sync.WaitGroup
}

func New(st store.Store, oc oracle.Client, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Controller{
		Store:        st,
		Oracle:       oc,
		Events:       sink,
		Now:          time.Now,
		NewID:        uuid.NewString,
		state:        store.State{}.Normalized(),
		kernelStatus: oracle.InitialStatusLine,
		chat:         []oracle.ChatMessage{{Role: "model", Text: oracle.ChatGreeting}},
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// Load replaces the in-memory state with the persisted one and, when
// history exists, refreshes the kernel status line from it.
func (c *Controller) Load(ctx context.Context) error {
	state, err := c.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.mu.Lock()
	c.state = state.Normalized()
	recent := recentMessages(c.state.Commits, recentStatusWindow)
	c.mu.Unlock()
	if len(recent) > 0 {
		c.refreshKernelStatus(ctx, recent)
	}
	return nil
}

// Snapshot returns a copy of the current state; callers may not mutate the
// live collections through it.
func (c *Controller) Snapshot() store.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return store.State{
		Commits:      append([]domain.Commit(nil), c.state.Commits...),
		Issues:       append([]domain.Issue(nil), c.state.Issues...),
		PullRequests: append([]domain.PullRequest(nil), c.state.PullRequests...),
	}.Normalized()
}

// AnalyzeMessage asks the oracle to score a deviation. Oracle errors degrade
// to the fixed fallback analysis so a commit can always be recorded.
func (c *Controller) AnalyzeMessage(ctx context.Context, message string) domain.Analysis {
	analysis, err := c.Oracle.Analyze(ctx, message)
	if err != nil {
		return oracle.FallbackAnalysis()
	}
	analysis.Severity = oracle.ClampSeverity(analysis.Severity)
	if analysis.Tags == nil {
		analysis.Tags = []string{}
	}
	return analysis
}

// CreateCommit records a deviation. A nil analysis triggers an oracle call;
// a pre-computed one is stored as-is so analyze and commit can be split
// across requests. The commit lands at index 0. A kernel status refresh is
// kicked off in the background; WaitKernelStatus observes its completion.
func (c *Controller) CreateCommit(ctx context.Context, message string, analysis *domain.Analysis, issueID string) (domain.Commit, error) {
	var a domain.Analysis
	if analysis != nil {
		a = *analysis
		a.Severity = oracle.ClampSeverity(a.Severity)
		if a.Tags == nil {
			a.Tags = []string{}
		}
	} else {
		a = c.AnalyzeMessage(ctx, message)
	}

	now := c.now()
	commit := domain.Commit{
		ID:        c.newID(),
		Date:      now.UTC().Format(time.RFC3339),
		Timestamp: now.UnixMilli(),
		Message:   message,
		Analysis:  a,
		IssueID:   issueID,
	}

	c.mu.Lock()
	prev := c.state.Commits
	c.state.Commits = append([]domain.Commit{commit}, prev...)
	if err := c.Store.Save(ctx, c.state); err != nil {
		c.state.Commits = prev
		c.mu.Unlock()
		return domain.Commit{}, fmt.Errorf("save commit: %w", err)
	}
	recent := recentMessages(c.state.Commits, recentStatusWindow)
	c.mu.Unlock()

	c.Events.Append(ctx, "commit.created", "commit", commit.ID, events.EventPayload{
		"severity": a.Severity,
		"category": a.Category,
	})
	c.refreshKernelStatus(ctx, recent)
	return commit, nil
}

// OpenPullRequest proposes atonement for one commit. The review verdict sets
// the pull request's final status at creation. A failed review call blocks
// creation entirely.
func (c *Controller) OpenPullRequest(ctx context.Context, commitID, title, description string) (domain.PullRequest, error) {
	c.mu.Lock()
	var target *domain.Commit
	for i := range c.state.Commits {
		if c.state.Commits[i].ID == commitID {
			target = &c.state.Commits[i]
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return domain.PullRequest{}, fmt.Errorf("commit %s: %w", commitID, ErrNotFound)
	}
	sin := target.Message
	c.mu.Unlock()

	review, err := c.Oracle.Review(ctx, sin, description)
	if err != nil {
		return domain.PullRequest{}, fmt.Errorf("review pull request: %w", err)
	}
	if review.Status != domain.PRMerged {
		review.Status = domain.PROpen
	}

	now := c.now()
	pr := domain.PullRequest{
		ID:          c.newID(),
		CommitID:    commitID,
		Title:       title,
		Description: description,
		Status:      review.Status,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		Review:      &review,
	}

	c.mu.Lock()
	pr.Number = len(c.state.PullRequests) + 1
	prev := c.state.PullRequests
	c.state.PullRequests = append([]domain.PullRequest{pr}, prev...)
	if err := c.Store.Save(ctx, c.state); err != nil {
		c.state.PullRequests = prev
		c.mu.Unlock()
		return domain.PullRequest{}, fmt.Errorf("save pull request: %w", err)
	}
	c.mu.Unlock()

	c.Events.Append(ctx, "pr.opened", "pull_request", pr.ID, events.EventPayload{
		"commit_id": commitID,
		"status":    pr.Status,
	})
	return pr, nil
}

// CreateIssue opens a recurring-defect ticket. Numbers grow monotonically
// from the collection size; issues are never deleted.
func (c *Controller) CreateIssue(ctx context.Context, title, description string) (domain.Issue, error) {
	now := c.now()
	issue := domain.Issue{
		ID:          c.newID(),
		Title:       title,
		Description: description,
		Status:      domain.IssueOpen,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		Labels:      append([]string(nil), domain.DefaultIssueLabels...),
	}

	c.mu.Lock()
	issue.Number = len(c.state.Issues) + 1
	prev := c.state.Issues
	c.state.Issues = append([]domain.Issue{issue}, prev...)
	if err := c.Store.Save(ctx, c.state); err != nil {
		c.state.Issues = prev
		c.mu.Unlock()
		return domain.Issue{}, fmt.Errorf("save issue: %w", err)
	}
	c.mu.Unlock()

	c.Events.Append(ctx, "issue.created", "issue", issue.ID, events.EventPayload{"number": issue.Number})
	return issue, nil
}

// CloseIssue marks an issue closed. An unknown or already-closed id is a
// no-op and returns the zero issue without error.
func (c *Controller) CloseIssue(ctx context.Context, id string) (domain.Issue, error) {
	c.mu.Lock()
	idx := -1
	for i := range c.state.Issues {
		if c.state.Issues[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || c.state.Issues[idx].Status == domain.IssueClosed {
		var found domain.Issue
		if idx >= 0 {
			found = c.state.Issues[idx]
		}
		c.mu.Unlock()
		return found, nil
	}
	prevStatus := c.state.Issues[idx].Status
	c.state.Issues[idx].Status = domain.IssueClosed
	if err := c.Store.Save(ctx, c.state); err != nil {
		c.state.Issues[idx].Status = prevStatus
		c.mu.Unlock()
		return domain.Issue{}, fmt.Errorf("save issue: %w", err)
	}
	issue := c.state.Issues[idx]
	c.mu.Unlock()

	c.Events.Append(ctx, "issue.closed", "issue", issue.ID, events.EventPayload{"number": issue.Number})
	return issue, nil
}

// KernelStatus returns the latest one-line status from the oracle.
func (c *Controller) KernelStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelStatus
}

// WaitKernelStatus blocks until every in-flight status refresh has settled.
func (c *Controller) WaitKernelStatus() {
	c.statusWG.Wait()
}

// refreshKernelStatus updates the status line in the background. The refresh
// outlives the triggering request; stale results lose to newer generations.
func (c *Controller) refreshKernelStatus(ctx context.Context, recent []string) {
	c.mu.Lock()
	c.statusGen++
	gen := c.statusGen
	c.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	c.statusWG.Add(1)
	go func() {
		defer c.statusWG.Done()
		line, err := c.Oracle.StatusLine(bg, recent)
		if err != nil || line == "" {
			line = oracle.FallbackStatusLine
		}
		c.mu.Lock()
		if gen == c.statusGen {
			c.kernelStatus = line
		}
		c.mu.Unlock()
	}()
}

// ChatHistory returns a copy of the Sentinel conversation so far, greeting
// included.
func (c *Controller) ChatHistory() []oracle.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]oracle.ChatMessage(nil), c.chat...)
}

// SendChat runs one Sentinel turn. Only one stream is live at a time: a new
// send cancels the previous one and its remaining deltas are dropped. Stream
// failures degrade to the fixed fallback reply, which is still recorded in
// the history.
func (c *Controller) SendChat(ctx context.Context, userText string, onDelta func(string)) (string, error) {
	c.mu.Lock()
	if c.chatCancel != nil {
		c.chatCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.chatCancel = cancel
	c.chatGen++
	gen := c.chatGen
	history := append([]oracle.ChatMessage(nil), c.chat...)
	c.chat = append(c.chat, oracle.ChatMessage{Role: "user", Text: userText})
	c.mu.Unlock()

	c.chatWG.Add(1)
	defer c.chatWG.Done()
	defer cancel()

	guarded := func(chunk string) {
		c.mu.Lock()
		current := gen == c.chatGen
		c.mu.Unlock()
		if current && onDelta != nil {
			onDelta(chunk)
		}
	}

	reply, err := c.Oracle.ChatTurn(streamCtx, history, userText, guarded)
	superseded := false
	if err != nil {
		c.mu.Lock()
		superseded = gen != c.chatGen
		c.mu.Unlock()
		if superseded {
			return "", err
		}
		reply = oracle.FallbackChatReply
	}

	c.mu.Lock()
	if gen == c.chatGen {
		c.chat = append(c.chat, oracle.ChatMessage{Role: "model", Text: reply})
	}
	c.mu.Unlock()
	return reply, nil
}

// WaitChat blocks until any in-flight chat turns have returned.
func (c *Controller) WaitChat() {
	c.chatWG.Wait()
}

func recentMessages(commits []domain.Commit, n int) []string {
	if len(commits) < n {
		n = len(commits)
	}
	out := make([]string, 0, n)
	for _, c := range commits[:n] {
		out = append(out, c.Message)
	}
	return out
}
