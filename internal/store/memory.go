package store

import (
	"context"
	"encoding/json"
	"sync"

	"guilthub/internal/domain"
)

// Memory is an in-memory Store for tests. It round-trips through JSON so it
// exhibits the same per-key corruption tolerance as the SQL implementation.
type Memory struct {
	mu    sync.Mutex
	docs  map[string][]byte
	Saves int
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := State{}.Normalized()
	if raw, ok := m.docs[DefaultNamespace+SuffixCommits]; ok {
		var commits []domain.Commit
		if json.Unmarshal(raw, &commits) == nil && commits != nil {
			state.Commits = commits
		}
	}
	if raw, ok := m.docs[DefaultNamespace+SuffixIssues]; ok {
		var issues []domain.Issue
		if json.Unmarshal(raw, &issues) == nil && issues != nil {
			state.Issues = issues
		}
	}
	if raw, ok := m.docs[DefaultNamespace+SuffixPRs]; ok {
		var prs []domain.PullRequest
		if json.Unmarshal(raw, &prs) == nil && prs != nil {
			state.PullRequests = prs
		}
	}
	return state, nil
}

func (m *Memory) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state = state.Normalized()
	commits, err := json.Marshal(state.Commits)
	if err != nil {
		return err
	}
	issues, err := json.Marshal(state.Issues)
	if err != nil {
		return err
	}
	prs, err := json.Marshal(state.PullRequests)
	if err != nil {
		return err
	}
	m.docs[DefaultNamespace+SuffixCommits] = commits
	m.docs[DefaultNamespace+SuffixIssues] = issues
	m.docs[DefaultNamespace+SuffixPRs] = prs
	m.Saves++
	return nil
}

// Put writes a raw document under a key, bypassing serialization. Tests use
// it to simulate corrupted storage.
func (m *Memory) Put(key string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), raw...)
}

// Doc returns the raw document stored under a key.
func (m *Memory) Doc(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[key]
	return raw, ok
}
