package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"guilthub/internal/domain"
)

// SQL keeps each collection as one JSON document row in the documents table.
type SQL struct {
	DB        *sql.DB
	Namespace string
	Now       func() time.Time
}

func NewSQL(db *sql.DB, namespace string) *SQL {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &SQL{DB: db, Namespace: namespace, Now: time.Now}
}

func (s *SQL) key(suffix string) string {
	ns := s.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + suffix
}

// Load reads the three documents independently. A missing key or a document
// that is not valid JSON yields an empty collection for that key only.
func (s *SQL) Load(ctx context.Context) (State, error) {
	state := State{}.Normalized()

	if raw, ok, err := s.get(ctx, s.key(SuffixCommits)); err != nil {
		return state, err
	} else if ok {
		var commits []domain.Commit
		if json.Unmarshal(raw, &commits) == nil && commits != nil {
			state.Commits = commits
		}
	}
	if raw, ok, err := s.get(ctx, s.key(SuffixIssues)); err != nil {
		return state, err
	} else if ok {
		var issues []domain.Issue
		if json.Unmarshal(raw, &issues) == nil && issues != nil {
			state.Issues = issues
		}
	}
	if raw, ok, err := s.get(ctx, s.key(SuffixPRs)); err != nil {
		return state, err
	} else if ok {
		var prs []domain.PullRequest
		if json.Unmarshal(raw, &prs) == nil && prs != nil {
			state.PullRequests = prs
		}
	}
	return state, nil
}

// Save serializes and writes all three documents. The single transaction here
// is an implementation convenience, not part of the Store contract.
func (s *SQL) Save(ctx context.Context, state State) error {
	state = state.Normalized()

	commits, err := json.Marshal(state.Commits)
	if err != nil {
		return fmt.Errorf("marshal commits: %w", err)
	}
	issues, err := json.Marshal(state.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	prs, err := json.Marshal(state.PullRequests)
	if err != nil {
		return fmt.Errorf("marshal pull requests: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339)
	for _, doc := range []struct {
		key   string
		value []byte
	}{
		{s.key(SuffixCommits), commits},
		{s.key(SuffixPRs), prs},
		{s.key(SuffixIssues), issues},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents(key,value,updated_at) VALUES (?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			doc.key, string(doc.value), now); err != nil {
			return fmt.Errorf("write %s: %w", doc.key, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM documents WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
