package store_test

import (
	"context"
	"testing"
	"time"

	"guilthub/internal/db"
	"guilthub/internal/domain"
	"guilthub/internal/migrate"
	"guilthub/internal/store"
)

func newSQLStore(t *testing.T) *store.SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.NewSQL(conn, "guilthub")
	s.Now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	return s
}

func sampleState() store.State {
	return store.State{
		Commits: []domain.Commit{{
			ID:        "c-1",
			Date:      "2026-08-28T09:30:00Z",
			Timestamp: 1787823000000,
			Message:   "ate an entire cake at 3am",
			Analysis: domain.Analysis{
				Severity: 3,
				Category: "Health",
				Roast:    "Impressive throughput, questionable scheduling.",
				Penance:  "Run a garbage collection cycle around the block.",
				Tags:     []string{"memory-leak", "midnight-build"},
			},
			IssueID: "i-1",
		}},
		Issues: []domain.Issue{{
			ID:          "i-1",
			Number:      1,
			Title:       "Doomscrolling",
			Description: "infinite feed loop",
			Status:      domain.IssueOpen,
			CreatedAt:   "2026-08-27T20:00:00Z",
			Labels:      []string{"bad-habit", "recurring"},
		}},
		PullRequests: []domain.PullRequest{{
			ID:          "pr-1",
			CommitID:    "c-1",
			Number:      1,
			Title:       "Fixing the karma imbalance",
			Description: "went to bed on time",
			Status:      domain.PRMerged,
			CreatedAt:   "2026-08-28T10:00:00Z",
			Review:      &domain.Review{Status: domain.PRMerged, Comment: "patch holds", Label: "patch-accepted"},
		}},
	}
}

func TestLoadEmptyStore(t *testing.T) {
	s := newSQLStore(t)
	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Commits == nil || state.Issues == nil || state.PullRequests == nil {
		t.Fatalf("expected non-nil empty collections, got %+v", state)
	}
	if len(state.Commits)+len(state.Issues)+len(state.PullRequests) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Commits) != 1 || loaded.Commits[0].ID != "c-1" {
		t.Fatalf("commits round trip: %+v", loaded.Commits)
	}
	if loaded.Commits[0].Analysis.Tags[0] != "memory-leak" {
		t.Fatalf("tags round trip: %+v", loaded.Commits[0].Analysis.Tags)
	}
	if loaded.PullRequests[0].Review == nil || loaded.PullRequests[0].Review.Label != "patch-accepted" {
		t.Fatalf("review round trip: %+v", loaded.PullRequests[0])
	}
}

// Saving a just-loaded state must leave the persisted documents byte-identical.
func TestSaveLoadSaveIdempotent(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := readDocs(t, s)

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Save(ctx, loaded); err != nil {
		t.Fatalf("second save: %v", err)
	}
	after := readDocs(t, s)

	for key, doc := range before {
		if after[key] != doc {
			t.Fatalf("document %s changed across save(load()):\nbefore %s\nafter  %s", key, doc, after[key])
		}
	}
}

func TestCorruptKeyIsIsolated(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET value='{not json' WHERE key='guilthub_commits'`); err != nil {
		t.Fatalf("corrupt commits doc: %v", err)
	}

	state, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Commits) != 0 {
		t.Fatalf("expected corrupt commits key to load empty, got %+v", state.Commits)
	}
	if len(state.Issues) != 1 || len(state.PullRequests) != 1 {
		t.Fatalf("expected other keys untouched, got issues=%d prs=%d", len(state.Issues), len(state.PullRequests))
	}
}

func TestSaveOverwritesPreviousState(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, store.State{}); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	state, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Commits)+len(state.Issues)+len(state.PullRequests) != 0 {
		t.Fatalf("expected last-writer-wins empty state, got %+v", state)
	}
}

func readDocs(t *testing.T, s *store.SQL) map[string]string {
	t.Helper()
	rows, err := s.DB.Query(`SELECT key, value FROM documents`)
	if err != nil {
		t.Fatalf("query documents: %v", err)
	}
	defer rows.Close()
	docs := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			t.Fatalf("scan: %v", err)
		}
		docs[key] = value
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	return docs
}
