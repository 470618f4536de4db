package derive

import (
	"testing"
	"time"

	"guilthub/internal/domain"
)

func commitAt(t time.Time, severity int) domain.Commit {
	return domain.Commit{
		ID:        "c-" + t.Format("20060102150405"),
		Date:      t.UTC().Format(time.RFC3339),
		Timestamp: t.UnixMilli(),
		Message:   "test",
		Analysis:  domain.Analysis{Severity: severity},
	}
}

func TestDailyBucketsSingleCommitToday(t *testing.T) {
	today := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	commits := []domain.Commit{commitAt(today.Add(-2*time.Hour), 3)}

	days := DailyBuckets(commits, 7, today)
	if len(days) != 7 {
		t.Fatalf("expected 7 buckets, got %d", len(days))
	}
	for i, day := range days {
		if i == 6 {
			if day.Count != 1 || day.Level != domain.LevelHigh {
				t.Fatalf("today bucket: %+v", day)
			}
			continue
		}
		if day.Count != 0 || day.Level != domain.LevelNone {
			t.Fatalf("bucket %d should be empty: %+v", i, day)
		}
	}
	if days[0].Date != "2026-08-22" || days[6].Date != "2026-08-28" {
		t.Fatalf("expected oldest-to-newest ordering, got %s .. %s", days[0].Date, days[6].Date)
	}
}

func TestDailyBucketsLevelIsMaxSeverity(t *testing.T) {
	today := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	commits := []domain.Commit{
		commitAt(today.Add(-1*time.Hour), 1),
		commitAt(today.Add(-2*time.Hour), 4),
		commitAt(today.Add(-3*time.Hour), 2),
	}
	days := DailyBuckets(commits, 1, today)
	if len(days) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(days))
	}
	if days[0].Count != 3 || days[0].Level != domain.LevelExtreme {
		t.Fatalf("bucket: %+v", days[0])
	}
}

func TestWeeksChunking(t *testing.T) {
	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	weeks := Weeks(DailyBuckets(nil, 365, today))
	if len(weeks) != 53 {
		t.Fatalf("expected 53 weeks for 365 days, got %d", len(weeks))
	}
	for i := 0; i < 52; i++ {
		if len(weeks[i]) != 7 {
			t.Fatalf("week %d has %d days", i, len(weeks[i]))
		}
	}
	if len(weeks[52]) != 1 {
		t.Fatalf("final partial week has %d days", len(weeks[52]))
	}
}

func TestAverageSeverity(t *testing.T) {
	if got := AverageSeverity(nil); got != 0.0 {
		t.Fatalf("empty average = %v, want 0.0", got)
	}
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var commits []domain.Commit
	for i, sev := range []int{1, 2, 3, 4} {
		commits = append(commits, commitAt(base.Add(time.Duration(i)*time.Hour), sev))
	}
	if got := AverageSeverity(commits); got != 2.5 {
		t.Fatalf("average = %v, want 2.5", got)
	}
	if got := AverageSeverity(commits[:3]); got != 2.0 {
		t.Fatalf("average = %v, want 2.0", got)
	}
}

func TestSeverityTimeSeries(t *testing.T) {
	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	var commits []domain.Commit
	for i := 0; i < 20; i++ {
		// Prepend so the input arrives most-recent-first, like the live state.
		commits = append([]domain.Commit{commitAt(base.AddDate(0, 0, i), 1+i%4)}, commits...)
	}
	points := SeverityTimeSeries(commits, 15)
	if len(points) != 15 {
		t.Fatalf("expected 15 points, got %d", len(points))
	}
	if points[0].Date != "Aug 6" || points[14].Date != "Aug 20" {
		t.Fatalf("expected ascending truncation to the last 15, got %s .. %s", points[0].Date, points[14].Date)
	}
	if points[14].Severity != 1+19%4 {
		t.Fatalf("last point severity = %d", points[14].Severity)
	}
}

func TestSeverityTimeSeriesNoAggregation(t *testing.T) {
	day := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	commits := []domain.Commit{
		commitAt(day, 1),
		commitAt(day.Add(time.Hour), 4),
	}
	points := SeverityTimeSeries(commits, 15)
	if len(points) != 2 {
		t.Fatalf("same-day commits must keep separate points, got %d", len(points))
	}
}

func TestGroupByDate(t *testing.T) {
	d1 := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 27, 22, 0, 0, 0, time.UTC)
	commits := []domain.Commit{
		commitAt(d2, 2),
		commitAt(d1, 1),
		commitAt(d1.Add(2*time.Hour), 3),
	}
	groups := GroupByDate(commits)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Date != "August 28, 2026" || groups[1].Date != "August 27, 2026" {
		t.Fatalf("group order: %s, %s", groups[0].Date, groups[1].Date)
	}
	if len(groups[0].Commits) != 2 {
		t.Fatalf("expected 2 commits on the 28th, got %d", len(groups[0].Commits))
	}
	if groups[0].Commits[0].Timestamp < groups[0].Commits[1].Timestamp {
		t.Fatalf("commits within a group must be descending by time")
	}
}

func TestCountsAndHealth(t *testing.T) {
	issues := []domain.Issue{
		{Status: domain.IssueOpen}, {Status: domain.IssueOpen}, {Status: domain.IssueClosed},
	}
	if got := CountIssues(issues, domain.IssueOpen); got != 2 {
		t.Fatalf("open issues = %d", got)
	}
	prs := []domain.PullRequest{{Status: domain.PROpen}, {Status: domain.PRMerged}}
	if got := CountPulls(prs, domain.PROpen); got != 1 {
		t.Fatalf("pending prs = %d", got)
	}
	if Health(2) != "Optimal" || Health(3) != "Degraded" {
		t.Fatalf("health thresholds wrong")
	}
}
