// Package derive holds the pure view computations over the in-memory
// collections. Everything here is recomputed on each call, never cached.
package derive

import (
	"math"
	"sort"
	"time"

	"guilthub/internal/domain"
)

const (
	// HeatmapWindowDays is the default contribution-heatmap window.
	HeatmapWindowDays = 365
	// SeriesLimit is the default severity time-series length.
	SeriesLimit = 15
	// DegradedThreshold is the open-issue count above which system health
	// reads as degraded.
	DegradedThreshold = 2
)

// DailyBuckets returns one bucket per calendar day for the last windowDays
// days ending today inclusive, oldest first. A commit counts toward a day when
// its ISO date string starts with that day's YYYY-MM-DD prefix. Level is the
// maximum severity among the day's commits, or LevelNone for an empty day.
func DailyBuckets(commits []domain.Commit, windowDays int, today time.Time) []domain.DayData {
	if windowDays <= 0 {
		windowDays = HeatmapWindowDays
	}
	days := make([]domain.DayData, 0, windowDays)
	for i := windowDays - 1; i >= 0; i-- {
		prefix := today.AddDate(0, 0, -i).Format("2006-01-02")
		day := domain.DayData{Date: prefix, Level: domain.LevelNone}
		for _, c := range commits {
			if len(c.Date) < len(prefix) || c.Date[:len(prefix)] != prefix {
				continue
			}
			day.Count++
			if lvl := domain.Level(c.Analysis.Severity); lvl > day.Level {
				day.Level = lvl
			}
		}
		days = append(days, day)
	}
	return days
}

// Weeks chunks day buckets into consecutive groups of 7, keeping a final
// partial group when the window is not a multiple of 7.
func Weeks(days []domain.DayData) [][]domain.DayData {
	var weeks [][]domain.DayData
	for len(days) > 0 {
		n := 7
		if len(days) < n {
			n = len(days)
		}
		weeks = append(weeks, days[:n])
		days = days[n:]
	}
	return weeks
}

// SeverityTimeSeries maps commits sorted ascending by timestamp to dated
// severity points and keeps the last limit entries. Commits sharing a day each
// produce their own point.
func SeverityTimeSeries(commits []domain.Commit, limit int) []domain.SeverityPoint {
	if limit <= 0 {
		limit = SeriesLimit
	}
	sorted := make([]domain.Commit, len(commits))
	copy(sorted, commits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	points := make([]domain.SeverityPoint, 0, len(sorted))
	for _, c := range sorted {
		label := c.Date
		if t, err := time.Parse(time.RFC3339, c.Date); err == nil {
			label = t.Format("Jan 2")
		}
		points = append(points, domain.SeverityPoint{Date: label, Severity: c.Analysis.Severity})
	}
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points
}

// AverageSeverity is the mean severity rounded to one decimal place, 0.0 for
// an empty collection.
func AverageSeverity(commits []domain.Commit) float64 {
	if len(commits) == 0 {
		return 0.0
	}
	sum := 0
	for _, c := range commits {
		sum += c.Analysis.Severity
	}
	return math.Round(float64(sum)/float64(len(commits))*10) / 10
}

// GroupByDate partitions commits, sorted descending by timestamp, into groups
// sharing the same calendar-date label, preserving first-seen group order.
func GroupByDate(commits []domain.Commit) []domain.DateGroup {
	sorted := make([]domain.Commit, len(commits))
	copy(sorted, commits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp > sorted[j].Timestamp })

	var groups []domain.DateGroup
	index := map[string]int{}
	for _, c := range sorted {
		label := c.Date
		if t, err := time.Parse(time.RFC3339, c.Date); err == nil {
			label = t.Format("January 2, 2006")
		}
		i, ok := index[label]
		if !ok {
			i = len(groups)
			index[label] = i
			groups = append(groups, domain.DateGroup{Date: label})
		}
		groups[i].Commits = append(groups[i].Commits, c)
	}
	return groups
}

// CountIssues counts issues with the given status.
func CountIssues(issues []domain.Issue, status string) int {
	n := 0
	for _, i := range issues {
		if i.Status == status {
			n++
		}
	}
	return n
}

// CountPulls counts pull requests with the given status.
func CountPulls(prs []domain.PullRequest, status string) int {
	n := 0
	for _, pr := range prs {
		if pr.Status == status {
			n++
		}
	}
	return n
}

// Health reports "Degraded" when more than DegradedThreshold issues are open.
func Health(openIssues int) string {
	if openIssues > DegradedThreshold {
		return "Degraded"
	}
	return "Optimal"
}
