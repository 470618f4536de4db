package domain

// Level grades a heatmap day by the worst severity recorded on it.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelExtreme
)

// DefaultIssueLabels are attached to every new issue.
var DefaultIssueLabels = []string{"bad-habit", "recurring"}

// Analysis is the oracle's verdict on a single commit. Severity is 1..4;
// values arriving from outside are clamped at the oracle parse boundary.
type Analysis struct {
	Severity int      `json:"severity" minimum:"1" maximum:"4"`
	Category string   `json:"category"`
	Roast    string   `json:"roast"`
	Penance  string   `json:"penance"`
	Tags     []string `json:"tags"`
}

// Commit is one logged self-reported incident plus its analysis.
type Commit struct {
	ID        string   `json:"id"`
	Date      string   `json:"date" format:"date-time"`
	Timestamp int64    `json:"timestamp"`
	Message   string   `json:"message"`
	Analysis  Analysis `json:"analysis"`
	// IssueID is a weak reference: the issue is never deleted, but lookups
	// must treat a missing target as "no linked issue", not an error.
	IssueID string `json:"issueId,omitempty"`
}

// Issue is a recurring-defect ticket independent of any single commit.
type Issue struct {
	ID          string   `json:"id"`
	Number      int      `json:"number"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status" enum:"open,closed"`
	CreatedAt   string   `json:"createdAt" format:"date-time"`
	Labels      []string `json:"labels"`
}

// Review is the oracle's verdict on a pull request.
type Review struct {
	Status  string `json:"status" enum:"merged,open"`
	Comment string `json:"comment"`
	Label   string `json:"label"`
}

// PullRequest is an atonement proposal tied to exactly one commit. Status is
// set once at creation from the review verdict and never transitioned again.
type PullRequest struct {
	ID          string  `json:"id"`
	CommitID    string  `json:"commitId"`
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"open,merged,closed"`
	CreatedAt   string  `json:"createdAt" format:"date-time"`
	Review      *Review `json:"review,omitempty"`
}

// DayData is one heatmap bucket.
type DayData struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level Level  `json:"level"`
}

// SeverityPoint is one sample of the severity time series.
type SeverityPoint struct {
	Date     string `json:"date"`
	Severity int    `json:"severity"`
}

// DateGroup is a run of commits sharing the same calendar-date label,
// most-recent date first.
type DateGroup struct {
	Date    string   `json:"date"`
	Commits []Commit `json:"commits"`
}

const (
	IssueOpen   = "open"
	IssueClosed = "closed"

	PROpen   = "open"
	PRMerged = "merged"
	PRClosed = "closed"
)
