package server

import (
	"guilthub/internal/domain"
	"guilthub/internal/oracle"
)

// Request payloads

type CreateCommitRequest struct {
	Message string `json:"message"`
	// Analysis carries a verdict obtained earlier from the analyze endpoint;
	// when absent the server asks the oracle itself.
	Analysis *domain.Analysis `json:"analysis,omitempty"`
	IssueID  string           `json:"issue_id,omitempty"`
}

type AnalyzeRequest struct {
	Message string `json:"message"`
}

type CreateIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type CreatePullRequestRequest struct {
	CommitID    string `json:"commit_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

// Response payloads

type StatusResponse struct {
	KernelStatus string  `json:"kernelStatus"`
	SystemHealth string  `json:"systemHealth" enum:"Optimal,Degraded"`
	OpenIssues   int     `json:"openIssues"`
	PendingPulls int     `json:"pendingPulls"`
	AvgSeverity  float64 `json:"avgSeverity"`
	TotalCommits int     `json:"totalCommits"`
}

type HeatmapResponse struct {
	Days  []domain.DayData   `json:"days"`
	Weeks [][]domain.DayData `json:"weeks"`
}

type SeverityMetricsResponse struct {
	Points  []domain.SeverityPoint `json:"points"`
	Average float64                `json:"average"`
}

type ChatHistoryResponse struct {
	Messages []oracle.ChatMessage `json:"messages"`
}

// SSE events for the chat stream.

type ChatDelta struct {
	Text string `json:"text"`
}

type ChatDone struct {
	Reply string `json:"reply"`
}
