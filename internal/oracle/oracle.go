// Package oracle wraps the external generative service that scores commits,
// reviews pull requests, and narrates system status. The repository holds no
// scoring logic of its own; everything here is prompt in, parsed JSON out.
package oracle

import (
	"context"

	"guilthub/internal/domain"
)

// ChatMessage is one prior turn of the Sentinel chat.
type ChatMessage struct {
	Role string `json:"role" enum:"user,model"`
	Text string `json:"text"`
}

// Client is the oracle contract the controller depends on. Implementations
// substitute the fixed fallback values below on provider-side failures;
// transport-level errors propagate so callers can decide (only pull-request
// review treats an error as blocking).
type Client interface {
	Analyze(ctx context.Context, message string) (domain.Analysis, error)
	Review(ctx context.Context, sin, atonement string) (domain.Review, error)
	StatusLine(ctx context.Context, recentMessages []string) (string, error)
	// ChatTurn streams the reply for one turn, invoking onDelta for each text
	// chunk as it arrives, and returns the full reply text. Canceling ctx
	// stops the stream.
	ChatTurn(ctx context.Context, history []ChatMessage, userText string, onDelta func(string)) (string, error)
}

// Fixed fallback values, kept verbatim so a degraded oracle still produces
// the canonical "lucky pass" experience.
const (
	InitialStatusLine  = "System Initialization Complete. No anomalies detected."
	FallbackStatusLine = "Kernel connection unstable."
	FallbackChatReply  = "Connection disrupted. Realigning satellite..."
	ChatGreeting       = "Sentinel AI Online. I am ready to audit your life choices. Proceed."
)

// FallbackAnalysis is stored when the analyze call fails.
func FallbackAnalysis() domain.Analysis {
	return domain.Analysis{
		Severity: 1,
		Category: "Network Partition",
		Roast:    "My logic gates are jammed. You get a free pass, entity.",
		Penance:  "Retry the transmission later.",
		Tags:     []string{"system-failure", "lucky"},
	}
}

// FallbackReview is returned when the review call fails at the provider.
func FallbackReview() domain.Review {
	return domain.Review{
		Status:  domain.PROpen,
		Comment: "System Error: Unable to verify patch integrity due to high latency.",
		Label:   "error",
	}
}

// ClampSeverity forces a severity into the valid [1,4] range. Oracle replies
// are clamped at the parse boundary before anything is stored.
func ClampSeverity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}
