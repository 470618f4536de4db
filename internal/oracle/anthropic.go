package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"guilthub/internal/domain"
)

const (
	// DefaultModel answers the structured analyze/review/status calls.
	DefaultModel = "claude-haiku-4-5"
	// DefaultChatModel drives the Sentinel chat.
	DefaultChatModel = "claude-sonnet-4-5"

	defaultMaxTokens = 1024
)

const (
	analyzeSystemPrompt = "You are the GUILTHUB Core. You are a high-tech, sophisticated AI entity that manages human moral integrity. " +
		"Your tone is calm, slightly dystopian, and technically precise. You judge severity on a scale of 1-4. " +
		"Reply with a single JSON object and nothing else, with keys: severity (integer 1-4), category (short label such as Procrastination, Health, Finance, Social), " +
		"roast (short witty observation), penance (corrective action), tags (array of short tech-themed strings such as memory-leak, infinite-loop, legacy-code)."

	reviewSystemPrompt = "You are the Lead Architect of the Moral Codebase. Review this pull request. If the user has truly atoned, merge it. " +
		"If they are cutting corners, keep it open. Use terminology related to high-reliability systems. " +
		"Reply with a single JSON object and nothing else, with keys: status (\"merged\" or \"open\"), comment (a code review comment, critical but fair), " +
		"label (a short label like patch-accepted, changes-requested, security-risk)."

	statusSystemPrompt = "You are a futuristic OS Kernel. Output a single, short, atmospheric status line (max 15 words) describing the user's current stability. " +
		"E.g., 'Critical instability detected in sleep module.' or 'System operating within normal parameters.'"

	chatSystemPrompt = "You are The Sentinel, a high-end AI assistant for GUILTHUB. Your persona is cool, intellectual, and slightly detached, like a futuristic interface. " +
		"You help the user debug their life. You use terms like 'optimizing', 'latency', 'bandwidth', 'deployment', 'refactoring'. " +
		"You are helpful but demanding of excellence. Do not be overly friendly; be professional and efficient."
)

var errAPIKeyRequired = errors.New("API key required")

// Anthropic implements Client against the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	chatModel anthropic.Model
	maxTokens int64
}

// NewAnthropic builds a client. Env var ANTHROPIC_API_KEY takes precedence
// over the explicit apiKey.
func NewAnthropic(apiKey, model, chatModel string) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure oracle.api_key", errAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		chatModel: anthropic.Model(chatModel),
		maxTokens: defaultMaxTokens,
	}, nil
}

// Analyze scores one logged deviation. Provider failures and malformed
// replies both degrade to the fixed fallback analysis instead of an error.
func (a *Anthropic) Analyze(ctx context.Context, message string) (domain.Analysis, error) {
	prompt := fmt.Sprintf("Analyze this user deviation for GUILTHUB (The Operating System for Conscience): %q.", message)
	text, err := a.complete(ctx, a.model, analyzeSystemPrompt, prompt)
	if err != nil {
		return FallbackAnalysis(), nil
	}
	analysis, ok := decodeAnalysis(text)
	if !ok {
		return FallbackAnalysis(), nil
	}
	return analysis, nil
}

// Review judges an atonement against its original sin.
func (a *Anthropic) Review(ctx context.Context, sin, atonement string) (domain.Review, error) {
	prompt := fmt.Sprintf("Review Forgiveness Request.\nSin: %q\nAtonement: %q", sin, atonement)
	text, err := a.complete(ctx, a.model, reviewSystemPrompt, prompt)
	if err != nil {
		return FallbackReview(), nil
	}
	review, ok := decodeReview(text)
	if !ok {
		return FallbackReview(), nil
	}
	return review, nil
}

// StatusLine produces the one-line kernel status from recent commit messages.
func (a *Anthropic) StatusLine(ctx context.Context, recentMessages []string) (string, error) {
	if len(recentMessages) == 0 {
		return InitialStatusLine, nil
	}
	if len(recentMessages) > 5 {
		recentMessages = recentMessages[:5]
	}
	prompt := "Generate a one-sentence system status message based on these recent user actions: " + strings.Join(recentMessages, "; ")
	text, err := a.complete(ctx, a.model, statusSystemPrompt, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return FallbackStatusLine, nil
	}
	return strings.TrimSpace(text), nil
}

// ChatTurn streams one Sentinel reply, feeding deltas to onDelta as they
// arrive. The returned text is the full accumulated reply.
func (a *Anthropic) ChatTurn(ctx context.Context, history []ChatMessage, userText string, onDelta func(string)) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == "user" {
			messages = append(messages, anthropic.NewUserMessage(block))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     a.chatModel,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: chatSystemPrompt}},
		Messages:  messages,
	})

	var buf strings.Builder
	for stream.Next() {
		event := stream.Current()
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				buf.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (a *Anthropic) complete(ctx context.Context, model anthropic.Model, system, prompt string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			buf.WriteString(tb.Text)
		}
	}
	if buf.Len() == 0 {
		return "", errors.New("empty oracle response")
	}
	return buf.String(), nil
}

// decodeAnalysis parses the JSON object embedded in an oracle reply and
// clamps severity into [1,4].
func decodeAnalysis(text string) (domain.Analysis, bool) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return domain.Analysis{}, false
	}
	var analysis domain.Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return domain.Analysis{}, false
	}
	analysis.Severity = ClampSeverity(analysis.Severity)
	if analysis.Tags == nil {
		analysis.Tags = []string{}
	}
	return analysis, true
}

func decodeReview(text string) (domain.Review, bool) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return domain.Review{}, false
	}
	var review domain.Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return domain.Review{}, false
	}
	if review.Status != domain.PRMerged {
		review.Status = domain.PROpen
	}
	return review, true
}

// extractJSONObject cuts the outermost {...} out of a reply; models sometimes
// wrap the object in prose or code fences.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
