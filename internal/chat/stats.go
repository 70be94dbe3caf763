package chat

import (
	"time"
	"unicode/utf8"
)

// Stats describes the in-flight turn. Token counts are estimates.
type Stats struct {
	LatencyMs        int64   `json:"latencyMs"`
	TokensPerSecond  float64 `json:"tokensPerSecond"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	GenerationTimeMs int64   `json:"generationTimeMs"`
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func estimatePrompt(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	return n
}

// statsTracker recomputes Stats for one request as deltas arrive.
type statsTracker struct {
	start  time.Time
	first  time.Time
	prompt int
}

func newStatsTracker(start time.Time, prompt []Message) *statsTracker {
	return &statsTracker{start: start, prompt: estimatePrompt(prompt)}
}

// observe records the accumulated content at now. The first call fixes the
// latency.
func (t *statsTracker) observe(now time.Time, content string) Stats {
	if t.first.IsZero() {
		t.first = now
	}
	completion := EstimateTokens(content)
	s := Stats{
		LatencyMs:        t.first.Sub(t.start).Milliseconds(),
		PromptTokens:     t.prompt,
		CompletionTokens: completion,
		TotalTokens:      t.prompt + completion,
		GenerationTimeMs: now.Sub(t.start).Milliseconds(),
	}
	if elapsed := now.Sub(t.first).Seconds(); elapsed > 0 {
		s.TokensPerSecond = float64(completion) / elapsed
	}
	return s
}
