package telemetry

import (
	"encoding/json"
	"strings"
)

// Event is one typed item parsed from a raw output chunk. The variant set is
// closed: TextDelta, WarningLine, UsageResult.
type Event interface {
	isEvent()
}

// TextDelta is a streamed content fragment. Bytes counts the retained content
// only, never stripped warning lines or protocol envelopes.
type TextDelta struct {
	Text  string
	Bytes int64
}

type WarningLine struct {
	Text string
}

// UsageResult is the authoritative usage envelope emitted at cycle
// completion.
type UsageResult struct {
	OutputTokens    int64    `json:"output_tokens"`
	DurationMs      int64    `json:"duration_ms"`
	ReasoningTokens *int64   `json:"reasoning_tokens,omitempty"`
	CostUSD         *float64 `json:"cost_usd,omitempty"`
}

func (TextDelta) isEvent()   {}
func (WarningLine) isEvent() {}
func (UsageResult) isEvent() {}

// Warnings are stripped per line; a warning can share a chunk with real
// content.
var warningPrefixes = []string{
	"bash: warning:",
	"sh: warning:",
}

type usageEnvelope struct {
	Type            string   `json:"type"`
	OutputTokens    *int64   `json:"output_tokens"`
	DurationMs      *int64   `json:"duration_ms"`
	ReasoningTokens *int64   `json:"reasoning_tokens"`
	CostUSD         *float64 `json:"cost_usd"`
}

// ParseChunk turns one raw chunk of session output into typed events.
// Unparseable input degrades to content; ParseChunk never fails.
func ParseChunk(raw []byte) []Event {
	if len(raw) == 0 {
		return nil
	}

	var events []Event
	var kept []string

	for _, line := range strings.Split(string(raw), "\n") {
		if prefix := matchWarningPrefix(line); prefix != "" {
			events = append(events, WarningLine{Text: strings.TrimSpace(line)})
			continue
		}
		if usage, ok := parseUsageLine(line); ok {
			events = append(events, usage)
			continue
		}
		kept = append(kept, line)
	}

	content := strings.TrimSpace(strings.Join(kept, "\n"))
	if content != "" {
		events = append(events, TextDelta{Text: content, Bytes: int64(len(content))})
	}
	return events
}

func matchWarningPrefix(line string) string {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range warningPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return prefix
		}
	}
	return ""
}

// parseUsageLine recognizes a single JSON object line with "type":"usage".
func parseUsageLine(line string) (UsageResult, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return UsageResult{}, false
	}

	var env usageEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return UsageResult{}, false
	}
	if env.Type != "usage" || env.OutputTokens == nil {
		return UsageResult{}, false
	}

	result := UsageResult{
		OutputTokens:    *env.OutputTokens,
		ReasoningTokens: env.ReasoningTokens,
		CostUSD:         env.CostUSD,
	}
	if env.DurationMs != nil {
		result.DurationMs = *env.DurationMs
	}
	return result, true
}
