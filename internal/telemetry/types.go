package telemetry

import "time"

type AgentType string

const (
	AgentClaudeCode AgentType = "claude_code"
	AgentCodex      AgentType = "codex"
	AgentGeminiCLI  AgentType = "gemini_cli"
	AgentCursor     AgentType = "cursor"
	AgentUnknown    AgentType = "unknown"
)

type CycleStatus string

const (
	CycleStatusOK        CycleStatus = "ok"
	CycleStatusCancelled CycleStatus = "cancelled"
)

// UsageEvent is the immutable record persisted when a cycle finalizes.
type UsageEvent struct {
	EventID         string      `json:"event_id"`
	SessionID       string      `json:"session_id"`
	AgentType       AgentType   `json:"agent_type"`
	OccurredAt      time.Time   `json:"occurred_at"`
	DurationMs      int64       `json:"duration_ms"`
	OutputTokens    *int64      `json:"output_tokens,omitempty"`
	TokensPerSecond *float64    `json:"tokens_per_second,omitempty"`
	Estimated       bool        `json:"estimated"`
	Status          CycleStatus `json:"status"`

	ReasoningTokens *int64   `json:"reasoning_tokens,omitempty"`
	CostUSD         *float64 `json:"cost_usd,omitempty"`
}

// CumulativeTotals is the durable per-(session, tab) running total across
// finalized cycles. Totals only ever grow.
type CumulativeTotals struct {
	SessionID       string    `json:"session_id"`
	TabID           string    `json:"tab_id"`
	OutputTokens    int64     `json:"output_tokens"`
	ReasoningTokens int64     `json:"reasoning_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Cycles          int64     `json:"cycles"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CycleSnapshot struct {
	SessionID       string     `json:"session_id"`
	AgentType       AgentType  `json:"agent_type"`
	TabID           string     `json:"tab_id"`
	StartedAt       time.Time  `json:"started_at"`
	BytesObserved   int64      `json:"bytes_observed"`
	WarningLines    int64      `json:"warning_lines"`
	OutputTokens    *int64     `json:"output_tokens,omitempty"`
	TokensPerSecond *float64   `json:"tokens_per_second,omitempty"`
	Estimated       bool       `json:"estimated"`
	Final           bool       `json:"final"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }
