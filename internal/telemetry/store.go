package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fixed-width variant of RFC3339Nano. occurred_at is TEXT and compared
// lexicographically, so the fractional part must not be trimmed.
const storeTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the durable side of the pipeline: the append-only usage event log
// plus the separately durable cumulative counters.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening DB: %w", err)
	}
	if err := configureSQLiteConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: configure DB: %w", err)
	}

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			output_tokens INTEGER,
			tokens_per_second REAL,
			estimated INTEGER NOT NULL,
			status TEXT NOT NULL,
			reasoning_tokens INTEGER,
			cost_usd REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_occurred_at ON usage_events(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_session_window ON usage_events(session_id, occurred_at);`,
		`CREATE TABLE IF NOT EXISTS cumulative_totals (
			session_id TEXT NOT NULL,
			tab_id TEXT NOT NULL,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			cycles INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, tab_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("telemetry: init schema: %w", err)
		}
	}
	return nil
}

// Append writes one finalized usage event, assigning an EventID when the
// caller did not set one.
func (s *Store) Append(ctx context.Context, event UsageEvent) error {
	if strings.TrimSpace(event.SessionID) == "" {
		return fmt.Errorf("telemetry: append: missing session id")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if event.AgentType == "" {
		event.AgentType = AgentUnknown
	}
	if event.Status == "" {
		event.Status = CycleStatusOK
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			event_id, session_id, agent_type, occurred_at, duration_ms,
			output_tokens, tokens_per_second, estimated, status,
			reasoning_tokens, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventID,
		event.SessionID,
		string(event.AgentType),
		event.OccurredAt.UTC().Format(storeTimeLayout),
		event.DurationMs,
		nullableInt64(event.OutputTokens),
		nullableFloat64(event.TokensPerSecond),
		boolToInt(event.Estimated),
		string(event.Status),
		nullableInt64(event.ReasoningTokens),
		nullableFloat64(event.CostUSD),
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert usage event: %w", err)
	}
	return nil
}

// Scan returns events at or after since, timestamp ascending.
func (s *Store) Scan(ctx context.Context, since time.Time) ([]UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, agent_type, occurred_at, duration_ms,
			output_tokens, tokens_per_second, estimated, status,
			reasoning_tokens, cost_usd
		FROM usage_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at ASC, event_id ASC
	`, since.UTC().Format(storeTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("telemetry: scan usage events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var (
			event      UsageEvent
			agentType  string
			occurredAt string
			estimated  int
			status     string
			tokens     sql.NullInt64
			tps        sql.NullFloat64
			reasoning  sql.NullInt64
			cost       sql.NullFloat64
		)
		if err := rows.Scan(
			&event.EventID, &event.SessionID, &agentType, &occurredAt,
			&event.DurationMs, &tokens, &tps, &estimated, &status,
			&reasoning, &cost,
		); err != nil {
			return nil, fmt.Errorf("telemetry: scan usage event row: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("telemetry: parse occurred_at %q: %w", occurredAt, err)
		}
		event.AgentType = AgentType(agentType)
		event.OccurredAt = parsed
		event.Estimated = estimated != 0
		event.Status = CycleStatus(status)
		if tokens.Valid {
			event.OutputTokens = int64Ptr(tokens.Int64)
		}
		if tps.Valid {
			event.TokensPerSecond = float64Ptr(tps.Float64)
		}
		if reasoning.Valid {
			event.ReasoningTokens = int64Ptr(reasoning.Int64)
		}
		if cost.Valid {
			event.CostUSD = float64Ptr(cost.Float64)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: iterate usage events: %w", err)
	}
	return events, nil
}

// CumulativeDelta is one finalized cycle's contribution to a (session, tab)
// counter. All fields are non-negative.
type CumulativeDelta struct {
	OutputTokens    int64
	ReasoningTokens int64
	CostUSD         float64
}

// AddCumulative applies one cycle's contribution. The upsert only ever adds,
// so totals are non-decreasing.
func (s *Store) AddCumulative(ctx context.Context, sessionID, tabID string, delta CumulativeDelta) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(tabID) == "" {
		return fmt.Errorf("telemetry: add cumulative: missing session or tab id")
	}
	if delta.OutputTokens < 0 || delta.ReasoningTokens < 0 || delta.CostUSD < 0 {
		return fmt.Errorf("telemetry: add cumulative: negative delta for %s/%s", sessionID, tabID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cumulative_totals (
			session_id, tab_id, output_tokens, reasoning_tokens, cost_usd, cycles, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(session_id, tab_id) DO UPDATE SET
			output_tokens = output_tokens + excluded.output_tokens,
			reasoning_tokens = reasoning_tokens + excluded.reasoning_tokens,
			cost_usd = cost_usd + excluded.cost_usd,
			cycles = cycles + 1,
			updated_at = excluded.updated_at
	`,
		sessionID,
		tabID,
		delta.OutputTokens,
		delta.ReasoningTokens,
		delta.CostUSD,
		s.now().UTC().Format(storeTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("telemetry: upsert cumulative totals: %w", err)
	}
	return nil
}

// Cumulative returns the counter snapshot for one (session, tab) pair. An
// untouched pair reads as zero totals, not an error.
func (s *Store) Cumulative(ctx context.Context, sessionID, tabID string) (CumulativeTotals, error) {
	totals := CumulativeTotals{SessionID: sessionID, TabID: tabID}

	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT output_tokens, reasoning_tokens, cost_usd, cycles, updated_at
		FROM cumulative_totals
		WHERE session_id = ? AND tab_id = ?
	`, sessionID, tabID).Scan(
		&totals.OutputTokens, &totals.ReasoningTokens, &totals.CostUSD,
		&totals.Cycles, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return totals, nil
	}
	if err != nil {
		return totals, fmt.Errorf("telemetry: query cumulative totals: %w", err)
	}

	if parsed, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		totals.UpdatedAt = parsed
	}
	return totals, nil
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
