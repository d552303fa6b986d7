package telemetry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestStoreInit_CreatesTables(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	tables := []string{"usage_events", "cumulative_totals"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func testEvent(sessionID string, agent AgentType, at time.Time, tokens int64) UsageEvent {
	return UsageEvent{
		SessionID:       sessionID,
		AgentType:       agent,
		OccurredAt:      at,
		DurationMs:      1500,
		OutputTokens:    int64Ptr(tokens),
		TokensPerSecond: float64Ptr(float64(tokens) / 1.5),
		Status:          CycleStatusOK,
	}
}

func TestStoreAppendScan_AscendingAndRestartable(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Appended out of timestamp order on purpose.
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		if err := store.Append(ctx, testEvent("s1", AgentClaudeCode, base.Add(offset), 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := store.Scan(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Scan returned %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatalf("Scan not ascending: %v before %v", events[i].OccurredAt, events[i-1].OccurredAt)
		}
	}
	if events[0].EventID == "" {
		t.Error("Append did not assign an event id")
	}

	// An independent scan with a later floor sees only the tail.
	tail, err := store.Scan(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Scan since: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("Scan since returned %d events, want 2", len(tail))
	}
}

func TestStoreScan_SubsecondTimestampsStayAscending(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	// A whole-second timestamp and fractional ones inside the same second.
	// Stored as text, these only sort correctly with a fixed-width fraction.
	offsets := []time.Duration{500 * time.Millisecond, 0, 250 * time.Millisecond}
	for _, offset := range offsets {
		if err := store.Append(ctx, testEvent("s1", AgentClaudeCode, base.Add(offset), 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := store.Scan(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Scan returned %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatalf("Scan not ascending: %v before %v", events[i].OccurredAt, events[i-1].OccurredAt)
		}
	}
	if !events[0].OccurredAt.Equal(base) {
		t.Errorf("first event at %v, want whole-second %v", events[0].OccurredAt, base)
	}

	// The since floor is encoded the same way, so a fractional floor still
	// excludes earlier events in the same second.
	tail, err := store.Scan(ctx, base.Add(250*time.Millisecond))
	if err != nil {
		t.Fatalf("Scan since: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("Scan since returned %d events, want 2", len(tail))
	}
}

func TestStoreScan_RoundTripsNullableFields(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	cancelled := UsageEvent{
		SessionID:  "s1",
		AgentType:  AgentCodex,
		OccurredAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		DurationMs: 0,
		Estimated:  true,
		Status:     CycleStatusCancelled,
	}
	if err := store.Append(ctx, cancelled); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := store.Scan(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.OutputTokens != nil {
		t.Errorf("OutputTokens = %v, want nil", *got.OutputTokens)
	}
	if got.TokensPerSecond != nil {
		t.Errorf("TokensPerSecond = %v, want nil", *got.TokensPerSecond)
	}
	if !got.Estimated {
		t.Error("Estimated flag lost")
	}
	if got.Status != CycleStatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestStoreCumulative_OnlyEverGrows(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	deltas := []CumulativeDelta{
		{OutputTokens: 50, ReasoningTokens: 5, CostUSD: 0.01},
		{OutputTokens: 70, ReasoningTokens: 0, CostUSD: 0.02},
		{OutputTokens: 0},
	}

	var prev int64
	for _, delta := range deltas {
		if err := store.AddCumulative(ctx, "s1", "tab-1", delta); err != nil {
			t.Fatalf("AddCumulative: %v", err)
		}
		totals, err := store.Cumulative(ctx, "s1", "tab-1")
		if err != nil {
			t.Fatalf("Cumulative: %v", err)
		}
		if totals.OutputTokens < prev {
			t.Fatalf("counter decreased: %d after %d", totals.OutputTokens, prev)
		}
		prev = totals.OutputTokens
	}

	totals, err := store.Cumulative(ctx, "s1", "tab-1")
	if err != nil {
		t.Fatalf("Cumulative: %v", err)
	}
	if totals.OutputTokens != 120 {
		t.Errorf("OutputTokens = %d, want 120", totals.OutputTokens)
	}
	if totals.ReasoningTokens != 5 {
		t.Errorf("ReasoningTokens = %d, want 5", totals.ReasoningTokens)
	}
	if totals.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", totals.Cycles)
	}

	// Another tab of the same session counts independently.
	other, err := store.Cumulative(ctx, "s1", "tab-2")
	if err != nil {
		t.Fatalf("Cumulative other tab: %v", err)
	}
	if other.OutputTokens != 0 || other.Cycles != 0 {
		t.Errorf("untouched pair reads %+v, want zeros", other)
	}
}

func TestStoreCumulative_RejectsNegativeDelta(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	err = store.AddCumulative(context.Background(), "s1", "tab-1", CumulativeDelta{OutputTokens: -1})
	if err == nil {
		t.Fatal("negative delta accepted, want error")
	}
}

func TestStore_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")
	ctx := context.Background()

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if err := store.Append(ctx, testEvent("s1", AgentClaudeCode, at, 42)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.AddCumulative(ctx, "s1", "tab-1", CumulativeDelta{OutputTokens: 42}); err != nil {
		t.Fatalf("AddCumulative: %v", err)
	}
	store.Close()

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.Scan(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Scan after reopen: %v", err)
	}
	if len(events) != 1 || events[0].OutputTokens == nil || *events[0].OutputTokens != 42 {
		t.Fatalf("event log not durable: %+v", events)
	}

	// Counters are independently durable; nothing replays them from the log.
	totals, err := reopened.Cumulative(ctx, "s1", "tab-1")
	if err != nil {
		t.Fatalf("Cumulative after reopen: %v", err)
	}
	if totals.OutputTokens != 42 {
		t.Errorf("cumulative OutputTokens = %d after reopen, want 42", totals.OutputTokens)
	}
}

func TestStoreStats(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if err := store.Append(ctx, testEvent("s1", AgentClaudeCode, at, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	cancelled := UsageEvent{SessionID: "s2", OccurredAt: at, Estimated: true, Status: CycleStatusCancelled}
	if err := store.Append(ctx, cancelled); err != nil {
		t.Fatalf("Append cancelled: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Events != 2 || stats.Estimated != 1 || stats.Cancelled != 1 {
		t.Errorf("Stats = %+v, want 2 events, 1 estimated, 1 cancelled", stats)
	}
}
