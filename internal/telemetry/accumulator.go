package telemetry

import (
	"sync"
	"time"
)

const defaultSnapshotDebounce = 75 * time.Millisecond

type SnapshotFunc func(CycleSnapshot)

type AccumulatorConfig struct {
	SessionID string
	AgentType AgentType
	TabID     string
	Debounce  time.Duration
	Notify    SnapshotFunc
	Now       func() time.Time
}

// CycleAccumulator owns the in-progress state of exactly one cycle. Bytes sum
// across deltas; token counts replace, and an authoritative UsageResult wins
// over any estimate. Every event is merged immediately, the debounce only
// throttles published snapshots.
type CycleAccumulator struct {
	// notifyMu serializes snapshot deliveries so a racing debounce flush can
	// never land after the final snapshot. Always acquired before mu.
	notifyMu sync.Mutex

	mu sync.Mutex

	sessionID string
	agentType AgentType
	tabID     string
	startedAt time.Time

	bytesObserved int64
	tokens        *int64
	estimated     bool
	authoritative bool
	warningLines  int64
	result        *UsageResult

	debounce   time.Duration
	notify     SnapshotFunc
	timer      *time.Timer
	timerArmed bool
	dirty      bool
	finalized  bool

	now func() time.Time
}

func NewCycleAccumulator(cfg AccumulatorConfig) *CycleAccumulator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultSnapshotDebounce
	}
	if cfg.AgentType == "" {
		cfg.AgentType = AgentUnknown
	}
	return &CycleAccumulator{
		sessionID: cfg.SessionID,
		agentType: cfg.AgentType,
		tabID:     cfg.TabID,
		startedAt: cfg.Now().UTC(),
		debounce:  cfg.Debounce,
		notify:    cfg.Notify,
		now:       cfg.Now,
	}
}

func (a *CycleAccumulator) Apply(ev Event) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case TextDelta:
		a.bytesObserved += e.Bytes
		if !a.authoritative && a.bytesObserved > 0 {
			a.tokens = int64Ptr(EstimateTokens(a.bytesObserved))
			a.estimated = true
		}
	case WarningLine:
		a.warningLines++
	case UsageResult:
		result := e
		a.result = &result
		a.tokens = int64Ptr(result.OutputTokens)
		a.estimated = false
		a.authoritative = true
	}

	a.dirty = true
	a.armFlushLocked()
	a.mu.Unlock()
}

func (a *CycleAccumulator) ApplyChunk(raw []byte) {
	for _, ev := range ParseChunk(raw) {
		a.Apply(ev)
	}
}

// Snapshot returns the current merged state. OutputTokens is nil until the
// first byte arrives.
func (a *CycleAccumulator) Snapshot() CycleSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *CycleAccumulator) snapshotLocked() CycleSnapshot {
	snap := CycleSnapshot{
		SessionID:     a.sessionID,
		AgentType:     a.agentType,
		TabID:         a.tabID,
		StartedAt:     a.startedAt,
		BytesObserved: a.bytesObserved,
		WarningLines:  a.warningLines,
		Estimated:     a.estimated,
		Final:         a.finalized,
	}
	if a.tokens != nil {
		snap.OutputTokens = int64Ptr(*a.tokens)
		elapsed := a.now().UTC().Sub(a.startedAt)
		if elapsed > 0 {
			snap.TokensPerSecond = float64Ptr(float64(*a.tokens) / elapsed.Seconds())
		}
	}
	return snap
}

func (a *CycleAccumulator) armFlushLocked() {
	if a.notify == nil || a.timerArmed {
		return
	}
	a.timerArmed = true
	a.timer = time.AfterFunc(a.debounce, a.flush)
}

func (a *CycleAccumulator) flush() {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	a.timerArmed = false
	if a.finalized || !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	snap := a.snapshotLocked()
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
}

// Finalize closes the cycle and produces its immutable UsageEvent. With no
// result the cycle finalizes as cancelled, keeping any partial data. The bool
// reports a non-monotonic clock forcing the duration to zero.
func (a *CycleAccumulator) Finalize(result *UsageResult) (UsageEvent, bool) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()

	if !a.finalized {
		a.finalized = true
		if a.timer != nil {
			a.timer.Stop()
			a.timerArmed = false
		}
		if result != nil {
			r := *result
			a.result = &r
			a.tokens = int64Ptr(r.OutputTokens)
			a.estimated = false
			a.authoritative = true
		}
	}

	endedAt := a.now().UTC()
	elapsed := endedAt.Sub(a.startedAt)
	clamped := elapsed < 0
	if clamped {
		elapsed = 0
	}
	durationMs := elapsed.Milliseconds()
	if a.result != nil && a.result.DurationMs > 0 {
		durationMs = a.result.DurationMs
	}

	event := UsageEvent{
		SessionID:  a.sessionID,
		AgentType:  a.agentType,
		OccurredAt: endedAt,
		DurationMs: durationMs,
		Estimated:  a.estimated,
		Status:     CycleStatusCancelled,
	}
	if a.authoritative {
		event.Status = CycleStatusOK
	}
	if a.tokens != nil {
		event.OutputTokens = int64Ptr(*a.tokens)
		if durationMs > 0 {
			event.TokensPerSecond = float64Ptr(float64(*a.tokens) / (float64(durationMs) / 1000))
		}
	}
	if a.result != nil {
		event.ReasoningTokens = a.result.ReasoningTokens
		event.CostUSD = a.result.CostUSD
	}

	snap := a.snapshotLocked()
	snap.Final = true
	snap.EndedAt = &endedAt
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return event, clamped
}
