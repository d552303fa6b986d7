package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultAppendRetries = 3
	defaultSpoolAttempts = 5
)

type SessionInfo struct {
	SessionID string    `json:"session_id"`
	AgentType AgentType `json:"agent_type"`
	Name      string    `json:"name,omitempty"`
}

type RuntimeConfig struct {
	Store         *Store
	Spool         *Spool
	Debounce      time.Duration
	AppendRetries int
	SpoolAttempts int
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Runtime is the ingestion facade: the session registry plus one cycle
// accumulator per session with an open cycle.
type Runtime struct {
	mu        sync.Mutex
	sessions  map[string]SessionInfo
	cycles    map[string]*CycleAccumulator
	listeners []SnapshotFunc

	store         *Store
	spool         *Spool
	debounce      time.Duration
	appendRetries int
	spoolAttempts int
	lostEvents    atomic.Int64

	log zerolog.Logger
	now func() time.Time
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = defaultAppendRetries
	}
	if cfg.SpoolAttempts <= 0 {
		cfg.SpoolAttempts = defaultSpoolAttempts
	}
	return &Runtime{
		sessions:      make(map[string]SessionInfo),
		cycles:        make(map[string]*CycleAccumulator),
		store:         cfg.Store,
		spool:         cfg.Spool,
		debounce:      cfg.Debounce,
		appendRetries: cfg.AppendRetries,
		spoolAttempts: cfg.SpoolAttempts,
		log:           cfg.Logger,
		now:           cfg.Now,
	}
}

func (r *Runtime) RegisterSession(info SessionInfo) {
	if info.SessionID == "" {
		return
	}
	if info.AgentType == "" {
		info.AgentType = AgentUnknown
	}
	r.mu.Lock()
	r.sessions[info.SessionID] = info
	r.mu.Unlock()
}

func (r *Runtime) AddSnapshotListener(fn SnapshotFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// BeginCycle opens a cycle for the session. At most one cycle may be open
// per session.
func (r *Runtime) BeginCycle(sessionID, tabID string) error {
	if sessionID == "" {
		return fmt.Errorf("telemetry runtime: begin cycle: missing session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, open := r.cycles[sessionID]; open {
		return fmt.Errorf("telemetry runtime: session %s already has an open cycle", sessionID)
	}

	agentType := AgentUnknown
	if info, ok := r.sessions[sessionID]; ok {
		agentType = info.AgentType
	}
	r.cycles[sessionID] = NewCycleAccumulator(AccumulatorConfig{
		SessionID: sessionID,
		AgentType: agentType,
		TabID:     tabID,
		Debounce:  r.debounce,
		Notify:    r.fanOut,
		Now:       r.now,
	})
	return nil
}

// SubmitChunk feeds one raw output chunk into the session's open cycle.
// Chunks for sessions without an open cycle are dropped.
func (r *Runtime) SubmitChunk(sessionID string, raw []byte) {
	r.mu.Lock()
	acc := r.cycles[sessionID]
	r.mu.Unlock()

	if acc == nil {
		r.log.Debug().Str("session_id", sessionID).Msg("chunk for session without open cycle dropped")
		return
	}
	acc.ApplyChunk(raw)
}

func (r *Runtime) Snapshot(sessionID string) (CycleSnapshot, bool) {
	r.mu.Lock()
	acc := r.cycles[sessionID]
	r.mu.Unlock()

	if acc == nil {
		return CycleSnapshot{}, false
	}
	return acc.Snapshot(), true
}

func (r *Runtime) OpenCycles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.cycles))
	for sessionID := range r.cycles {
		out = append(out, sessionID)
	}
	return out
}

// FinalizeCycle closes the session's open cycle and persists the event with
// bounded retries, parking it in the spool on persistent failure. The
// cumulative counter is updated exactly once here regardless of append
// outcome.
func (r *Runtime) FinalizeCycle(ctx context.Context, sessionID string, result *UsageResult) (UsageEvent, error) {
	r.mu.Lock()
	acc := r.cycles[sessionID]
	delete(r.cycles, sessionID)
	r.mu.Unlock()

	if acc == nil {
		return UsageEvent{}, fmt.Errorf("telemetry runtime: session %s has no open cycle", sessionID)
	}

	event, clockClamped := acc.Finalize(result)
	event.EventID = uuid.NewString()
	if clockClamped {
		r.log.Error().Str("session_id", sessionID).Msg("non-monotonic clock within cycle, duration clamped to zero")
	}

	cumErr := r.applyCumulative(ctx, acc.tabID, event)

	appendErr := r.appendWithRetry(ctx, event)
	if appendErr != nil {
		r.parkInSpool(event, appendErr)
		return event, appendErr
	}
	if cumErr != nil {
		return event, cumErr
	}
	return event, nil
}

func (r *Runtime) CancelCycle(ctx context.Context, sessionID string) (UsageEvent, error) {
	return r.FinalizeCycle(ctx, sessionID, nil)
}

// LostEvents reports how many finalized events could not be persisted even
// through the spool.
func (r *Runtime) LostEvents() int64 {
	return r.lostEvents.Load()
}

func (r *Runtime) fanOut(snap CycleSnapshot) {
	r.mu.Lock()
	listeners := make([]SnapshotFunc, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (r *Runtime) applyCumulative(ctx context.Context, tabID string, event UsageEvent) error {
	if r.store == nil || tabID == "" {
		return nil
	}
	delta := CumulativeDelta{}
	if event.OutputTokens != nil {
		delta.OutputTokens = *event.OutputTokens
	}
	if event.ReasoningTokens != nil {
		delta.ReasoningTokens = *event.ReasoningTokens
	}
	if event.CostUSD != nil {
		delta.CostUSD = *event.CostUSD
	}
	if err := r.store.AddCumulative(ctx, event.SessionID, tabID, delta); err != nil {
		r.log.Error().Err(err).Str("session_id", event.SessionID).Str("tab_id", tabID).Msg("cumulative counter update failed")
		return err
	}
	return nil
}

func (r *Runtime) appendWithRetry(ctx context.Context, event UsageEvent) error {
	if r.store == nil {
		return fmt.Errorf("telemetry runtime: store is not configured")
	}

	var err error
	for attempt := 1; attempt <= r.appendRetries; attempt++ {
		err = r.store.Append(ctx, event)
		if err == nil {
			return nil
		}
		r.log.Warn().Err(err).Str("event_id", event.EventID).Int("attempt", attempt).Msg("usage event append failed")
	}
	return err
}

func (r *Runtime) parkInSpool(event UsageEvent, cause error) {
	if r.spool == nil {
		r.lostEvents.Add(1)
		r.log.Error().Str("event_id", event.EventID).Msg("usage event lost: no spool configured")
		return
	}
	if _, err := r.spool.Append(event, cause.Error()); err != nil {
		r.lostEvents.Add(1)
		r.log.Error().Err(err).Str("event_id", event.EventID).Msg("usage event lost: spool append failed")
	}
}

type SpoolFlushResult struct {
	Flushed int
	Retried int
	Lost    int
}

// FlushSpool retries parked events against the store. Records that exhaust
// their attempt budget are dropped and counted as lost. Counters were
// already updated at finalization, so flushing only appends.
func (r *Runtime) FlushSpool(ctx context.Context, limit int) (SpoolFlushResult, error) {
	if r.spool == nil || r.store == nil {
		return SpoolFlushResult{}, fmt.Errorf("telemetry runtime: store/spool is not configured")
	}

	pending, readErr := r.spool.ReadOldest(limit)
	var result SpoolFlushResult

	for _, item := range pending {
		var event UsageEvent
		if err := json.Unmarshal(item.Record.Payload, &event); err != nil {
			result.Lost++
			r.lostEvents.Add(1)
			r.log.Error().Err(err).Str("spool_id", item.Record.SpoolID).Msg("usage event lost: undecodable spool payload")
			_ = r.spool.Drop(item.Path)
			continue
		}

		if err := r.store.Append(ctx, event); err != nil {
			attempts, markErr := r.spool.MarkFailed(item.Path, err.Error())
			if markErr != nil || attempts >= r.spoolAttempts {
				result.Lost++
				r.lostEvents.Add(1)
				r.log.Error().Err(err).Str("event_id", event.EventID).Int("attempts", attempts).Msg("usage event lost: spool attempt budget exhausted")
				_ = r.spool.Drop(item.Path)
			} else {
				result.Retried++
			}
			continue
		}

		if err := r.spool.Ack(item.Path); err != nil {
			r.log.Warn().Err(err).Str("event_id", event.EventID).Msg("spool ack failed")
		}
		result.Flushed++
	}

	return result, readErr
}
