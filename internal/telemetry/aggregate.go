package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

type GroupBy string

const (
	GroupBySession   GroupBy = "session"
	GroupByAgentType GroupBy = "agent_type"
)

// AggregateBucket is one calendar-day rollup for one group key.
type AggregateBucket struct {
	Date              string `json:"date"` // 2006-01-02 in the query location
	Count             int64  `json:"count"`
	TotalDurationMs   int64  `json:"total_duration_ms"`
	TotalOutputTokens int64  `json:"total_output_tokens"`
	// nil when no event in the bucket carries a rate.
	AvgTokensPerSecond *float64 `json:"avg_tokens_per_second,omitempty"`
}

type AggregateOptions struct {
	GroupBy  GroupBy
	Since    time.Time
	Location *time.Location // defaults to time.Local
}

// Aggregate scans the event log and rolls events up into day buckets per
// group key. An empty range yields empty groups, never an error.
func Aggregate(ctx context.Context, store *Store, opts AggregateOptions) (map[string][]AggregateBucket, error) {
	if opts.GroupBy != GroupBySession && opts.GroupBy != GroupByAgentType {
		return nil, fmt.Errorf("telemetry: aggregate: unknown group key %q", opts.GroupBy)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	events, err := store.Scan(ctx, opts.Since)
	if err != nil {
		return nil, err
	}

	keyFn := func(event UsageEvent) string {
		if opts.GroupBy == GroupByAgentType {
			return string(event.AgentType)
		}
		return event.SessionID
	}

	out := make(map[string][]AggregateBucket)
	for key, group := range lo.GroupBy(events, keyFn) {
		byDay := lo.GroupBy(group, func(event UsageEvent) string {
			return event.OccurredAt.In(loc).Format("2006-01-02")
		})

		buckets := make([]AggregateBucket, 0, len(byDay))
		for day, dayEvents := range byDay {
			buckets = append(buckets, buildBucket(day, dayEvents))
		}
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].Date < buckets[j].Date })
		out[key] = buckets
	}
	return out, nil
}

func buildBucket(day string, events []UsageEvent) AggregateBucket {
	bucket := AggregateBucket{
		Date:  day,
		Count: int64(len(events)),
		TotalDurationMs: lo.SumBy(events, func(event UsageEvent) int64 {
			return event.DurationMs
		}),
		TotalOutputTokens: lo.SumBy(events, func(event UsageEvent) int64 {
			if event.OutputTokens == nil {
				return 0
			}
			return *event.OutputTokens
		}),
	}

	rates := lo.FilterMap(events, func(event UsageEvent, _ int) (float64, bool) {
		if event.TokensPerSecond == nil {
			return 0, false
		}
		return *event.TokensPerSecond, true
	})
	if len(rates) > 0 {
		bucket.AvgTokensPerSecond = float64Ptr(lo.Sum(rates) / float64(len(rates)))
	}
	return bucket
}
