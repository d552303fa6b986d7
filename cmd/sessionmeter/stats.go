package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/janekbaraniewski/sessionmeter/internal/config"
	"github.com/janekbaraniewski/sessionmeter/internal/telemetry"
	"github.com/spf13/cobra"
)

func NewStatsCommand(cfg config.Config) *cobra.Command {
	var (
		groupBy string
		since   string
		follow  bool
		dbPath  string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show day-bucketed usage aggregates grouped by session or agent type",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStats(cfg, groupBy, since, follow, dbPath)
		},
	}

	cmd.Flags().StringVar(&groupBy, "group-by", "session", "grouping key: session or agent")
	cmd.Flags().StringVar(&since, "since", "7d", "window start: 7d, 24h, or 2006-01-02 (empty for all)")
	cmd.Flags().BoolVar(&follow, "follow", false, "re-render whenever the event store changes")
	cmd.Flags().StringVar(&dbPath, "db", "", "override event store path")
	return cmd
}

func runStats(cfg config.Config, groupBy, since string, follow bool, dbOverride string) error {
	key, err := parseGroupBy(groupBy)
	if err != nil {
		return err
	}
	sinceTime, err := parseSince(since)
	if err != nil {
		return err
	}

	path := resolveDBPath(cfg, dbOverride)
	store, err := telemetry.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	render := func() error {
		groups, err := telemetry.Aggregate(context.Background(), store, telemetry.AggregateOptions{
			GroupBy: key,
			Since:   sinceTime,
		})
		if err != nil {
			return err
		}
		printAggregates(groups)
		return nil
	}

	if err := render(); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return followStore(path, render)
}

// followStore re-renders whenever the store file (or its WAL sidecars)
// changes, until interrupted.
func followStore(dbPath string, render func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stats follow: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("stats follow: watch %s: %w", filepath.Dir(dbPath), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(event.Name, dbPath) {
				continue
			}
			// Coalesce the burst of WAL writes a single append produces.
			time.Sleep(100 * time.Millisecond)
			drainEvents(watcher)
			fmt.Println()
			if err := render(); err != nil {
				return err
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func drainEvents(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-watcher.Events:
		default:
			return
		}
	}
}

func parseGroupBy(v string) (telemetry.GroupBy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "session":
		return telemetry.GroupBySession, nil
	case "agent", "agent_type", "agenttype":
		return telemetry.GroupByAgentType, nil
	default:
		return "", fmt.Errorf("unknown --group-by value %q (want session or agent)", v)
	}
}

func parseSince(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if strings.HasSuffix(v, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err == nil && days >= 0 {
			return time.Now().AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable --since value %q (want 7d, 24h, or 2006-01-02)", v)
}

func printAggregates(groups map[string][]telemetry.AggregateBucket) {
	if len(groups) == 0 {
		fmt.Println("no usage events in range")
		return
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Printf("%s\n", key)
		for _, bucket := range groups[key] {
			rate := "-"
			if bucket.AvgTokensPerSecond != nil {
				rate = fmt.Sprintf("%.1f tok/s", *bucket.AvgTokensPerSecond)
			}
			fmt.Printf("  %s  cycles=%-4d tokens=%-8d duration=%s  avg=%s\n",
				bucket.Date,
				bucket.Count,
				bucket.TotalOutputTokens,
				(time.Duration(bucket.TotalDurationMs) * time.Millisecond).Round(time.Second),
				rate,
			)
		}
	}
}
