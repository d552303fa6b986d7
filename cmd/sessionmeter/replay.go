package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/janekbaraniewski/sessionmeter/internal/config"
	"github.com/janekbaraniewski/sessionmeter/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// transcriptRecord is one line of a replay transcript: a JSONL trace of the
// ingestion calls the supervising application would make.
type transcriptRecord struct {
	Op      string                 `json:"op"` // register | begin | chunk | finalize | cancel
	Session string                 `json:"session"`
	Agent   string                 `json:"agent,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Tab     string                 `json:"tab,omitempty"`
	Data    string                 `json:"data,omitempty"`
	Usage   *telemetry.UsageResult `json:"usage,omitempty"`
}

func NewReplayCommand(cfg config.Config, logger zerolog.Logger) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "replay [transcript.jsonl]",
		Short: "Drive the ingestion pipeline from a JSONL transcript (stdin when no file given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open transcript: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runReplay(cfg, logger, resolveDBPath(cfg, dbPath), in)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "override event store path")
	return cmd
}

func runReplay(cfg config.Config, logger zerolog.Logger, dbPath string, in io.Reader) error {
	store, err := telemetry.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir, err = telemetry.DefaultSpoolDir()
		if err != nil {
			return err
		}
	}

	runtime := telemetry.NewRuntime(telemetry.RuntimeConfig{
		Store:         store,
		Spool:         telemetry.NewSpool(spoolDir),
		Debounce:      time.Duration(cfg.Pipeline.DebounceMs) * time.Millisecond,
		AppendRetries: cfg.Pipeline.AppendRetries,
		SpoolAttempts: cfg.Pipeline.SpoolAttempts,
		Logger:        logger,
	})

	ctx := context.Background()
	var finalized, malformed int

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			malformed++
			continue
		}

		switch rec.Op {
		case "register":
			runtime.RegisterSession(telemetry.SessionInfo{
				SessionID: rec.Session,
				AgentType: telemetry.AgentType(rec.Agent),
				Name:      rec.Name,
			})
		case "begin":
			if err := runtime.BeginCycle(rec.Session, rec.Tab); err != nil {
				logger.Warn().Err(err).Msg("replay: begin cycle")
			}
		case "chunk":
			runtime.SubmitChunk(rec.Session, []byte(rec.Data))
		case "finalize":
			if _, err := runtime.FinalizeCycle(ctx, rec.Session, rec.Usage); err != nil {
				logger.Warn().Err(err).Msg("replay: finalize cycle")
			} else {
				finalized++
			}
		case "cancel":
			if _, err := runtime.CancelCycle(ctx, rec.Session); err != nil {
				logger.Warn().Err(err).Msg("replay: cancel cycle")
			} else {
				finalized++
			}
		default:
			malformed++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	// Close out anything the transcript left open, then retry parked events.
	for _, sessionID := range runtime.OpenCycles() {
		if _, err := runtime.CancelCycle(ctx, sessionID); err == nil {
			finalized++
		}
	}
	flush, flushErr := runtime.FlushSpool(ctx, 0)
	if flushErr != nil {
		logger.Warn().Err(flushErr).Msg("replay: spool flush")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("replayed: %d cycle(s) finalized, %d malformed line(s) skipped\n", finalized, malformed)
	if flush.Flushed > 0 || flush.Retried > 0 || flush.Lost > 0 {
		fmt.Printf("spool: %d flushed, %d still pending, %d lost\n", flush.Flushed, flush.Retried, flush.Lost)
	}
	if lost := runtime.LostEvents(); lost > 0 {
		fmt.Printf("lost events: %d\n", lost)
	}
	fmt.Printf("store: %d event(s), %d estimated, %d cancelled, %d counter row(s)\n",
		stats.Events, stats.Estimated, stats.Cancelled, stats.CounterRows)
	return nil
}
