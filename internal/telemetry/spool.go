package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Spool is a file-backed holding area for finalized usage events whose store
// append failed. One file per event, named so a sorted glob yields oldest
// first.
type Spool struct {
	dir string
}

type SpoolRecord struct {
	SpoolID   string          `json:"spool_id"`
	CreatedAt time.Time       `json:"created_at"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
}

type PendingRecord struct {
	Path   string
	Record SpoolRecord
}

func NewSpool(dir string) *Spool {
	return &Spool{dir: dir}
}

func DefaultSpoolDir() (string, error) {
	if base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); base != "" {
		return filepath.Join(base, "sessionmeter", "event-spool"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("telemetry spool: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "sessionmeter", "event-spool"), nil
}

func (s *Spool) Append(event UsageEvent, lastError string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("telemetry spool: create dir: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("telemetry spool: marshal event: %w", err)
	}
	rec := SpoolRecord{
		SpoolID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		SessionID: event.SessionID,
		Payload:   payload,
		Attempt:   1,
		LastError: lastError,
	}

	name := fmt.Sprintf("%019d_%s.jsonl", rec.CreatedAt.UnixNano(), sanitizeFileComponent(rec.SpoolID))
	path := filepath.Join(s.dir, name)
	return path, writeSpoolFile(path, rec)
}

// ReadOldest returns up to limit pending records, oldest first. limit <= 0
// means no cap. Malformed files are skipped and reported via the error.
func (s *Spool) ReadOldest(limit int) ([]PendingRecord, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("telemetry spool: glob files: %w", err)
	}
	sort.Strings(files)

	records := make([]PendingRecord, 0, len(files))
	malformed := 0
	for _, path := range files {
		if limit > 0 && len(records) >= limit {
			break
		}
		rec, ok := readSpoolFile(path)
		if !ok {
			malformed++
			continue
		}
		records = append(records, PendingRecord{Path: path, Record: rec})
	}

	if malformed > 0 {
		return records, fmt.Errorf("telemetry spool: skipped %d malformed file(s)", malformed)
	}
	return records, nil
}

func (s *Spool) Ack(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("telemetry spool: ack remove %s: %w", path, err)
	}
	return nil
}

// MarkFailed records another failed attempt and returns the updated attempt
// count.
func (s *Spool) MarkFailed(path, lastError string) (int, error) {
	rec, ok := readSpoolFile(path)
	if !ok {
		return 0, fmt.Errorf("telemetry spool: read %s for mark failed", path)
	}
	rec.Attempt++
	rec.LastError = lastError
	return rec.Attempt, writeSpoolFile(path, rec)
}

// Drop discards a record permanently; the caller counts the loss.
func (s *Spool) Drop(path string) error {
	return s.Ack(path)
}

func readSpoolFile(path string) (SpoolRecord, bool) {
	f, err := os.Open(path)
	if err != nil {
		return SpoolRecord{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return SpoolRecord{}, false
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return SpoolRecord{}, false
	}

	var rec SpoolRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return SpoolRecord{}, false
	}
	if rec.SpoolID == "" || len(rec.Payload) == 0 {
		return SpoolRecord{}, false
	}
	return rec, true
}

func writeSpoolFile(path string, rec SpoolRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry spool: marshal record: %w", err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("telemetry spool: write tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("telemetry spool: rename tmp file: %w", err)
	}
	return nil
}

func sanitizeFileComponent(v string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		" ", "_",
	)
	return replacer.Replace(v)
}
