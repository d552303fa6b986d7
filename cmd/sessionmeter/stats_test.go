package main

import (
	"testing"
	"time"

	"github.com/janekbaraniewski/sessionmeter/internal/telemetry"
)

func TestParseGroupBy(t *testing.T) {
	cases := []struct {
		in      string
		want    telemetry.GroupBy
		wantErr bool
	}{
		{"session", telemetry.GroupBySession, false},
		{"agent", telemetry.GroupByAgentType, false},
		{"agent_type", telemetry.GroupByAgentType, false},
		{" Session ", telemetry.GroupBySession, false},
		{"tab", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		got, err := parseGroupBy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseGroupBy(%q) accepted, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseGroupBy(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseGroupBy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Now()

	got, err := parseSince("7d")
	if err != nil {
		t.Fatalf("parseSince(7d): %v", err)
	}
	want := now.AddDate(0, 0, -7)
	if diff := got.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("parseSince(7d) = %v, want about %v", got, want)
	}

	got, err = parseSince("24h")
	if err != nil {
		t.Fatalf("parseSince(24h): %v", err)
	}
	want = now.Add(-24 * time.Hour)
	if diff := got.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("parseSince(24h) = %v, want about %v", got, want)
	}

	got, err = parseSince("2026-08-01")
	if err != nil {
		t.Fatalf("parseSince(date): %v", err)
	}
	if got.Year() != 2026 || got.Month() != 8 || got.Day() != 1 {
		t.Errorf("parseSince(date) = %v", got)
	}

	if got, err = parseSince(""); err != nil || !got.IsZero() {
		t.Errorf("parseSince(empty) = %v, %v; want zero time", got, err)
	}

	if _, err = parseSince("next tuesday"); err == nil {
		t.Error("parseSince accepted garbage")
	}
}
