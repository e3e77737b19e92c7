package sysutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		SetLogLevel(tc.in)
		if got := zerolog.GlobalLevel(); got != tc.want {
			t.Fatalf("SetLogLevel(%q) -> %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(&buf, false)
	lg.Info().Str("conn_id", "c1").Msg("accepted")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if got["conn_id"] != "c1" || got["message"] != "accepted" || got["level"] != "info" {
		t.Fatalf("unexpected fields: %v", got)
	}
	if _, ok := got["time"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(&buf, true)
	lg.Warn().Msg("slow client")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Fatalf("pretty output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "slow client") {
		t.Fatalf("message missing: %q", out)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty() = %q", got)
	}
	if got := FirstNonEmpty(" ", "\t"); got != "" {
		t.Fatalf("blank values should be skipped, got %q", got)
	}
	if got := FirstNonEmpty("", "flag", "env"); got != "flag" {
		t.Fatalf("FirstNonEmpty = %q, want flag", got)
	}
}
