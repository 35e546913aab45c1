package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expect)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Setup("error", "console")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", zerolog.GlobalLevel())
	}
	if Log == nil {
		t.Fatal("expected Log to be initialized")
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Info("row done", "row", 7, "prompt", "hi", "orphan")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "row done" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["row"] != float64(7) {
		t.Errorf("unexpected row field: %v", entry["row"])
	}
	if _, ok := entry["orphan"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestErrorValueAttached(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Error("generation failed", "error", errors.New("device lost"))
	if !strings.Contains(buf.String(), `"error":"device lost"`) {
		t.Errorf("error not attached: %s", buf.String())
	}
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.With("component", "runner", 3, "x").Warn("flush")
	out := buf.String()
	if !strings.Contains(out, `"component":"runner"`) {
		t.Errorf("component missing: %s", out)
	}
	if !strings.Contains(out, `"3":"x"`) {
		t.Errorf("non-string key not converted: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Debug("hidden")
	Log.Info("hidden")
	Log.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected filtered output, got %s", buf.String())
	}
	Log.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("error level should pass the filter")
	}
}
