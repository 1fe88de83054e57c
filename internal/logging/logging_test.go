package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInitJSONCarriesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := initTo(&buf, "api", "json", "info")
	logger.Info("hello", "kind", "FOLLOW")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "api" || line["kind"] != "FOLLOW" {
		t.Fatalf("unexpected attrs: %v", line)
	}
}

func TestInitRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := initTo(&buf, "worker", "text", "warn")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
}
