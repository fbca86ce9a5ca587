package logging

import (
	"bytes"
	"strings"
	"testing"

	"cortex/internal/observability"
)

type recorder struct {
	lines []string
}

func (r *recorder) Debug(format string, args ...any) { r.lines = append(r.lines, "D"+format) }
func (r *recorder) Info(format string, args ...any)  { r.lines = append(r.lines, "I"+format) }
func (r *recorder) Warn(format string, args ...any)  { r.lines = append(r.lines, "W"+format) }
func (r *recorder) Error(format string, args ...any) { r.lines = append(r.lines, "E"+format) }

func TestOrNopHandlesTypedNil(t *testing.T) {
	var typed *recorder
	logger := OrNop(typed)
	// Must not panic on a nil pointer inside a non-nil interface.
	logger.Info("hello")

	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
	rec := &recorder{}
	if OrNop(rec) != Logger(rec) {
		t.Fatal("OrNop must pass a real logger through")
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	logger := Multi(a, nil, b)
	logger.Warn("spawn failed")

	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("fan-out incomplete: %v / %v", a.lines, b.lines)
	}
}

func TestMultiFlattensAndCollapses(t *testing.T) {
	rec := &recorder{}
	if Multi(rec) != Logger(rec) {
		t.Fatal("single logger should pass through unchanged")
	}
	nested := Multi(Multi(rec), rec)
	nested.Info("x")
	if len(rec.lines) != 2 {
		t.Fatalf("nested fan-out delivered %d lines, want 2", len(rec.lines))
	}
	Multi().Debug("discarded")
}

func TestFromObservabilityFormats(t *testing.T) {
	// A nil structured logger degrades to a no-op.
	FromObservability(nil, "pool").Info("w%d", 1)

	var buf bytes.Buffer
	obs := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json", Output: &buf})
	FromObservability(obs, "pool").Warn("worker %s died", "w1")

	out := buf.String()
	if !strings.Contains(out, "worker w1 died") {
		t.Fatalf("printf formatting lost: %s", out)
	}
	if !strings.Contains(out, `"component":"pool"`) {
		t.Fatalf("component field missing: %s", out)
	}
}
