package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	logger.Debug("debug line", F("k", "v"))
	logger.Info("info line")
	logger.Warn("warn line", F("attempt", 3))
	logger.Error("error line")

	out := buf.String()
	for _, want := range []string{
		"level=DEBUG msg=\"debug line\" k=v",
		"level=INFO msg=\"info line\"",
		"level=WARN msg=\"warn line\" attempt=3",
		"level=ERROR msg=\"error line\"",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSetLoggerReplacesAndResets(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	var buf bytes.Buffer
	SetLogger(NewSlogLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	Log().Warn("through global")
	if !strings.Contains(buf.String(), "through global") {
		t.Fatalf("global logger not replaced: %q", buf.String())
	}

	SetLogger(nil)
	// the noop default must absorb every level without output
	Log().Debug("x")
	Log().Info("x")
	Log().Warn("x")
	Log().Error("x")
}
