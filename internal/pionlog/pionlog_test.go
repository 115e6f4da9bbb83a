package pionlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestFactory_ScopesAndLevels(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log := NewFactory(base).NewLogger("hub")
	log.Tracef("hidden %d", 1)
	log.Debugf("peer %s registered", "alice")
	log.Warn("evicted")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("trace output leaked at debug level: %s", out)
	}
	if !strings.Contains(out, "peer alice registered") || !strings.Contains(out, "scope=hub") {
		t.Fatalf("missing debug line: %s", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("missing warn line: %s", out)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatalf("OrDefault(nil) returned nil")
	}
	f := NewFactory(nil)
	if OrDefault(f) != f {
		t.Fatalf("OrDefault replaced a non-nil factory")
	}
}
