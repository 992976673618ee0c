package logsink

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/config"
)

func waitForFileContent(t *testing.T, path string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil && len(b) > 0 {
			return string(b)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for content in %s", path)
	return ""
}

func TestSink_WritesBracketedLineToFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 1700000000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	logger := slog.New(sink.Handler(slog.LevelDebug)).With("worker", "fetcher")
	logger.Info("polling for pull requests")

	content := waitForFileContent(t, sink.Path(), time.Second)
	if !strings.Contains(content, "::fetcher::") {
		t.Errorf("log line missing worker name, got %q", content)
	}
	if !strings.Contains(content, "::INFO]") {
		t.Errorf("log line missing level, got %q", content)
	}
	if !strings.Contains(content, "polling for pull requests") {
		t.Errorf("log line missing message, got %q", content)
	}
}

func TestSink_PathIncludesEpoch(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 42)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	if !strings.HasSuffix(sink.Path(), "42.ci.log") {
		t.Errorf("Path() = %q, want suffix 42.ci.log", sink.Path())
	}
}

func TestSink_EnabledFiltersBelowMinLevel(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	h := sink.Handler(slog.LevelWarn)
	if h.Enabled(nil, slog.LevelInfo) {
		t.Error("Enabled(Info) = true, want false when minLevel is Warn")
	}
	if !h.Enabled(nil, slog.LevelError) {
		t.Error("Enabled(Error) = false, want true when minLevel is Warn")
	}
}

func TestLevelName(t *testing.T) {
	cases := map[slog.Level]string{
		config.LevelTrace: "TRACE",
		slog.LevelDebug:   "DEBUG",
		slog.LevelInfo:    "INFO",
		slog.LevelWarn:    "WARN",
		slog.LevelError:   "ERROR",
		config.LevelFatal: "FATAL",
	}
	for level, want := range cases {
		if got := levelName(level); got != want {
			t.Errorf("levelName(%v) = %q, want %q", level, got, want)
		}
	}
}
