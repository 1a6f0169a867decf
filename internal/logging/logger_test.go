package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
)

func newBufferLogger(level types.LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New(level, false)
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestLogLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(types.LogLevelWarning)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warning("warning message")
	logger.Error("error message")
	logger.Critical("critical message")

	output := buf.String()
	for _, hidden := range []string{"debug message", "info message"} {
		if strings.Contains(output, hidden) {
			t.Errorf("%q should not appear when level is WARNING", hidden)
		}
	}
	for _, shown := range []string{"warning message", "error message", "critical message"} {
		if !strings.Contains(output, shown) {
			t.Errorf("%q should appear", shown)
		}
	}
}

func TestLineFormat(t *testing.T) {
	logger, buf := newBufferLogger(types.LogLevelInfo)
	logger.st.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }

	logger.Info("backup of %s done", "site")

	want := "[2024-03-01 10:00:00] INFO     backup of site done\n"
	if got := buf.String(); got != want {
		t.Fatalf("line = %q; want %q", got, want)
	}
}

func TestLabeledLevels(t *testing.T) {
	tests := []struct {
		name  string
		emit  func(*Logger)
		label string
	}{
		{"phase", func(l *Logger) { l.Phase("x") }, "PHASE"},
		{"step", func(l *Logger) { l.Step("x") }, "STEP"},
		{"skip", func(l *Logger) { l.Skip("x") }, "SKIP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(types.LogLevelInfo)
			tt.emit(logger)
			if !strings.Contains(buf.String(), tt.label) {
				t.Fatalf("expected label %s in %q", tt.label, buf.String())
			}
		})
	}
}

func TestColorOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&buf)

	logger.Warning("careful")
	if !strings.Contains(buf.String(), "\033[33m") {
		t.Fatalf("expected yellow escape in %q", buf.String())
	}

	buf.Reset()
	plain, pbuf := newBufferLogger(types.LogLevelInfo)
	plain.Warning("careful")
	if strings.Contains(pbuf.String(), "\033[") {
		t.Fatalf("unexpected escape codes in %q", pbuf.String())
	}
}

func TestWithInstanceSharesState(t *testing.T) {
	logger, buf := newBufferLogger(types.LogLevelInfo)
	child := logger.WithInstance(7, "shop")

	child.Warning("disk almost full")

	if !strings.Contains(buf.String(), "[7:shop] disk almost full") {
		t.Fatalf("missing instance prefix in %q", buf.String())
	}
	if !logger.HasWarnings() {
		t.Fatal("warning on child should be counted on parent")
	}
	if logger.HasErrors() {
		t.Fatal("no errors were logged")
	}

	logger.SetLevel(types.LogLevelError)
	buf.Reset()
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("child should follow parent level, got %q", buf.String())
	}
}

func TestSinkReceivesEvents(t *testing.T) {
	logger, _ := newBufferLogger(types.LogLevelDebug)
	var events []Event
	logger.AddSink(SinkFunc(func(e Event) { events = append(events, e) }))
	logger.AddSink(nil)

	logger.WithInstance(3, "blog").Step("locking")
	logger.Debug("plain")

	if len(events) != 2 {
		t.Fatalf("events = %d; want 2", len(events))
	}
	if events[0].InstanceID != 3 || events[0].Instance != "blog" || events[0].Label != "STEP" || events[0].Message != "locking" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].InstanceID != 0 || events[1].Level != types.LogLevelDebug {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestOpenAndCloseLogFile(t *testing.T) {
	logger, _ := newBufferLogger(types.LogLevelInfo)
	path := filepath.Join(t.TempDir(), "run.log")

	if err := logger.OpenLogFile(path); err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if logger.GetLogFilePath() != path {
		t.Fatalf("GetLogFilePath = %q; want %q", logger.GetLogFilePath(), path)
	}
	logger.Info("to file")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile: %v", err)
	}
	if logger.GetLogFilePath() != "" {
		t.Fatal("expected empty path after close")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file missing line: %q", data)
	}
}

func TestOpenLogFileInvalidPath(t *testing.T) {
	logger, _ := newBufferLogger(types.LogLevelInfo)
	if err := logger.OpenLogFile(filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	logger, buf := newBufferLogger(types.LogLevelInfo)
	code := -1
	logger.SetExitFunc(func(c int) { code = c })

	logger.Fatal(types.ExitLockError, "locked")

	if code != types.ExitLockError.Int() {
		t.Fatalf("exit code = %d; want %d", code, types.ExitLockError.Int())
	}
	if !strings.Contains(buf.String(), "locked") {
		t.Fatal("fatal message not written")
	}
}

func TestDebugStart(t *testing.T) {
	logger, buf := newBufferLogger(types.LogLevelDebug)
	done := logger.DebugStart("backup", "instance=%d", 4)
	done(errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "Start backup: instance=4") {
		t.Fatalf("missing start line: %q", out)
	}
	if !strings.Contains(out, "End backup (error=boom") {
		t.Fatalf("missing end line: %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored")
	logger.Step("ignored")
	logger.DebugStart("op", "")(nil)
	if logger.WithInstance(1, "x") != nil {
		t.Fatal("child of nil logger should be nil")
	}
}

func TestDefaultLogger(t *testing.T) {
	orig := GetDefaultLogger()
	defer SetDefaultLogger(orig)

	logger, buf := newBufferLogger(types.LogLevelInfo)
	SetDefaultLogger(logger)
	Info("hello %d", 1)
	Warning("warn")
	Error("err")
	Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "hello 1") || !strings.Contains(out, "warn") || !strings.Contains(out, "err") {
		t.Fatalf("package-level functions did not write: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("debug should be filtered")
	}
}
