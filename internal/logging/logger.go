package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
)

// Event is the structured form of a log line handed to sinks.
type Event struct {
	Time       time.Time
	Level      types.LogLevel
	Label      string
	InstanceID int64
	Instance   string
	Message    string
}

// Sink receives every emitted event. Presentation layers implement it to
// render progress without the core writing to the console.
type Sink interface {
	Event(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Event implements Sink.
func (f SinkFunc) Event(e Event) { f(e) }

// state is shared between a logger and its instance-scoped children.
type state struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	logFile      *os.File
	warningCount int64
	errorCount   int64
	exitFunc     func(int)
	sinks        []Sink
	now          func() time.Time
}

// Logger handles application logging.
type Logger struct {
	st         *state
	instanceID int64
	instance   string
}

// New creates a new logger.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{st: &state{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
		exitFunc:   os.Exit,
		now:        time.Now,
	}}
}

// WithInstance returns a logger that labels every line with the instance.
// Output, level, counters and sinks are shared with the parent.
func (l *Logger) WithInstance(id int64, name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{st: l.st, instanceID: id, instance: name}
}

// SetOutput sets the logger output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if w == nil {
		l.st.output = os.Stdout
		return
	}
	l.st.output = w
}

// AddSink registers a sink that receives every emitted event.
func (l *Logger) AddSink(s Sink) {
	if s == nil {
		return
	}
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	l.st.sinks = append(l.st.sinks, s)
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level types.LogLevel) {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	l.st.level = level
}

// SetExitFunc allows customizing the exit function (useful for tests).
// If fn is nil, it restores os.Exit.
func (l *Logger) SetExitFunc(fn func(int)) {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if fn == nil {
		l.st.exitFunc = os.Exit
		return
	}
	l.st.exitFunc = fn
}

// OpenLogFile mirrors every line (without colors) into logPath.
func (l *Logger) OpenLogFile(logPath string) error {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.logFile != nil {
		l.st.logFile.Close()
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.st.logFile = file
	return nil
}

// CloseLogFile closes the log file.
func (l *Logger) CloseLogFile() error {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.logFile == nil {
		return nil
	}

	err := l.st.logFile.Close()
	l.st.logFile = nil
	return err
}

// GetLogFilePath returns the path of the currently open log file (or "" if none).
func (l *Logger) GetLogFilePath() string {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.logFile == nil {
		return ""
	}
	return l.st.logFile.Name()
}

// UsesColor returns whether color output is enabled.
func (l *Logger) UsesColor() bool {
	return l.st.useColor
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return l.st.level
}

func (l *Logger) log(level types.LogLevel, format string, args ...interface{}) {
	l.logWithLabel(level, "", "", format, args...)
}

func (l *Logger) logWithLabel(level types.LogLevel, label string, colorOverride string, format string, args ...interface{}) {
	if l == nil {
		return
	}
	st := l.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if level > st.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		st.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		st.errorCount++
	}

	now := st.now()
	timestamp := now.Format(st.timeFormat)
	levelStr := level.String()
	if label != "" {
		levelStr = label
	}
	message := fmt.Sprintf(format, args...)
	line := message
	if l.instance != "" {
		line = fmt.Sprintf("[%d:%s] %s", l.instanceID, l.instance, message)
	}

	var colorCode string
	var resetCode string

	if st.useColor {
		resetCode = "\033[0m"
		if colorOverride != "" {
			colorCode = colorOverride
		} else {
			switch level {
			case types.LogLevelDebug:
				colorCode = "\033[36m" // Cyan
			case types.LogLevelInfo:
				colorCode = "\033[32m" // Green
			case types.LogLevelWarning:
				colorCode = "\033[33m" // Yellow
			case types.LogLevelError:
				colorCode = "\033[31m" // Red
			case types.LogLevelCritical:
				colorCode = "\033[1;31m" // Bold Red
			}
		}
	}

	fmt.Fprintf(st.output, "[%s] %s%-8s%s %s\n", timestamp, colorCode, levelStr, resetCode, line)
	if st.logFile != nil {
		fmt.Fprintf(st.logFile, "[%s] %-8s %s\n", timestamp, levelStr, line)
	}

	if len(st.sinks) > 0 {
		ev := Event{
			Time:       now,
			Level:      level,
			Label:      levelStr,
			InstanceID: l.instanceID,
			Instance:   l.instance,
			Message:    message,
		}
		for _, s := range st.sinks {
			s.Event(ev)
		}
	}
}

// HasWarnings returns true if at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return l.st.warningCount > 0
}

// HasErrors returns true if at least one error or critical message was logged.
func (l *Logger) HasErrors() bool {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return l.st.errorCount > 0
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(types.LogLevelDebug, format, args...)
}

// Info writes an informational log
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(types.LogLevelInfo, format, args...)
}

// Phase writes an informational log with PHASE label
func (l *Logger) Phase(format string, args ...interface{}) {
	l.labeled("PHASE", "\033[34m", format, args...)
}

// Step writes an informational log with STEP label (to highlight sequential activities)
func (l *Logger) Step(format string, args ...interface{}) {
	l.labeled("STEP", "\033[34m", format, args...)
}

// Skip writes an informational log with SKIP label (for disabled/ignored elements)
func (l *Logger) Skip(format string, args ...interface{}) {
	l.labeled("SKIP", "\033[35m", format, args...)
}

func (l *Logger) labeled(label, color, format string, args ...interface{}) {
	if l == nil {
		return
	}
	if !l.st.useColor {
		color = ""
	}
	l.logWithLabel(types.LogLevelInfo, label, color, format, args...)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(types.LogLevelWarning, format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(types.LogLevelError, format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(types.LogLevelCritical, format, args...)
}

// Fatal writes a critical log and exits with the specified code
func (l *Logger) Fatal(exitCode types.ExitCode, format string, args ...interface{}) {
	l.Critical(format, args...)
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.exitFunc == nil {
		l.st.exitFunc = os.Exit
	}
	l.st.exitFunc(exitCode.Int())
}

// DebugStart logs a standardized debug start line and returns a function that
// logs the end status (ok/error) with duration.
func (l *Logger) DebugStart(operation string, format string, args ...interface{}) func(error) {
	if l == nil {
		return func(error) {}
	}
	if format != "" {
		l.Debug("Start %s: %s", operation, fmt.Sprintf(format, args...))
	} else {
		l.Debug("Start %s", operation)
	}
	started := time.Now()
	return func(err error) {
		if err != nil {
			l.Debug("End %s (error=%v, duration=%s)", operation, err, time.Since(started))
			return
		}
		l.Debug("End %s (ok, duration=%s)", operation, time.Since(started))
	}
}

// Package-level default logger
var defaultLogger *Logger

func init() {
	defaultLogger = New(types.LogLevelInfo, true)
}

// SetDefaultLogger sets the default logger.
func SetDefaultLogger(logger *Logger) {
	defaultLogger = logger
}

// GetDefaultLogger returns the default logger.
func GetDefaultLogger() *Logger {
	return defaultLogger
}

// Debug writes a debug log using the default logger.
func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

// Info writes an informational log using the default logger
func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

// Warning writes a warning log using the default logger.
func Warning(format string, args ...interface{}) {
	defaultLogger.Warning(format, args...)
}

// Error writes an error log using the default logger.
func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}
