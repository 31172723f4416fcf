package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const logDirEnvVar = "SWITCHBOARD_LOG_DIR"

// Level represents the severity of a log message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Category selects the log file a logger writes to.
type Category string

const (
	CategoryService Category = "service"
	CategoryLatency Category = "latency"
	CategoryProcess Category = "process"
)

// Options configures the process-wide log sinks.
type Options struct {
	// Dir overrides the log directory. Empty falls back to SWITCHBOARD_LOG_DIR,
	// then the user's home directory.
	Dir     string
	Level   Level
	Console bool
	// Disabled turns off file output entirely.
	Disabled bool
}

var (
	currentLevel atomic.Int32
	sinksMu      sync.Mutex
	sinks        = make(map[Category]*sink)
	activeOpts   = Options{Level: LevelInfo}
)

func init() {
	currentLevel.Store(int32(LevelInfo))
}

// Configure replaces the process-wide log sinks. Existing component loggers
// pick up the new sinks on their next write.
func Configure(opts Options) {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	for _, s := range sinks {
		s.close()
	}
	sinks = make(map[Category]*sink)
	activeOpts = opts
	currentLevel.Store(int32(opts.Level))
}

// ParseLevel maps a textual level to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogDirectory returns the directory the file sinks write to.
func LogDirectory() string {
	sinksMu.Lock()
	opts := activeOpts
	sinksMu.Unlock()
	dir, err := resolveLogDirectory(opts.Dir)
	if err != nil {
		return "."
	}
	return dir
}

type sink struct {
	mu      sync.Mutex
	file    *os.File
	logger  *log.Logger
	console io.Writer
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logger != nil {
		s.logger.Print(line)
	}
	if s.console != nil {
		_, _ = io.WriteString(s.console, line)
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
		s.logger = nil
	}
}

func sinkFor(category Category) *sink {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	if s, ok := sinks[category]; ok {
		return s
	}
	s := newSink(category, activeOpts)
	sinks[category] = s
	return s
}

func newSink(category Category, opts Options) *sink {
	s := &sink{}
	if opts.Console {
		s.console = os.Stderr
	}
	if opts.Disabled {
		return s
	}
	logDir, err := resolveLogDirectory(opts.Dir)
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return s
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return s
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName(category)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return s
	}
	s.file = file
	s.logger = log.New(file, "", 0)
	return s
}

func resolveLogDirectory(configured string) (string, error) {
	if dir := strings.TrimSpace(configured); dir != "" {
		return dir, nil
	}
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".switchboard", "logs"), nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryLatency:
		return latencyLogFileName
	case CategoryProcess:
		return processLogFileName
	default:
		return serviceLogFileName
	}
}

// FileLogger writes formatted lines to the sink of its category.
type FileLogger struct {
	component string
	category  Category
	logID     string
}

func newCategorizedLogger(category Category, component string) *FileLogger {
	return &FileLogger{component: component, category: category}
}

// WithLogID returns a copy of the logger that tags every line with logID.
// Run ids are used as log ids so FetchLogBundle can collect a run's lines.
func (l *FileLogger) WithLogID(logID string) *FileLogger {
	if l == nil {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return l
	}
	return &FileLogger{component: l.component, category: l.category, logID: logID}
}

// WithLogID tags logger with logID when it supports log ids.
func WithLogID(logger Logger, logID string) Logger {
	if fl, ok := logger.(*FileLogger); ok && fl != nil {
		return fl.WithLogID(logID)
	}
	return OrNop(logger)
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < Level(currentLevel.Load()) {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-01-02 12:34:56 [INFO] [SERVICE] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "SWITCHBOARD"
	}
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}
	message := fmt.Sprintf(format, args...)

	var logLine string
	if logID := strings.TrimSpace(l.logID); logID != "" {
		logLine = fmt.Sprintf("%s [%s] [%s] [%s] [log_id=%s] %s:%d - %s\n",
			timestamp, levelToString(level), category, component, logID, file, line, message)
	} else {
		logLine = fmt.Sprintf("%s [%s] [%s] [%s] %s:%d - %s\n",
			timestamp, levelToString(level), category, component, file, line, message)
	}
	sinkFor(l.category).write(logLine)
}

// Debug logs a debug message
func (l *FileLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *FileLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *FileLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *FileLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
