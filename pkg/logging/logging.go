// pkg/logging/logging.go - Leveled logging for the managed-software agent.
//
// Console output is colorized per level; every message is also appended to
// ManagedSoftwareUpdate.log under the Logs directory and, when structured
// logging is enabled, recorded as a YAML document stream for external
// monitoring tools.

package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the Level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Entry is one structured record in the YAML session log.
type Entry struct {
	Time       string                 `yaml:"time"`
	Level      string                 `yaml:"level"`
	Message    string                 `yaml:"message"`
	PID        int                    `yaml:"pid"`
	Properties map[string]interface{} `yaml:"properties,omitempty"`
}

// Logger writes leveled messages to the console and the log files.
type Logger struct {
	mu       sync.Mutex
	level    Level
	console  bool
	logFile  *os.File
	yamlFile *os.File
}

var (
	instance *Logger
	once     sync.Once
)

var levelColors = map[Level]*color.Color{
	LevelError: color.New(color.FgRed, color.Bold),
	LevelWarn:  color.New(color.FgYellow),
	LevelInfo:  color.New(color.FgWhite),
	LevelDebug: color.New(color.FgCyan),
}

// Init initializes the singleton logger. logDir may be empty for
// console-only logging (tests, dry runs). It must be called before the
// package-level helpers.
func Init(logDir string, level Level, console bool) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logDir, level, console)
	})
	if instance != nil {
		instance.SetLevel(level)
	}
	return initErr
}

func newLogger(logDir string, level Level, console bool) (*Logger, error) {
	l := &Logger{level: level, console: console}
	if logDir == "" {
		return l, nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "ManagedSoftwareUpdate.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	l.logFile = logFile
	yamlFile, err := os.OpenFile(filepath.Join(logDir, "session.yaml"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	l.yamlFile = yamlFile
	return l, nil
}

// Close flushes and closes the log files.
func Close() {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.logFile != nil {
		instance.logFile.Close()
		instance.logFile = nil
	}
	if instance.yamlFile != nil {
		instance.yamlFile.Close()
		instance.yamlFile = nil
	}
}

// SetLevel adjusts the minimum level at runtime (verbosity flags).
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// log formats msg plus alternating key/value pairs and writes it to every
// enabled sink.
func (l *Logger) log(level Level, msg string, keysAndValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	props := pairsToMap(keysAndValues)
	line := msg
	if len(props) > 0 {
		parts := make([]string, 0, len(props))
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			parts = append(parts, fmt.Sprintf("%v=%v", keysAndValues[i], keysAndValues[i+1]))
		}
		line = msg + " " + strings.Join(parts, " ")
	}

	now := time.Now()
	if l.console {
		c := levelColors[level]
		fmt.Fprintf(os.Stderr, "%s %s %s\n",
			now.Format("2006-01-02 15:04:05"), c.Sprintf("%-5s", level.String()), line)
	}
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "%s %s %s\n",
			now.Format("2006-01-02 15:04:05 -0700"), level.String(), line)
	}
	if l.yamlFile != nil {
		entry := Entry{
			Time:       now.Format(time.RFC3339),
			Level:      level.String(),
			Message:    msg,
			PID:        os.Getpid(),
			Properties: props,
		}
		if data, err := yaml.Marshal(entry); err == nil {
			fmt.Fprintf(l.yamlFile, "---\n%s", data)
		}
	}
}

func pairsToMap(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	props := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		props[fmt.Sprintf("%v", keysAndValues[i])] = keysAndValues[i+1]
	}
	return props
}

func get() *Logger {
	once.Do(func() {
		// Fallback for code paths that log before Init (tests).
		instance = &Logger{level: LevelDebug, console: false}
	})
	return instance
}

// Error logs at error level.
func Error(msg string, keysAndValues ...interface{}) {
	get().log(LevelError, msg, keysAndValues...)
}

// Warn logs at warning level.
func Warn(msg string, keysAndValues ...interface{}) {
	get().log(LevelWarn, msg, keysAndValues...)
}

// Info logs at info level.
func Info(msg string, keysAndValues ...interface{}) {
	get().log(LevelInfo, msg, keysAndValues...)
}

// Debug logs at debug level.
func Debug(msg string, keysAndValues ...interface{}) {
	get().log(LevelDebug, msg, keysAndValues...)
}
