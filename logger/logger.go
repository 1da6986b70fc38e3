package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Transport callbacks, request/response plumbing
	DEBUG                 // Protocol messages (PB JSON), state transitions
	INFO                  // Session lifecycle events
	WARN                  // Rejected requests, inconsistencies
	ERROR                 // Failures
)

var (
	currentLevel LogLevel  = DEBUG
	output       io.Writer = os.Stdout
	fileSink     *lumberjack.Logger
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("L%d", int(l))
	}
}

// SetOutput redirects log lines. Passing nil restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// FileSink configures a rotating log file written alongside stdout.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// EnableFileSink tees all log output into a size-rotated file.
func EnableFileSink(sink FileSink) error {
	if sink.Path == "" {
		return fmt.Errorf("logger: empty log file path")
	}
	if err := os.MkdirAll(filepath.Dir(sink.Path), 0o755); err != nil {
		return fmt.Errorf("logger: create log dir: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
		MaxAge:     sink.MaxAgeDays,
		Compress:   sink.Compress,
	}

	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		fileSink.Close()
	}
	fileSink = w
	output = io.MultiWriter(os.Stdout, w)
	return nil
}

// Close flushes and closes the file sink, if any, and restores stdout.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	output = os.Stdout
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	enabled := level >= currentLevel
	w := output
	mu.RUnlock()
	if !enabled {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		fmt.Fprintf(w, "[%s %s] %s\n", prefix, level, msg)
	} else {
		fmt.Fprintf(w, "[%s] %s\n", level, msg)
	}
}

// Trace logs a trace message (transport callbacks, request plumbing)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (protocol messages, state transitions)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		// protojson knows the proto field names, including for dynamic messages
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
