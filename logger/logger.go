package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Characteristic reads/writes, raw payloads
	DEBUG                 // Decoded protocol messages
	INFO                  // Connections, valve starts/stops
	WARN                  // Recoverable problems (malformed notifications)
	ERROR                 // Failed operations
)

var (
	currentLevel LogLevel  = INFO
	output       io.Writer = os.Stdout
	timestamps             = false
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

// SetOutput redirects log lines (tests point this at a buffer)
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetTimestamps prefixes each line with a wall clock time when enabled
func SetTimestamps(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	timestamps = enabled
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
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// String returns the padded label used in log lines
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
		return "?????"
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	enabled := level >= currentLevel
	w := output
	withTime := timestamps
	mu.RUnlock()
	if !enabled {
		return
	}

	msg := fmt.Sprintf(format, args...)
	stamp := ""
	if withTime {
		stamp = time.Now().Format("15:04:05.000") + " "
	}
	if prefix != "" {
		fmt.Fprintf(w, "%s[%s %s] %s\n", stamp, prefix, level, msg)
	} else {
		fmt.Fprintf(w, "%s[%s] %s\n", stamp, level, msg)
	}
}

// Trace logs a trace message (characteristic level detail)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (decoded protocol messages)
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

	// Raw payloads are usually JSON text already
	if b, ok := v.([]byte); ok && json.Valid(b) {
		var anyValue interface{}
		if err := json.Unmarshal(b, &anyValue); err == nil {
			v = anyValue
		}
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
