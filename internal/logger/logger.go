// Package logger installs the process-wide slog handler and routes the SIP
// stack's zerolog output through the same compact line format.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var (
	globalLevel  = slog.LevelDebug
	handlerMutex sync.RWMutex
)

// JSONParsingWriter wraps an io.Writer and converts JSON logs to our format
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps base.
func NewJSONParsingWriter(base io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: base}
}

// Write implements io.Writer and parses JSON logs
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	// Check if this is a JSON log line (from sipgo)
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}

	var logEntry map[string]any
	if err := json.Unmarshal(p, &logEntry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := logEntry["level"]; ok {
		level = fmt.Sprint(lv)
	}

	message := "unknown"
	if msg, ok := logEntry["message"]; ok {
		message = fmt.Sprint(msg)
	}

	timestamp := time.Now().Format("15:04:05")
	if t, ok := logEntry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	// Remaining fields in key order so lines are stable
	var keys []string
	for k := range logEntry {
		if k != "level" && k != "message" && k != "time" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, logEntry[k]))
	}

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
	if len(attrs) > 0 {
		formatted += " " + strings.Join(attrs, " ")
	}
	formatted += "\n"

	if _, err := w.base.Write([]byte(formatted)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetLevel sets the global log level for both slog and zerolog
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	globalLevel = level
	handlerMutex.Unlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// lineHandler writes "[15:04:05] [LEVEL] msg k=v" lines to every output.
type lineHandler struct {
	outs []io.Writer
	mu   *sync.Mutex
	// Preformatted attributes from WithAttrs
	prefix string
	group  string
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	handlerMutex.RUnlock()

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(record.Time.Format("15:04:05"))
	sb.WriteString("] [")
	sb.WriteString(strings.ToUpper(record.Level.String()))
	sb.WriteString("] ")
	sb.WriteString(record.Message)
	sb.WriteString(h.prefix)
	record.Attrs(func(a slog.Attr) bool {
		sb.WriteString(formatAttr(h.group, a))
		return true
	})
	sb.WriteString("\n")
	line := []byte(sb.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func formatAttr(group string, a slog.Attr) string {
	if a.Equal(slog.Attr{}) {
		return ""
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		var sb strings.Builder
		for _, ga := range a.Value.Group() {
			sb.WriteString(formatAttr(key, ga))
		}
		return sb.String()
	}
	return " " + key + "=" + a.Value.String()
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.prefix)
	for _, a := range attrs {
		sb.WriteString(formatAttr(h.group, a))
	}
	clone := *h
	clone.prefix = sb.String()
	return &clone
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// Enabled implements slog.Handler
func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// NewHandler returns the line handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &lineHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger initializes the global logger with one or more output writers.
// The zerolog global logger used by the SIP stack writes JSON through a
// JSONParsingWriter so both streams share one format.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))

	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = NewJSONParsingWriter(out)
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zlog.Logger = zerolog.New(io.MultiWriter(wrapped...)).With().Timestamp().Logger()

	handlerMutex.RLock()
	level := globalLevel
	handlerMutex.RUnlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}
