package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields is a map of structured data
type Fields map[string]interface{}

// LogEntry represents a single log entry
type LogEntry struct {
	Level     Level
	Message   string
	Fields    Fields
	Error     error
	Timestamp time.Time
	Caller    string
}

// Formatter is the interface for log formatters
type Formatter interface {
	Format(entry *LogEntry) ([]byte, error)
}

const (
	colorReset      = "\033[0m"
	colorRed        = "\033[31m"
	colorCyan       = "\033[36m"
	colorGray       = "\033[90m"
	colorBoldRed    = "\033[1;31m"
	colorBoldYellow = "\033[1;33m"
	colorBoldCyan   = "\033[1;36m"
	colorBoldGreen  = "\033[1;32m"
)

// ConsoleFormatter renders one human-readable line per entry, fields sorted by key.
type ConsoleFormatter struct {
	colors     bool
	timeFormat string
}

// Format formats a log entry for console output
func (f *ConsoleFormatter) Format(entry *LogEntry) ([]byte, error) {
	var b strings.Builder

	if f.timeFormat != "" {
		f.paint(&b, colorGray, entry.Timestamp.Format(f.timeFormat))
		b.WriteByte(' ')
	}

	b.WriteString(f.level(entry.Level))
	b.WriteByte(' ')

	if entry.Caller != "" {
		f.paint(&b, colorGray, "["+entry.Caller+"]")
		b.WriteByte(' ')
	}

	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := sortedKeys(entry.Fields)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if k == "error" && entry.Error != nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
		}
		if len(parts) > 0 {
			b.WriteByte(' ')
			f.paint(&b, colorCyan, strings.Join(parts, " "))
		}
	}

	if entry.Error != nil {
		b.WriteString("\n")
		f.paint(&b, colorRed, "  ╰─→ error: "+entry.Error.Error())
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func (f *ConsoleFormatter) paint(b *strings.Builder, color, s string) {
	if !f.colors {
		b.WriteString(s)
		return
	}
	b.WriteString(color)
	b.WriteString(s)
	b.WriteString(colorReset)
}

func (f *ConsoleFormatter) level(level Level) string {
	label := fmt.Sprintf("[%-5s]", level.String())
	if !f.colors {
		return label
	}
	switch level {
	case LevelDebug:
		return colorBoldCyan + label + colorReset
	case LevelInfo:
		return colorBoldGreen + label + colorReset
	case LevelWarn:
		return colorBoldYellow + label + colorReset
	case LevelError, LevelFatal:
		return colorBoldRed + label + colorReset
	default:
		return colorGray + label + colorReset
	}
}

// JSONFormatter writes one JSON object per line.
type JSONFormatter struct{}

// Format formats a log entry as JSON
func (f *JSONFormatter) Format(entry *LogEntry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		data[k] = v
	}

	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	data["timestamp"] = entry.Timestamp.Format(time.RFC3339Nano)
	if entry.Caller != "" {
		data["caller"] = entry.Caller
	}
	if entry.Error != nil {
		data["error"] = entry.Error.Error()
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
