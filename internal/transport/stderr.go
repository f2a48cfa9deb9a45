package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// drainStderr reads the child's stderr until it closes. Lines that are
// slog JSON records are re-logged at their original level with their
// attributes; anything else is logged at debug.
func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if relogChildLine(logger, line) {
			continue
		}
		logger.Debug("tool host stderr", "line", line)
	}
}

// relogChildLine reports whether line was a structured record.
func relogChildLine(logger *slog.Logger, line string) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return false
	}
	levelRaw, _ := record[slog.LevelKey].(string)
	msg, _ := record[slog.MessageKey].(string)
	if levelRaw == "" || msg == "" {
		return false
	}

	var level slog.Level
	switch {
	case strings.EqualFold(levelRaw, "TRACE"):
		level = slog.Level(-8)
	case level.UnmarshalText([]byte(levelRaw)) != nil:
		level = slog.LevelWarn
	}

	attrs := make([]slog.Attr, 0, len(record))
	for k, v := range record {
		switch k {
		case slog.LevelKey, slog.MessageKey, slog.TimeKey:
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	attrs = append(attrs, slog.String("origin", "toolhost"))
	logger.LogAttrs(context.Background(), level, msg, attrs...)
	return true
}
