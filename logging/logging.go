//Package logging adapts key-value logging onto zerolog.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

//Logger key-value logger backed by zerolog.
//Records are Log("level", "info", "msg", "text", "key", value, ...), level defaults to info.
type Logger struct {
	Z zerolog.Logger
}

//New create logger writing to w. level is a zerolog level name, format is FormatJSON or FormatConsole.
func New(w io.Writer, level, format string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case FormatJSON, "":
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return &Logger{Z: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}, nil
}

func (l *Logger) Log(keyvals ...interface{}) error {
	lvl, msg := zerolog.InfoLevel, ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		switch keyvals[i] {
		case "level":
			if s, ok := keyvals[i+1].(string); ok {
				if parsed, err := zerolog.ParseLevel(s); err == nil && parsed != zerolog.NoLevel {
					lvl = parsed
				}
			}
		case "msg":
			msg = fmt.Sprint(keyvals[i+1])
		}
	}

	e := l.Z.WithLevel(lvl)
	if e == nil {
		return nil
	}

	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == "level" || key == "msg" {
			continue
		}

		if i+1 >= len(keyvals) {
			e.Str(key, "(MISSING)")
			break
		}

		switch v := keyvals[i+1].(type) {
		case error:
			e.AnErr(key, v)
		case string:
			e.Str(key, v)
		case fmt.Stringer:
			e.Stringer(key, v)
		default:
			e.Interface(key, v)
		}
	}

	e.Msg(msg)
	return nil
}
