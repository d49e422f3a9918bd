package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Output formats accepted by Setup.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatCloud   = "cloud"
)

// Setup installs the process-wide provider for the given level and format.
// console is zerolog's human-readable writer, json is zerolog JSON lines and
// cloud is slog JSON in the Cloud Logging format with stack traces extracted
// from cockroachdb errors.
func Setup(w io.Writer, loglevel, format string) error {
	level, err := ParseLevel(loglevel)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case FormatConsole, "":
		SetProvider(NewConsoleProvider(w, level))
	case FormatJSON:
		SetProvider(NewZerologProvider(w, level))
	case FormatCloud:
		SetProvider(NewSlogProvider(w, level))
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
	return nil
}

// cloudHandler emits JSON in the Cloud Logging format.
func cloudHandler(w io.Writer, level slog.Leveler) slog.Handler {
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		// Replace attributes to convert to CloudLogging format.
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr = slog.Attr{
					Key:   "severity",
					Value: attr.Value,
				}
			case slog.MessageKey:
				attr = slog.Attr{
					Key:   "message",
					Value: attr.Value,
				}
			case slog.SourceKey:
				attr = slog.Attr{
					Key:   "logging.googleapis.com/sourceLocation",
					Value: attr.Value,
				}
			}
			return attr
		},
	}
	return WrapByErrFmtHandler(slog.NewJSONHandler(w, &ops))
}

// ParseLevel converts a level name (debug, info, warn, error) to a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}
