// logutil.go - slog-Setup fuer die CLI
// Hauptfunktionen: NewLogger, Trace
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace liegt unterhalb von Debug und wird mit DELTA_DEBUG=2 aktiviert
const LevelTrace slog.Level = -8

// NewLogger - Erstellt einen Text-Logger mit kurzem Quelldatei-Namen
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Trace - Loggt auf TRACE-Level ueber den Default-Logger. Als Quelle wird der Aufrufer gemeldet.
func Trace(msg string, args ...any) {
	ctx := context.TODO()
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(ctx, r)
}
