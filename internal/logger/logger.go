// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger defines a type for writing to logs and a structured logger
// that is passed through a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for concurrent
// use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Logger bundles a [slog.Logger] with the level variable controlling it.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New returns a new [Logger] writing to w at [slog.LevelInfo].
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Second precision is enough for a batch pipeline.
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Value = slog.StringValue(a.Value.Time().Format(time.DateTime))
				}
				return a
			},
		})),
		Level: level,
	}
}

type ctxKey struct{}

// WithContext returns a new context with the provided logger attached.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the logger attached to ctx, or a default stderr logger if the
// context carries none.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return defaultLogger()
}

var defaultLogger = sync.OnceValue(func() *Logger {
	return New(os.Stderr)
})
