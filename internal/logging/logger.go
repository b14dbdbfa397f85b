// Package logging builds the slog logger and adapts it to gestalt.Logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agentstation/gestalt"
)

// New creates a logger writing to w in the given format ("text" or "json").
// The "error" key is renamed to "err".
func New(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewNop returns a no-op logger.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// Adapter implements gestalt.Logger on top of slog. Run metadata found in
// the context is added to every record.
type Adapter struct {
	logger *slog.Logger
}

var _ gestalt.Logger = (*Adapter)(nil)

// NewAdapter wraps logger.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = NewNop()
	}
	return &Adapter{logger: logger}
}

// Slog returns the wrapped logger.
func (a *Adapter) Slog() *slog.Logger { return a.logger }

func (a *Adapter) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	a.log(ctx, slog.LevelDebug, msg, keysAndValues)
}

func (a *Adapter) Info(ctx context.Context, msg string, keysAndValues ...any) {
	a.log(ctx, slog.LevelInfo, msg, keysAndValues)
}

func (a *Adapter) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	a.log(ctx, slog.LevelWarn, msg, keysAndValues)
}

func (a *Adapter) Error(ctx context.Context, msg string, keysAndValues ...any) {
	a.log(ctx, slog.LevelError, msg, keysAndValues)
}

func (a *Adapter) log(ctx context.Context, level slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.Log(ctx, level, msg, append(contextAttrs(ctx, kv), kv...)...)
}

// contextAttrs returns the run metadata of ctx that kv does not already
// carry.
func contextAttrs(ctx context.Context, kv []any) []any {
	var attrs []any
	if v, ok := gestalt.GraphName(ctx); ok {
		attrs = append(attrs, "graph", v)
	}
	if v, ok := gestalt.NodeName(ctx); ok && !hasKey(kv, "node") {
		attrs = append(attrs, "node", v)
	}
	if v, ok := gestalt.RunID(ctx); ok {
		attrs = append(attrs, "run_id", v)
	}
	if v, ok := gestalt.ResumptionKey(ctx); ok {
		attrs = append(attrs, "resumption_key", v)
	}
	return attrs
}

func hasKey(kv []any, key string) bool {
	for i := 0; i < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return true
		}
	}
	return false
}
