// Package logging configures structured logging for the IPA core.
//
// Every subsystem logs through a *slog.Logger obtained from For, which tags
// records with a component attribute. Level and format are process-wide and
// may be changed at any time; loggers handed out earlier follow the change.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// IPA core component identifiers.
const (
	ComponentHAL      Component = "hal"
	ComponentEndpoint Component = "endpoint"
	ComponentRecv     Component = "recv"
	ComponentSend     Component = "send"
	ComponentNIC      Component = "nic"
	ComponentRM       Component = "rm"
	ComponentPower    Component = "power"
	ComponentSched    Component = "sched"
	ComponentDevice   Component = "device"
	ComponentCLI      Component = "cli"
)

// Format specifies the output format for logging.
type Format int

// Log format options.
const (
	FormatText Format = iota
	FormatJSON
)

var (
	level = new(slog.LevelVar)

	mu      sync.RWMutex
	handler slog.Handler
)

func init() {
	level.Set(slog.LevelWarn)
	handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

// SetLevel sets the minimum level for all IPA logging.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat accepts text and json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unknown log format %q", s)
}

// SetOutput redirects logging to w using the given format and the shared level.
func SetOutput(w io.Writer, format Format) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	SetHandler(h)
}

// SetHandler replaces the backing handler.
func SetHandler(h slog.Handler) {
	mu.Lock()
	defer mu.Unlock()
	handler = h
}

func current() slog.Handler {
	mu.RLock()
	defer mu.RUnlock()
	return handler
}

// For returns a logger tagged with the component.
func For(c Component) *slog.Logger {
	return slog.New(&forwarder{}).With("component", string(c))
}

// forwarder resolves the process handler on every record so loggers created
// before SetOutput pick up the new destination.
type forwarder struct {
	ops []func(slog.Handler) slog.Handler
}

func (f *forwarder) resolve() slog.Handler {
	h := current()
	for _, op := range f.ops {
		h = op(h)
	}
	return h
}

func (f *forwarder) with(op func(slog.Handler) slog.Handler) *forwarder {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(f.ops)+1)
	return &forwarder{ops: append(append(ops, f.ops...), op)}
}

func (f *forwarder) Enabled(ctx context.Context, l slog.Level) bool {
	return current().Enabled(ctx, l)
}

func (f *forwarder) Handle(ctx context.Context, r slog.Record) error {
	return f.resolve().Handle(ctx, r)
}

func (f *forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *forwarder) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}
