// Package logger holds the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var level = new(slog.LevelVar)

// output lets SetOutput move L while other goroutines are logging.
type output struct {
	w atomic.Pointer[io.Writer]
}

func (o *output) Write(p []byte) (int, error) {
	return (*o.w.Load()).Write(p)
}

func (o *output) set(w io.Writer) { o.w.Store(&w) }

var out = func() *output {
	o := &output{}
	o.set(os.Stdout)
	return o
}()

// L is the shared logger. Swap its destination with SetOutput.
var L = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})).With("service", "workbench")

// SetLevel sets the minimum level (debug, info, warn, error). Unknown names mean info.
func SetLevel(name string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		l = slog.LevelInfo
	}
	level.Set(l)
}

// SetOutput redirects the global logger. The stdio MCP transport owns stdout,
// so it moves logs to stderr. Safe to call while other goroutines log.
func SetOutput(w io.Writer) {
	out.set(w)
}
