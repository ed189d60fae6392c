package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[37m"
)

type PrettyHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
	color  bool
}

type Options struct {
	Level slog.Leveler
	// NoColor disables ANSI escapes, used when writing to a log file.
	NoColor bool
}

func NewPrettyHandler(out io.Writer, opts *Options) *PrettyHandler {
	h := &PrettyHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: slog.LevelInfo,
		color: true,
	}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.color = !opts.NoColor
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	timestamp := r.Time.Format(time.TimeOnly)
	level := h.colorizeLevel(r.Level)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", timestamp, level, r.Message)

	for _, a := range h.attrs {
		h.appendAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.out, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

func (h *PrettyHandler) appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	if h.color {
		fmt.Fprintf(b, " %s%s%s=%v", colorGray, a.Key, colorReset, a.Value.Any())
		return
	}
	fmt.Fprintf(b, " %s=%v", a.Key, a.Value.Any())
}

func (h *PrettyHandler) colorizeLevel(level slog.Level) string {
	var color string
	var name string

	switch level {
	case slog.LevelDebug:
		color = colorBlue
		name = "DEBUG"
	case slog.LevelInfo:
		color = colorGreen
		name = "INFO"
	case slog.LevelWarn:
		color = colorYellow
		name = "WARN"
	case slog.LevelError:
		color = colorRed
		name = "ERROR"
	default:
		color = colorGray
		name = level.String()
	}

	if !h.color {
		return fmt.Sprintf("%-5s", name)
	}
	return fmt.Sprintf("%s%-5s%s", color, name, colorReset)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func NewLogger() *slog.Logger {
	handler := NewPrettyHandler(os.Stdout, nil)
	return slog.New(handler)
}

func New(out io.Writer, level slog.Level, color bool) *slog.Logger {
	return slog.New(NewPrettyHandler(out, &Options{Level: level, NoColor: !color}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(NewPrettyHandler(io.Discard, &Options{Level: slog.LevelError + 1}))
}
