package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/exp/slog"
)

const (
	colorDefault = "\x1b[0m"
	colorRed     = "\x1b[1;31m"
	colorGreen   = "\x1b[1;32m"
	colorYellow  = "\x1b[1;33m"
	colorBlue    = "\x1b[1;34m"
	colorGrey    = "\x1b[0;37m"
)

var _ slog.Handler = (*InteractiveHandler)(nil)

// InteractiveHandler writes one aligned line per record for a terminal. The
// component and worker attributes are pulled out into the line prefix.
type InteractiveHandler struct {
	w         io.Writer
	mu        *sync.Mutex // shared by handlers derived with WithAttrs
	level     slog.Leveler
	nocolor   bool
	flatattrs string
	component string
	worker    string
}

func NewInteractiveHandler(w io.Writer) *InteractiveHandler {
	return &InteractiveHandler{
		w:     w,
		mu:    new(sync.Mutex),
		level: slog.LevelInfo,
	}
}

func (ih *InteractiveHandler) WithLevel(level slog.Leveler) *InteractiveHandler {
	ih.level = level
	return ih
}

func (ih *InteractiveHandler) WithoutColor() *InteractiveHandler {
	ih.nocolor = true
	return ih
}

func (ih *InteractiveHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= ih.level.Level()
}

func (ih *InteractiveHandler) Handle(r slog.Record) error {
	var prefix string
	switch r.Level {
	case slog.LevelError:
		prefix = "error"
	case slog.LevelWarn:
		prefix = "warn"
	case slog.LevelInfo:
		prefix = "info"
	case slog.LevelDebug:
		prefix = "debug"
	default:
		prefix = fmt.Sprintf("%02d", r.Level)
	}
	prefix = ih.paint(levelColor(r.Level), fmt.Sprintf("%-5s", prefix))

	component := ih.component
	worker := ih.worker

	var b strings.Builder
	b.WriteString(ih.flatattrs)
	r.Attrs(func(a slog.Attr) {
		switch a.Key {
		case "component":
			component = a.Value.String()
		case "worker":
			worker = a.Value.String()
		default:
			ih.writeAttr(&b, colorBlue, a)
		}
	})

	msg := r.Message
	if worker != "" {
		msg = "w" + worker + ": " + msg
	}
	if component != "" {
		msg = component + ": " + msg
	}

	ih.mu.Lock()
	defer ih.mu.Unlock()
	_, err := fmt.Fprintf(ih.w, "%s | %15s | %-40s%s\n", prefix, r.Time.Format("15:04:05.000000"), msg, b.String())
	return err
}

func (ih *InteractiveHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ih2 := *ih

	b := new(strings.Builder)
	b.WriteString(ih.flatattrs)
	for _, a := range attrs {
		switch a.Key {
		case "component":
			ih2.component = a.Value.String()
		case "worker":
			ih2.worker = a.Value.String()
		default:
			ih.writeAttr(b, colorGrey, a)
		}
	}
	ih2.flatattrs = b.String()

	return &ih2
}

func (ih *InteractiveHandler) WithGroup(name string) slog.Handler {
	return ih
}

func (ih *InteractiveHandler) writeAttr(b *strings.Builder, color string, a slog.Attr) {
	b.WriteString(" ")
	b.WriteString(ih.paint(color, a.Key))
	b.WriteString("=")
	b.WriteString(quote(a.Value.String()))
}

func (ih *InteractiveHandler) paint(color, s string) string {
	if ih.nocolor || color == "" {
		return s
	}
	return color + s + colorDefault
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return colorRed
	case l >= slog.LevelWarn:
		return colorYellow
	case l >= slog.LevelInfo:
		return colorGreen
	default:
		return ""
	}
}

func quote(s string) string {
	if strings.ContainsAny(s, " \n\t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
