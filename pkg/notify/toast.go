// Package notify shows toasts and keeps the notification badge and group
// feed fed by the notification and group channels.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

type Toast struct {
	Title   string
	Message string
	Level   Level
	At      time.Time
}

// Toaster displays transient notices. Implementations must not block.
type Toaster interface {
	Toast(t Toast)
}

type ToasterFunc func(Toast)

func (f ToasterFunc) Toast(t Toast) { f(t) }

// Show is shorthand for a title-less toast.
func Show(t Toaster, level Level, message string) {
	if t == nil {
		return
	}
	t.Toast(Toast{Message: message, Level: level, At: time.Now()})
}

// LogToaster writes toasts to the global logger.
type LogToaster struct{}

func (LogToaster) Toast(t Toast) {
	ev := log.Info()
	switch t.Level {
	case LevelWarning:
		ev = log.Warn()
	case LevelDanger:
		ev = log.Error()
	}
	ev.Str("component", "toast").Str("level", string(t.Level)).Str("title", t.Title).Msg(t.Message)
}

// Recorder keeps every toast, for tests and for replaying into a UI.
type Recorder struct {
	mu     sync.Mutex
	toasts []Toast
}

func (r *Recorder) Toast(t Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
}

func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.toasts))
	for _, t := range r.toasts {
		out = append(out, t.Message)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = nil
}
