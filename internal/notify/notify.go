// Package notify surfaces user-visible notifications for the live sync engine.
//
// Notifications come in two flavours: transient ones (a refetch failed, the
// previous value is still shown) and persistent ones (the current state
// carries a GraphQL error). Both are dismissible. The engine dismisses its
// previous persistent notification before showing a new one so at most one
// error is ever on screen per engine.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Level categorizes a notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is one user-visible message.
type Notification struct {
	Level       Level
	Message     string
	Persistent  bool
	Dismissible bool
}

// Notifier shows and dismisses notifications.
// Implemented by LogNotifier (CLI) and Recorder (tests, harness).
//
// Show returns an id that can later be passed to Dismiss. Dismissing an
// unknown or already dismissed id is a no-op.
type Notifier interface {
	Show(n Notification) string
	Dismiss(id string)
}

// Transient builds the notification for a failed refetch.
func Transient(format string, args ...any) Notification {
	return Notification{
		Level:       LevelWarning,
		Message:     fmt.Sprintf(format, args...),
		Dismissible: true,
	}
}

// Persistent builds a notification that stays until dismissed.
func Persistent(format string, args ...any) Notification {
	return Notification{
		Level:       LevelError,
		Message:     fmt.Sprintf(format, args...),
		Persistent:  true,
		Dismissible: true,
	}
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
	next   atomic.Int64
}

// NewLogNotifier creates a notifier writing to logger (slog.Default when nil).
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Show logs n and returns its id.
func (l *LogNotifier) Show(n Notification) string {
	id := fmt.Sprintf("n%d", l.next.Add(1))
	level := slog.LevelWarn
	if n.Level == LevelError {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Message, "notification", id, "persistent", n.Persistent)
	return id
}

// Dismiss logs the dismissal.
func (l *LogNotifier) Dismiss(id string) {
	if id == "" {
		return
	}
	l.logger.Debug("notification dismissed", "notification", id)
}

// Entry is a notification as seen by a Recorder.
type Entry struct {
	ID        string
	Notification
	Dismissed bool
}

// Recorder keeps every notification in memory.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Show records n.
func (r *Recorder) Show(n Notification) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("n%d", len(r.entries)+1)
	r.entries = append(r.entries, Entry{ID: id, Notification: n})
	return id
}

// Dismiss marks the entry with id as dismissed.
func (r *Recorder) Dismiss(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			r.entries[i].Dismissed = true
			return
		}
	}
}

// Entries returns a copy of everything shown so far, in order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Visible returns the entries that have not been dismissed.
func (r *Recorder) Visible() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if !e.Dismissed {
			out = append(out, e)
		}
	}
	return out
}
