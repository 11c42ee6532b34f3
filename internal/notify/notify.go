// Package notify carries human-readable notices from the kernel core to the
// user. Notices are fire-and-forget: implementations must not block the
// caller and must be safe for concurrent use.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Level orders notices by severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Level    Level     `json:"level"`
	Language string    `json:"language,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// Discard drops every notice.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Notice) {}

var titleCaser = cases.Title(language.English)

// DisplayName turns a language tag into the name shown to users,
// e.g. "python" → "Python".
func DisplayName(lang string) string {
	return titleCaser.String(strings.ToLower(lang))
}

// Info builds an info notice stamped with the current time.
func Info(lang, message string) Notice {
	return Notice{Level: LevelInfo, Language: lang, Message: message, Time: time.Now()}
}

// Error builds an error notice stamped with the current time.
func Error(lang, message string) Notice {
	return Notice{Level: LevelError, Language: lang, Message: message, Time: time.Now()}
}

// Warn builds a warning notice stamped with the current time.
func Warn(lang, message string) Notice {
	return Notice{Level: LevelWarn, Language: lang, Message: message, Time: time.Now()}
}

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(n Notice) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "notice",
		slog.String("language", n.Language),
		slog.String("message", n.Message),
	)
}

// Feed keeps the most recent notices in memory so clients can poll them.
type Feed struct {
	mu      sync.Mutex
	notices []Notice
	limit   int
}

// NewFeed returns a feed that retains at most limit notices.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 100
	}
	return &Feed{limit: limit}
}

func (f *Feed) Notify(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	if over := len(f.notices) - f.limit; over > 0 {
		f.notices = append(f.notices[:0], f.notices[over:]...)
	}
}

// Recent returns up to n notices, newest last. n <= 0 returns all.
func (f *Feed) Recent(n int) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if n > 0 && len(f.notices) > n {
		start = len(f.notices) - n
	}
	out := make([]Notice, len(f.notices)-start)
	copy(out, f.notices[start:])
	return out
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}
