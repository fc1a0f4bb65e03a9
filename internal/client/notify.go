package client

import (
	"log/slog"
	"sync"
	"time"
)

// NoticeLevel grades a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is one user-visible message. Key identifies repeats of the same
// underlying condition; Sticky marks long-lived notices that must always get
// through, such as being kicked.
type Notice struct {
	Level   NoticeLevel
	Key     string
	Message string
	Sticky  bool
}

// Notifier delivers notices to whatever surface the host application has.
type Notifier interface {
	Notify(Notice)
}

// LogNotifier is the default sink: notices go to the logger.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With(slog.String("component", "notices"))}
}

func (n *LogNotifier) Notify(notice Notice) {
	attrs := []any{slog.String("key", notice.Key)}
	switch notice.Level {
	case NoticeError:
		n.log.Error(notice.Message, attrs...)
	case NoticeWarning:
		n.log.Warn(notice.Message, attrs...)
	default:
		n.log.Info(notice.Message, attrs...)
	}
}

// ThrottledNotifier drops repeats of the same notice key inside the window,
// so a flapping connection does not turn into a notification storm. Sticky
// notices bypass the throttle.
type ThrottledNotifier struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewThrottledNotifier wraps next. window defaults to 30s, now to time.Now.
func NewThrottledNotifier(next Notifier, window time.Duration, now func() time.Time) *ThrottledNotifier {
	if window <= 0 {
		window = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &ThrottledNotifier{
		next:   next,
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

func (n *ThrottledNotifier) Notify(notice Notice) {
	if !notice.Sticky && notice.Key != "" {
		n.mu.Lock()
		at := n.now()
		if last, ok := n.seen[notice.Key]; ok && at.Sub(last) < n.window {
			n.mu.Unlock()
			return
		}
		n.seen[notice.Key] = at
		n.mu.Unlock()
	}
	n.next.Notify(notice)
}
