package client_test

import (
	"sync"
	"testing"
	"time"

	"arquiz-live/internal/client"
)

type captureNotifier struct {
	mu      sync.Mutex
	notices []client.Notice
}

func (c *captureNotifier) Notify(n client.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notices)
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sink := &captureNotifier{}
	notifier := client.NewThrottledNotifier(sink, 30*time.Second, func() time.Time { return clock })

	failure := client.Notice{Level: client.NoticeWarning, Key: "connection-lost", Message: "connection lost, retrying"}
	notifier.Notify(failure)
	notifier.Notify(failure)
	notifier.Notify(failure)
	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 notice inside the window, got %d", got)
	}

	clock = clock.Add(31 * time.Second)
	notifier.Notify(failure)
	if got := sink.count(); got != 2 {
		t.Fatalf("expected the window to reopen, got %d notices", got)
	}
}

func TestThrottleKeepsDistinctKeys(t *testing.T) {
	sink := &captureNotifier{}
	notifier := client.NewThrottledNotifier(sink, 30*time.Second, nil)

	notifier.Notify(client.Notice{Key: "connection-lost", Message: "connection lost"})
	notifier.Notify(client.Notice{Key: "submit-failed", Message: "submit failed"})
	if got := sink.count(); got != 2 {
		t.Fatalf("distinct keys must not throttle each other, got %d", got)
	}
}

func TestStickyNoticesBypassThrottle(t *testing.T) {
	sink := &captureNotifier{}
	notifier := client.NewThrottledNotifier(sink, 30*time.Second, nil)

	kicked := client.Notice{Level: client.NoticeError, Key: "kicked", Message: "removed by the host", Sticky: true}
	notifier.Notify(kicked)
	notifier.Notify(kicked)
	if got := sink.count(); got != 2 {
		t.Fatalf("sticky notices must always pass, got %d", got)
	}
}
