package channels

import (
	"sync"
	"time"
)

// Default busy-channel thresholds.
const (
	DefaultActivityWindow = 2 * time.Minute
	DefaultBusyMessages   = 3
)

type activityEntry struct {
	authorID string
	at       time.Time
}

// ActivityTracker remembers recent human messages per channel so an
// adapter can tell a busy channel from a one-to-one exchange.
type ActivityTracker struct {
	mu       sync.Mutex
	window   time.Duration
	busyOver int
	perChan  int
	activity map[string][]activityEntry
}

// NewActivityTracker creates a tracker. A channel is busy when it has
// more than busyOver messages within window, or messages from more than
// one author.
func NewActivityTracker(window time.Duration, busyOver int) *ActivityTracker {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	if busyOver <= 0 {
		busyOver = DefaultBusyMessages
	}
	return &ActivityTracker{
		window:   window,
		busyOver: busyOver,
		perChan:  busyOver*2 + 4,
		activity: make(map[string][]activityEntry),
	}
}

// Record notes a human message in channelID.
func (t *ActivityTracker) Record(channelID, authorID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := append(t.activity[channelID], activityEntry{authorID: authorID, at: at})
	if len(entries) > t.perChan {
		entries = entries[len(entries)-t.perChan:]
	}
	t.activity[channelID] = entries
}

// Recent returns the number of messages and distinct authors seen in
// channelID within the window ending at now.
func (t *ActivityTracker) Recent(channelID string, now time.Time) (messages, authors int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	seen := make(map[string]bool)
	kept := t.activity[channelID][:0]
	for _, e := range t.activity[channelID] {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		messages++
		if !seen[e.authorID] {
			seen[e.authorID] = true
			authors++
		}
	}
	if len(kept) == 0 {
		delete(t.activity, channelID)
	} else {
		t.activity[channelID] = kept
	}
	return messages, authors
}

// Busy reports whether replies in channelID should quote the message
// they answer.
func (t *ActivityTracker) Busy(channelID string, now time.Time) bool {
	messages, authors := t.Recent(channelID, now)
	return messages > t.busyOver || authors > 1
}

// ClearChannel forgets the activity of channelID.
func (t *ActivityTracker) ClearChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activity, channelID)
}
