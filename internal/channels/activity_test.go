package channels

import (
	"errors"
	"testing"
	"time"
)

func TestActivityTrackerBusy(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		entries []activityEntry
		want    bool
	}{
		{name: "quiet channel", want: false},
		{name: "one author, three messages", entries: []activityEntry{
			{"a", now.Add(-time.Minute)}, {"a", now.Add(-30 * time.Second)}, {"a", now},
		}, want: false},
		{name: "one author, four messages", entries: []activityEntry{
			{"a", now.Add(-time.Minute)}, {"a", now.Add(-50 * time.Second)}, {"a", now.Add(-30 * time.Second)}, {"a", now},
		}, want: true},
		{name: "two authors", entries: []activityEntry{
			{"a", now.Add(-time.Minute)}, {"b", now},
		}, want: true},
		{name: "old messages ignored", entries: []activityEntry{
			{"b", now.Add(-5 * time.Minute)}, {"c", now.Add(-3 * time.Minute)}, {"a", now},
		}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewActivityTracker(0, 0)
			for _, e := range tt.entries {
				tracker.Record("chan", e.authorID, e.at)
			}
			if got := tracker.Busy("chan", now); got != tt.want {
				t.Errorf("Busy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActivityTrackerPerChannel(t *testing.T) {
	now := time.Now()
	tracker := NewActivityTracker(time.Minute, 3)
	tracker.Record("c1", "a", now)
	tracker.Record("c1", "b", now)
	tracker.Record("c2", "a", now)

	if msgs, authors := tracker.Recent("c1", now); msgs != 2 || authors != 2 {
		t.Errorf("Recent(c1) = %d, %d", msgs, authors)
	}
	if tracker.Busy("c2", now) {
		t.Error("c2 should not be busy")
	}
	tracker.ClearChannel("c1")
	if msgs, _ := tracker.Recent("c1", now); msgs != 0 {
		t.Errorf("Recent after clear = %d", msgs)
	}
}

func TestProcessedSet(t *testing.T) {
	set := NewProcessedSet(2)
	if !set.Mark("1") || !set.Mark("2") {
		t.Fatal("first marks should be new")
	}
	if set.Mark("1") {
		t.Error("duplicate mark should report false")
	}
	set.Mark("3")
	if set.Contains("1") {
		t.Error("oldest id should be forgotten")
	}
	if !set.Contains("2") || !set.Contains("3") || set.Len() != 2 {
		t.Errorf("set state wrong, len=%d", set.Len())
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("429 Too Many Requests")
	err := ErrRateLimit("send failed", cause).InChannel("123")

	if got := err.Error(); got != "[RATE_LIMIT_ERROR] send failed channel=123: 429 Too Many Requests" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to the cause")
	}
	if !errors.Is(err, &Error{Code: ErrCodeRateLimit}) {
		t.Error("should match by code")
	}
	if !IsRetryable(err) || IsRetryable(ErrPermission("forbidden", nil)) {
		t.Error("retryable classification wrong")
	}
	if GetErrorCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("plain errors are internal")
	}
}
