package realtime

import (
	"errors"
	"testing"
	"time"
)

func historyEvent(workspaceID string, sequence int64, createdAt time.Time) Event {
	return Event{
		ID:          "evt",
		Sequence:    sequence,
		Type:        EventTaskUpdated,
		WorkspaceID: workspaceID,
		CreatedAt:   createdAt,
	}
}

func TestSinceReturnsMissedEventsInOrder(t *testing.T) {
	history := NewHistory(10, time.Hour, nil)
	now := time.Now()
	for seq := int64(1); seq <= 5; seq++ {
		history.Append(historyEvent("ws-1", seq, now))
	}

	missed, err := history.Since("ws-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missed) != 3 {
		t.Fatalf("expected 3 events, got %d", len(missed))
	}
	for i, event := range missed {
		if event.Sequence != int64(3+i) {
			t.Fatalf("expected ascending sequences starting at 3, got %d at %d", event.Sequence, i)
		}
	}
}

func TestSinceLatestSequenceIsEmptyNotError(t *testing.T) {
	history := NewHistory(10, time.Hour, nil)
	history.Append(historyEvent("ws-1", 1, time.Now()))
	history.Append(historyEvent("ws-1", 2, time.Now()))

	missed, err := history.Since("ws-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missed) != 0 {
		t.Fatalf("expected empty replay, got %d events", len(missed))
	}
}

func TestSinceReportsGapWhenWindowEvicted(t *testing.T) {
	history := NewHistory(3, time.Hour, nil)
	now := time.Now()
	for seq := int64(1); seq <= 6; seq++ {
		history.Append(historyEvent("ws-1", seq, now))
	}

	// Oldest retained is 4; lastSeen 1 misses 2 and 3 irrecoverably.
	if _, err := history.Since("ws-1", 1); !errors.Is(err, ErrHistoryGap) {
		t.Fatalf("expected ErrHistoryGap, got %v", err)
	}
	// lastSeen 3 can still replay the full remaining window.
	missed, err := history.Since("ws-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missed) != 3 || missed[0].Sequence != 4 {
		t.Fatalf("expected replay from 4, got %+v", missed)
	}
}

func TestSinceRejectsFutureSequence(t *testing.T) {
	history := NewHistory(10, time.Hour, nil)
	history.Append(historyEvent("ws-1", 1, time.Now()))

	if _, err := history.Since("ws-1", 5); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence, got %v", err)
	}
	if _, err := history.Since("ws-1", -1); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence for negative, got %v", err)
	}
}

func TestSinceUnknownWorkspace(t *testing.T) {
	history := NewHistory(10, time.Hour, nil)

	missed, err := history.Since("ws-unknown", 0)
	if err != nil {
		t.Fatalf("expected empty result for fresh workspace, got %v", err)
	}
	if len(missed) != 0 {
		t.Fatalf("expected no events, got %d", len(missed))
	}
	// A nonzero cursor against an unknown workspace cannot be validated;
	// the client must refetch.
	if _, err := history.Since("ws-unknown", 3); !errors.Is(err, ErrHistoryGap) {
		t.Fatalf("expected ErrHistoryGap, got %v", err)
	}
}

func TestAgeBoundEvictsOldEntries(t *testing.T) {
	current := time.Unix(1700000000, 0)
	clock := func() time.Time { return current }
	history := NewHistory(100, time.Minute, clock)

	history.Append(historyEvent("ws-1", 1, current))
	current = current.Add(2 * time.Minute)
	history.Append(historyEvent("ws-1", 2, current))

	if _, err := history.Since("ws-1", 0); !errors.Is(err, ErrHistoryGap) {
		t.Fatalf("expected gap after age eviction, got %v", err)
	}
	missed, err := history.Since("ws-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missed) != 1 || missed[0].Sequence != 2 {
		t.Fatalf("expected only the fresh event, got %+v", missed)
	}
}

func TestCountBoundKeepsMostRecent(t *testing.T) {
	history := NewHistory(2, time.Hour, nil)
	now := time.Now()
	for seq := int64(1); seq <= 4; seq++ {
		history.Append(historyEvent("ws-1", seq, now))
	}

	missed, err := history.Since("ws-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missed) != 2 || missed[0].Sequence != 3 || missed[1].Sequence != 4 {
		t.Fatalf("expected events 3 and 4, got %+v", missed)
	}
	if latest := history.Latest("ws-1"); latest != 4 {
		t.Fatalf("expected latest 4, got %d", latest)
	}
}
