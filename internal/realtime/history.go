package realtime

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrHistoryGap indicates the requested sequence predates the retained
	// window; the caller must fall back to a full state refetch instead of a
	// partial replay.
	ErrHistoryGap = errors.New("realtime: requested sequence predates history window")
	// ErrInvalidSequence indicates the client presented a sequence number the
	// workspace has not issued yet.
	ErrInvalidSequence = errors.New("realtime: sequence number not yet issued")
)

// History is the per-workspace bounded buffer of recently broadcast events.
// It is volatile by design: a best-effort reconnection optimization, not a
// durability guarantee.
type History struct {
	limit  int
	maxAge time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*historyWindow
}

type historyWindow struct {
	events []Event
	latest int64
}

// NewHistory constructs a buffer bounded by both an entry count and an entry
// age; whichever bound is reached first evicts the oldest entries.
func NewHistory(limit int, maxAge time.Duration, clock func() time.Time) *History {
	if limit <= 0 {
		limit = 200
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &History{
		limit:   limit,
		maxAge:  maxAge,
		clock:   clock,
		windows: make(map[string]*historyWindow),
	}
}

// Append records a broadcast event, evicting the oldest entries past either
// bound. Written only by the hub, which serializes appends per workspace.
func (h *History) Append(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	window := h.windows[event.WorkspaceID]
	if window == nil {
		window = &historyWindow{}
		h.windows[event.WorkspaceID] = window
	}
	window.events = append(window.events, event)
	window.latest = event.Sequence
	h.evict(window)
}

// Since returns all buffered events with sequence greater than lastSeen in
// ascending order. An empty result with lastSeen equal to the latest issued
// sequence is not an error. ErrHistoryGap is returned when lastSeen predates
// the oldest retained entry; ErrInvalidSequence when lastSeen exceeds the
// latest issued sequence.
func (h *History) Since(workspaceID string, lastSeen int64) ([]Event, error) {
	if lastSeen < 0 {
		return nil, ErrInvalidSequence
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	window := h.windows[workspaceID]
	if window == nil {
		if lastSeen == 0 {
			return nil, nil
		}
		return nil, ErrHistoryGap
	}
	h.evict(window)

	if lastSeen > window.latest {
		return nil, ErrInvalidSequence
	}
	if lastSeen == window.latest {
		return nil, nil
	}
	if len(window.events) == 0 || window.events[0].Sequence > lastSeen+1 {
		return nil, ErrHistoryGap
	}

	var missed []Event
	for _, event := range window.events {
		if event.Sequence > lastSeen {
			missed = append(missed, event)
		}
	}
	return missed, nil
}

// Latest returns the most recently issued sequence for the workspace.
func (h *History) Latest(workspaceID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := h.windows[workspaceID]
	if window == nil {
		return 0
	}
	return window.latest
}

func (h *History) evict(window *historyWindow) {
	for len(window.events) > h.limit {
		window.events = window.events[1:]
	}
	cutoff := h.clock().Add(-h.maxAge)
	for len(window.events) > 0 && window.events[0].CreatedAt.Before(cutoff) {
		window.events = window.events[1:]
	}
}
