package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// PresenceOnline marks a user's first live connection in a workspace.
	PresenceOnline = "online"
	// PresenceOffline marks a user's last connection leaving a workspace.
	PresenceOffline = "offline"
)

type presencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// TrackerConfig configures the presence tracker.
type TrackerConfig struct {
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// Tracker derives online/offline status per workspace from room membership.
// Presence is best-effort and derived, never authoritative membership.
type Tracker struct {
	broadcaster Broadcaster
	logger      *zap.Logger

	mu     sync.Mutex
	counts map[string]map[string]int
}

// NewTracker constructs a tracker with no presence entries.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		counts:      make(map[string]map[string]int),
	}
}

// Run consumes membership changes until the context is cancelled or the
// channel closes.
func (t *Tracker) Run(ctx context.Context, changes <-chan MembershipChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			t.Apply(change)
		}
	}
}

// Apply updates the per-(workspace,user) connection count and announces a
// presence change only on a 0<->1 transition: a second tab joining or one of
// several tabs closing is silent.
func (t *Tracker) Apply(change MembershipChange) {
	t.mu.Lock()
	users := t.counts[change.WorkspaceID]
	if users == nil {
		users = make(map[string]int)
		t.counts[change.WorkspaceID] = users
	}

	var status string
	if change.Joined {
		users[change.UserID]++
		if users[change.UserID] == 1 {
			status = PresenceOnline
		}
	} else {
		if users[change.UserID] == 0 {
			t.mu.Unlock()
			t.logger.Warn("presence decrement below zero ignored",
				zap.String("workspace_id", change.WorkspaceID),
				zap.String("user_id", change.UserID))
			return
		}
		users[change.UserID]--
		if users[change.UserID] == 0 {
			delete(users, change.UserID)
			if len(users) == 0 {
				delete(t.counts, change.WorkspaceID)
			}
			status = PresenceOffline
		}
	}
	t.mu.Unlock()

	if status == "" || t.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(presencePayload{UserID: change.UserID, Status: status})
	if err != nil {
		t.logger.Error("presence payload encoding failed", zap.Error(err))
		return
	}
	if _, err := t.broadcaster.Broadcast(change.WorkspaceID, EventPresenceUpdate, payload, change.ConnectionID, change.UserID); err != nil {
		t.logger.Warn("presence broadcast failed",
			zap.String("workspace_id", change.WorkspaceID),
			zap.String("user_id", change.UserID),
			zap.Error(err))
	}
}

// ListOnline returns the sorted user ids with at least one live connection in
// the workspace.
func (t *Tracker) ListOnline(workspaceID string) []string {
	t.mu.Lock()
	users := t.counts[workspaceID]
	online := make([]string, 0, len(users))
	for userID, count := range users {
		if count > 0 {
			online = append(online, userID)
		}
	}
	t.mu.Unlock()

	sort.Strings(online)
	return online
}
