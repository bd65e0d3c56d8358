package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	membershipChannelBuffer = 256
	archiveChannelBuffer    = 256
)

// MembershipChange describes a single connection joining or leaving a room.
// The hub publishes these on its notification channel instead of calling the
// presence tracker directly, so a room operation never reenters broadcast.
type MembershipChange struct {
	WorkspaceID  string
	UserID       string
	ConnectionID string
	Joined       bool
}

// Broadcaster is the hub entry point used by the presence tracker and the
// external mutation layer.
type Broadcaster interface {
	Broadcast(workspaceID string, eventType EventType, payload json.RawMessage, originConnID, actorID string) (Event, error)
}

// HubConfig configures the per-workspace fan-out router.
type HubConfig struct {
	History *History
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Hub owns room lifecycle and broadcast delivery. All operations for one
// workspace are serialized on that room's lock; operations on different
// workspaces proceed in parallel.
type Hub struct {
	history *History
	clock   func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
	// sequences retains per-workspace counters across room destruction so
	// the gapless guarantee holds for the whole process lifetime.
	sequences map[string]int64

	notifications chan MembershipChange
	archive       chan Event
}

type room struct {
	mu          sync.Mutex
	workspaceID string
	seq         int64
	members     map[string]*Connection
}

// NewHub constructs a hub with no live rooms.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		history:       cfg.History,
		clock:         clock,
		logger:        logger,
		rooms:         make(map[string]*room),
		sequences:     make(map[string]int64),
		notifications: make(chan MembershipChange, membershipChannelBuffer),
		archive:       make(chan Event, archiveChannelBuffer),
	}
}

// Notifications exposes the membership change stream consumed by the
// presence tracker.
func (h *Hub) Notifications() <-chan MembershipChange {
	return h.notifications
}

// ArchiveFeed exposes broadcast events for best-effort archival.
func (h *Hub) ArchiveFeed() <-chan Event {
	return h.archive
}

// Join adds the connection to the workspace room, creating the room on first
// join.
func (h *Hub) Join(workspaceID string, conn *Connection) {
	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		rm = &room{
			workspaceID: workspaceID,
			seq:         h.sequences[workspaceID],
			members:     make(map[string]*Connection),
		}
		h.rooms[workspaceID] = rm
		h.logger.Debug("room created", zap.String("workspace_id", workspaceID))
	}
	rm.mu.Lock()
	h.mu.Unlock()
	rm.members[conn.ID()] = conn
	rm.mu.Unlock()

	h.notify(MembershipChange{
		WorkspaceID:  workspaceID,
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
		Joined:       true,
	})
}

// Leave removes the connection; the room is destroyed the instant the last
// member leaves.
func (h *Hub) Leave(workspaceID string, conn *Connection) {
	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	rm.mu.Lock()
	if _, member := rm.members[conn.ID()]; !member {
		rm.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(rm.members, conn.ID())
	if len(rm.members) == 0 {
		delete(h.rooms, workspaceID)
		h.sequences[workspaceID] = rm.seq
		h.logger.Debug("room destroyed", zap.String("workspace_id", workspaceID))
	}
	rm.mu.Unlock()
	h.mu.Unlock()

	h.notify(MembershipChange{
		WorkspaceID:  workspaceID,
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
		Joined:       false,
	})
}

// Broadcast assigns the next sequence number for the workspace, records the
// event in the history buffer, and delivers it to every room member except
// the originator. A failed delivery marks that connection for a liveness
// re-check and never aborts delivery to others. Events are sequenced and
// recorded even when no room is live so reconnecting clients can replay them.
func (h *Hub) Broadcast(workspaceID string, eventType EventType, payload json.RawMessage, originConnID, actorID string) (Event, error) {
	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		h.sequences[workspaceID]++
		event := h.newEvent(h.sequences[workspaceID], workspaceID, eventType, payload, originConnID, actorID)
		if h.history != nil {
			h.history.Append(event)
		}
		h.mu.Unlock()
		h.enqueueArchive(event)
		return event, nil
	}

	rm.mu.Lock()
	h.mu.Unlock()
	rm.seq++
	event := h.newEvent(rm.seq, workspaceID, eventType, payload, originConnID, actorID)
	if h.history != nil {
		h.history.Append(event)
	}

	frame, err := event.MarshalWire()
	if err != nil {
		rm.mu.Unlock()
		h.logger.Error("event encoding failed",
			zap.String("workspace_id", workspaceID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		h.enqueueArchive(event)
		return event, nil
	}
	now := h.clock()
	for connID, member := range rm.members {
		if connID == originConnID {
			continue
		}
		if !member.TrySend(frame) {
			member.markSuspect(now)
			h.logger.Warn("event delivery failed",
				zap.String("workspace_id", workspaceID),
				zap.String("connection_id", connID),
				zap.Int64("sequence", event.Sequence))
		}
	}
	rm.mu.Unlock()

	h.enqueueArchive(event)
	return event, nil
}

// Members returns the unique user ids currently joined to the workspace.
func (h *Hub) Members(workspaceID string) []string {
	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	rm.mu.Lock()
	h.mu.Unlock()
	seen := make(map[string]struct{}, len(rm.members))
	for _, member := range rm.members {
		seen[member.UserID()] = struct{}{}
	}
	rm.mu.Unlock()

	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// RoomSize returns the number of connections joined to the workspace room.
func (h *Hub) RoomSize(workspaceID string) int {
	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	rm.mu.Lock()
	h.mu.Unlock()
	size := len(rm.members)
	rm.mu.Unlock()
	return size
}

func (h *Hub) newEvent(sequence int64, workspaceID string, eventType EventType, payload json.RawMessage, originConnID, actorID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Sequence:     sequence,
		Type:         eventType,
		WorkspaceID:  workspaceID,
		OriginConnID: originConnID,
		ActorID:      actorID,
		Payload:      payload,
		CreatedAt:    h.clock().UTC(),
	}
}

func (h *Hub) notify(change MembershipChange) {
	h.notifications <- change
}

func (h *Hub) enqueueArchive(event Event) {
	select {
	case h.archive <- event:
	default:
		h.logger.Warn("archive queue full, dropping event",
			zap.String("workspace_id", event.WorkspaceID),
			zap.Int64("sequence", event.Sequence))
	}
}
