package realtime

import (
	"encoding/json"
	"time"
)

// EventType names a broadcastable workspace event.
type EventType string

const (
	EventTaskCreated      EventType = "task:created"
	EventTaskUpdated      EventType = "task:updated"
	EventTaskDeleted      EventType = "task:deleted"
	EventTaskAssigned     EventType = "task:assigned"
	EventTaskCompleted    EventType = "task:completed"
	EventMemberJoined     EventType = "member:joined"
	EventMemberLeft       EventType = "member:left"
	EventPresenceUpdate   EventType = "presence:update"
	EventConflictDetected EventType = "conflict:detected"
)

// Event is a sequenced workspace broadcast. Sequence numbers are assigned by
// the hub at broadcast time and are gapless per workspace for the lifetime of
// the process.
type Event struct {
	ID           string
	Sequence     int64
	Type         EventType
	WorkspaceID  string
	OriginConnID string
	ActorID      string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

type wireEvent struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspaceId"`
	Sequence    int64           `json:"sequence"`
	ActorID     string          `json:"actorId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

// MarshalWire encodes the event in the outbound client frame shape. The
// timestamp is ISO-8601 in UTC.
func (e Event) MarshalWire() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:        string(e.Type),
		WorkspaceID: e.WorkspaceID,
		Sequence:    e.Sequence,
		ActorID:     e.ActorID,
		Payload:     e.Payload,
		Timestamp:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}
