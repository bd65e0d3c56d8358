package realtime

import "encoding/json"

// Inbound client message types.
const (
	messageTypeAuth      = "auth"
	messageTypeJoin      = "join"
	messageTypeHeartbeat = "heartbeat"
	messageTypeMutate    = "mutate"
	messageTypeResync    = "resync"
)

// Outbound server message types that are not sequenced workspace events.
const (
	messageTypeHeartbeatAck = "heartbeat_ack"
	messageTypeResyncGap    = "resync_gap"
	messageTypeError        = "error"
)

type clientMessage struct {
	Type          string          `json:"type"`
	Token         string          `json:"token,omitempty"`
	WorkspaceID   string          `json:"workspaceId,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	EventType     string          `json:"eventType,omitempty"`
	BaseVersion   *int64          `json:"baseVersion,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SinceSequence *int64          `json:"sinceSequence,omitempty"`
}

type serverNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type conflictNotice struct {
	Type           string          `json:"type"`
	EntityID       string          `json:"entityId"`
	CurrentVersion int64           `json:"currentVersion"`
	OwnerID        string          `json:"ownerId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func marshalNotice(noticeType, reason string) []byte {
	frame, err := json.Marshal(serverNotice{Type: noticeType, Reason: reason})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return frame
}

func marshalConflict(entityID string, currentVersion int64, ownerID string, rejected json.RawMessage) []byte {
	frame, err := json.Marshal(conflictNotice{
		Type:           string(EventConflictDetected),
		EntityID:       entityID,
		CurrentVersion: currentVersion,
		OwnerID:        ownerID,
		Payload:        rejected,
	})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return frame
}
