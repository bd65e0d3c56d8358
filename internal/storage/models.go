package storage

// EntitySnapshot is the authoritative version and payload for a mutable
// entity, written by the external CRUD layer and consulted by the conflict
// detector when it has no cached version.
type EntitySnapshot struct {
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	EntityType       string `gorm:"column:entity_type;size:190;not null;default:''"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_entities_workspace"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntitySnapshot) TableName() string {
	return "entity_snapshots"
}

// EventRecord is the append-only archive of broadcast events, the source
// for activity feeds and for recovering from a history gap.
type EventRecord struct {
	EventID          string `gorm:"column:event_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_events_workspace_seq,priority:1"`
	Sequence         int64  `gorm:"column:sequence;not null;index:idx_events_workspace_seq,priority:2"`
	EventType        string `gorm:"column:event_type;size:190;not null"`
	ActorID          string `gorm:"column:actor_id;size:190;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "event_records"
}
