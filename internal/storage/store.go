package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasktide/collab/internal/realtime"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&EntitySnapshot{}, &EventRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads authoritative entity versions for conflict classification and
// appends broadcast events to the durable archive.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// FetchEntityVersion reports the persisted version for an entity. A missing
// row is not an error; the caller treats the entity as brand new.
func (s *Store) FetchEntityVersion(ctx context.Context, entityID string) (int64, bool, error) {
	var snapshot EntitySnapshot
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("fetch entity version: %w", err)
	}
	return snapshot.Version, true, nil
}

// UpsertSnapshot records the authoritative state of an entity after the CRUD
// layer commits a mutation.
func (s *Store) UpsertSnapshot(ctx context.Context, snapshot EntitySnapshot) error {
	if snapshot.EntityID == "" {
		return fmt.Errorf("entity identifier is required")
	}
	snapshot.UpdatedAtSeconds = s.clock().UTC().Unix()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(&snapshot).Error
}

// DeleteSnapshot removes the persisted state for a deleted entity.
func (s *Store) DeleteSnapshot(ctx context.Context, entityID string) error {
	return s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Delete(&EntitySnapshot{}).Error
}

// ArchiveEvent appends one broadcast event to the archive. Replayed event
// identifiers are ignored so the archive loop can retry safely.
func (s *Store) ArchiveEvent(ctx context.Context, event realtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	record := EventRecord{
		EventID:          event.ID,
		WorkspaceID:      event.WorkspaceID,
		Sequence:         event.Sequence,
		EventType:        string(event.Type),
		ActorID:          event.ActorID,
		PayloadJSON:      string(payload),
		CreatedAtSeconds: event.CreatedAt.UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("archive event: %w", err)
	}
	return nil
}

// RecentEvents lists archived events for a workspace after the given
// sequence, oldest first, capped at limit.
func (s *Store) RecentEvents(ctx context.Context, workspaceID string, afterSequence int64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND sequence > ?", workspaceID, afterSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list archived events: %w", err)
	}
	return records, nil
}
