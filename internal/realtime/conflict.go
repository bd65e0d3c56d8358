package realtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const versionShardCount = 16

var (
	// ErrInvalidVersion indicates a mutation based on a version the entity
	// has not reached yet; the client holds a future version it should not
	// possess. Treated as a protocol error.
	ErrInvalidVersion = errors.New("realtime: base version exceeds current version")
	// ErrVersionStoreUnavailable indicates the authoritative version lookup
	// failed; the mutation should be retried.
	ErrVersionStoreUnavailable = errors.New("realtime: version store unavailable")
)

// EntityFetcher is the persistence collaborator consulted when the detector
// has no cached version for an entity. It returns the authoritative current
// version and whether the entity exists.
type EntityFetcher interface {
	FetchEntityVersion(ctx context.Context, entityID string) (int64, bool, error)
}

// Classification is the outcome of comparing a mutation's base version with
// the entity's current version. Conflicts are results, not errors.
type Classification struct {
	Accepted       bool
	NewVersion     int64
	CurrentVersion int64
	OwnerID        string
}

// DetectorConfig configures the conflict detector.
type DetectorConfig struct {
	Fetcher EntityFetcher
	Logger  *zap.Logger
}

// Detector tracks a monotonically increasing version per mutable entity and
// classifies incoming mutations as clean or conflicting. The per-entity
// check-and-increment is atomic: no two classifications for the same entity
// interleave.
type Detector struct {
	fetcher EntityFetcher
	logger  *zap.Logger
	shards  [versionShardCount]versionShard
}

type versionShard struct {
	mu      sync.Mutex
	entries map[string]*versionEntry
}

type versionEntry struct {
	version int64
	ownerID string
}

// NewDetector constructs a detector with an empty version table; versions
// populate lazily on first mutation of each entity.
func NewDetector(cfg DetectorConfig) *Detector {
	detector := &Detector{
		fetcher: cfg.Fetcher,
		logger:  cfg.Logger,
	}
	if detector.logger == nil {
		detector.logger = zap.NewNop()
	}
	for i := range detector.shards {
		detector.shards[i].entries = make(map[string]*versionEntry)
	}
	return detector
}

// Classify compares baseVersion against the entity's current version.
// Equal versions accept the mutation and advance the entity version by one;
// a stale base version is a conflict carrying the current version and its
// owning actor; a future base version is ErrInvalidVersion.
func (d *Detector) Classify(ctx context.Context, entityID string, baseVersion int64, actorID string) (Classification, error) {
	if baseVersion < 0 {
		return Classification{}, fmt.Errorf("%w: negative base version %d", ErrInvalidVersion, baseVersion)
	}

	shard := d.shard(entityID)
	shard.mu.Lock()
	entry, ok := shard.entries[entityID]
	if !ok && d.fetcher != nil {
		// The authoritative lookup is I/O; release the shard lock around it.
		shard.mu.Unlock()
		version, found, err := d.fetcher.FetchEntityVersion(ctx, entityID)
		if err != nil {
			d.logger.Error("entity version lookup failed",
				zap.String("entity_id", entityID),
				zap.Error(err))
			return Classification{}, fmt.Errorf("%w: %v", ErrVersionStoreUnavailable, err)
		}
		shard.mu.Lock()
		entry, ok = shard.entries[entityID]
		if !ok && found {
			entry = &versionEntry{version: version}
			shard.entries[entityID] = entry
			ok = true
		}
	}
	if !ok {
		entry = &versionEntry{}
		shard.entries[entityID] = entry
	}

	current := entry.version
	switch {
	case baseVersion == current:
		entry.version = current + 1
		entry.ownerID = actorID
		shard.mu.Unlock()
		return Classification{Accepted: true, NewVersion: current + 1}, nil
	case baseVersion < current:
		owner := entry.ownerID
		shard.mu.Unlock()
		return Classification{CurrentVersion: current, OwnerID: owner}, nil
	default:
		shard.mu.Unlock()
		return Classification{}, fmt.Errorf("%w: base %d, current %d", ErrInvalidVersion, baseVersion, current)
	}
}

// Forget drops the entity's version record after deletion. A later reuse of
// the identifier starts from version zero again.
func (d *Detector) Forget(entityID string) {
	shard := d.shard(entityID)
	shard.mu.Lock()
	delete(shard.entries, entityID)
	shard.mu.Unlock()
}

// Version returns the cached current version for the entity, if any.
func (d *Detector) Version(entityID string) (int64, bool) {
	shard := d.shard(entityID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[entityID]
	if !ok {
		return 0, false
	}
	return entry.version, true
}

func (d *Detector) shard(entityID string) *versionShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(entityID))
	return &d.shards[hasher.Sum32()%versionShardCount]
}
