package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingVerifier    = errors.New("realtime: token verifier dependency required")
	errMissingWorkspace   = errors.New("realtime: workspace identifier required")
	errMissingEntity      = errors.New("realtime: entity identifier required")
	errMissingEventType   = errors.New("realtime: event type required")
	errMissingActor       = errors.New("realtime: actor identifier required")
)

// TokenVerifier is the externally owned identity collaborator: it validates
// a client token and returns the authenticated user id.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Archiver receives accepted broadcasts for durable archival. Archival is
// best-effort and never blocks broadcast delivery.
type Archiver interface {
	ArchiveEvent(ctx context.Context, event Event) error
}

// CoreConfig wires the collaboration core's components and collaborators.
type CoreConfig struct {
	Verifier TokenVerifier
	Fetcher  EntityFetcher
	Archiver Archiver
	Clock    func() time.Time
	Logger   *zap.Logger

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	HistoryLimit     int
	HistoryMaxAge    time.Duration
	SendBuffer       int
}

// Core is the process-level composition of the collaboration subsystem:
// registry, hub, presence tracker, history buffer, and conflict detector,
// plus the entry points called by the external mutation layer.
type Core struct {
	registry *Registry
	hub      *Hub
	presence *Tracker
	history  *History
	detector *Detector
	verifier TokenVerifier
	archiver Archiver
	clock    func() time.Time
	logger   *zap.Logger

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
}

// NewCore constructs and wires the collaboration core.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 45 * time.Second
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}

	history := NewHistory(cfg.HistoryLimit, cfg.HistoryMaxAge, clock)
	hub := NewHub(HubConfig{History: history, Clock: clock, Logger: logger.Named("hub")})
	registry := NewRegistry(RegistryConfig{
		Rooms:      hub,
		Clock:      clock,
		SendBuffer: cfg.SendBuffer,
		Logger:     logger.Named("registry"),
	})
	presence := NewTracker(TrackerConfig{Broadcaster: hub, Logger: logger.Named("presence")})
	detector := NewDetector(DetectorConfig{Fetcher: cfg.Fetcher, Logger: logger.Named("conflict")})

	return &Core{
		registry:         registry,
		hub:              hub,
		presence:         presence,
		history:          history,
		detector:         detector,
		verifier:         cfg.Verifier,
		archiver:         cfg.Archiver,
		clock:            clock,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
	}, nil
}

// Run drives the background loops: presence fan-in, event archival, and the
// periodic dead-connection sweep. It blocks until the context is cancelled.
func (c *Core) Run(ctx context.Context) {
	go c.presence.Run(ctx, c.hub.Notifications())
	go c.archiveLoop(ctx)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.registry.SweepDead(c.clock(), c.heartbeatTimeout); removed > 0 {
				c.logger.Info("liveness sweep completed", zap.Int("removed", removed))
			}
		}
	}
}

// Registry exposes the connection registry.
func (c *Core) Registry() *Registry { return c.registry }

// Hub exposes the room hub.
func (c *Core) Hub() *Hub { return c.hub }

// Presence exposes the presence tracker.
func (c *Core) Presence() *Tracker { return c.presence }

// History exposes the event history buffer.
func (c *Core) History() *History { return c.history }

// Detector exposes the conflict detector.
func (c *Core) Detector() *Detector { return c.detector }

// VerifyToken validates a client token through the identity collaborator.
func (c *Core) VerifyToken(token string) (string, error) {
	return c.verifier.VerifyToken(token)
}

// MutationRequest is a validated, persisted mutation to gate and announce.
type MutationRequest struct {
	WorkspaceID  string
	EntityID     string
	EventType    EventType
	BaseVersion  int64
	Payload      json.RawMessage
	ActorID      string
	OriginConnID string
}

// MutationResult carries the classification and, when accepted, the
// broadcast event.
type MutationResult struct {
	Classification Classification
	Event          *Event
}

type mutationEventPayload struct {
	EntityID string          `json:"entityId"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ApplyMutation classifies the mutation against the entity's current
// version. Accepted mutations are broadcast to the workspace (excluding the
// originator); conflicting mutations are reported only to the losing actor's
// own connections, never workspace-wide.
func (c *Core) ApplyMutation(ctx context.Context, req MutationRequest) (MutationResult, error) {
	if req.WorkspaceID == "" {
		return MutationResult{}, errMissingWorkspace
	}
	if req.EntityID == "" {
		return MutationResult{}, errMissingEntity
	}
	if req.ActorID == "" {
		return MutationResult{}, errMissingActor
	}

	classification, err := c.detector.Classify(ctx, req.EntityID, req.BaseVersion, req.ActorID)
	if err != nil {
		return MutationResult{}, err
	}

	if !classification.Accepted {
		frame := marshalConflict(req.EntityID, classification.CurrentVersion, classification.OwnerID, req.Payload)
		for _, conn := range c.registry.ConnectionsForUser(req.ActorID) {
			if !conn.TrySend(frame) {
				c.logger.Warn("conflict notice delivery failed",
					zap.String("connection_id", conn.ID()),
					zap.String("entity_id", req.EntityID))
			}
		}
		return MutationResult{Classification: classification}, nil
	}

	eventType := req.EventType
	if eventType == "" {
		eventType = EventTaskUpdated
	}
	body, err := json.Marshal(mutationEventPayload{
		EntityID: req.EntityID,
		Version:  classification.NewVersion,
		Data:     req.Payload,
	})
	if err != nil {
		return MutationResult{}, fmt.Errorf("realtime: mutation payload encoding failed: %w", err)
	}

	event, err := c.hub.Broadcast(req.WorkspaceID, eventType, body, req.OriginConnID, req.ActorID)
	if err != nil {
		return MutationResult{}, err
	}
	if eventType == EventTaskDeleted {
		c.detector.Forget(req.EntityID)
	}
	return MutationResult{Classification: classification, Event: &event}, nil
}

// PublishEvent broadcasts an externally produced event (already validated
// and persisted by the mutation layer) to the workspace room.
func (c *Core) PublishEvent(workspaceID string, eventType EventType, payload json.RawMessage, originConnID, actorID string) (Event, error) {
	if workspaceID == "" {
		return Event{}, errMissingWorkspace
	}
	if eventType == "" {
		return Event{}, errMissingEventType
	}
	return c.hub.Broadcast(workspaceID, eventType, payload, originConnID, actorID)
}

// OnlineUsers returns the users currently online in the workspace.
func (c *Core) OnlineUsers(workspaceID string) []string {
	return c.presence.ListOnline(workspaceID)
}

func (c *Core) archiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.hub.ArchiveFeed():
			if !ok {
				return
			}
			if c.archiver == nil {
				continue
			}
			if err := c.archiver.ArchiveEvent(ctx, event); err != nil {
				c.logger.Warn("event archive failed",
					zap.String("workspace_id", event.WorkspaceID),
					zap.Int64("sequence", event.Sequence),
					zap.Error(err))
			}
		}
	}
}
