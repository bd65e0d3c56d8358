package realtime

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateConnection indicates a connection id is already registered.
	ErrDuplicateConnection = errors.New("realtime: connection already registered")
	// ErrUnknownConnection indicates the connection id is not registered.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
)

// RoomMembership receives the room side effects of registry transitions.
// The registry itself holds no broadcast logic.
type RoomMembership interface {
	Join(workspaceID string, conn *Connection)
	Leave(workspaceID string, conn *Connection)
}

// RegistryConfig configures the connection registry.
type RegistryConfig struct {
	Rooms      RoomMembership
	Clock      func() time.Time
	SendBuffer int
	Logger     *zap.Logger
}

// Registry owns the set of live connections, their liveness, and their
// (user, workspace) binding.
type Registry struct {
	rooms      RoomMembership
	clock      func() time.Time
	sendBuffer int
	logger     *zap.Logger

	mu          sync.Mutex
	connections map[string]*Connection
	byUser      map[string]map[string]*Connection
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:       cfg.Rooms,
		clock:       clock,
		sendBuffer:  cfg.SendBuffer,
		logger:      logger,
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
	}
}

// Register creates an unbound connection for the given user.
func (r *Registry) Register(connID, userID string) (*Connection, error) {
	conn := newConnection(connID, userID, r.sendBuffer, r.clock())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[connID]; exists {
		return nil, ErrDuplicateConnection
	}
	r.connections[connID] = conn
	userConns := r.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		r.byUser[userID] = userConns
	}
	userConns[connID] = conn

	r.logger.Debug("connection registered",
		zap.String("connection_id", connID),
		zap.String("user_id", userID))
	return conn, nil
}

// BindToWorkspace moves the connection into the given workspace room,
// leaving any previously bound room first. Idempotent for repeated binds to
// the same workspace.
func (r *Registry) BindToWorkspace(connID, workspaceID string) error {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.workspaceID == workspaceID {
		return nil
	}
	if conn.workspaceID != "" && r.rooms != nil {
		r.rooms.Leave(conn.workspaceID, conn)
	}
	conn.workspaceID = workspaceID
	if r.rooms != nil {
		r.rooms.Join(workspaceID, conn)
	}
	return nil
}

// Heartbeat refreshes the connection's liveness timestamp.
func (r *Registry) Heartbeat(connID string) error {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	conn.touch(r.clock())
	return nil
}

// Unregister removes the connection, unbinds it from any room, and releases
// its resources. Safe to call multiple times.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	if ok {
		delete(r.connections, connID)
		userConns := r.byUser[conn.userID]
		if userConns != nil {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(r.byUser, conn.userID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	workspaceID := conn.workspaceID
	conn.workspaceID = ""
	if workspaceID != "" && r.rooms != nil {
		r.rooms.Leave(workspaceID, conn)
	}
	conn.mu.Unlock()

	conn.Close()
	r.logger.Debug("connection unregistered",
		zap.String("connection_id", connID),
		zap.String("user_id", conn.userID))
}

// SweepDead unregisters connections whose liveness timestamp is older than
// timeout, or that failed a delivery without a heartbeat since. Returns the
// number of connections removed.
func (r *Registry) SweepDead(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	var dead []string
	for connID, conn := range r.connections {
		if conn.deadAt(now, timeout) {
			dead = append(dead, connID)
		}
	}
	r.mu.Unlock()

	for _, connID := range dead {
		r.logger.Info("sweeping dead connection", zap.String("connection_id", connID))
		r.Unregister(connID)
	}
	return len(dead)
}

// Connection looks up a registered connection by id.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// ConnectionsForUser returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	userConns := r.byUser[userID]
	if len(userConns) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
