package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState tracks a connection's position in the protocol lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthenticationFailed indicates the presented token was rejected.
	// The session is closed; the client must re-authenticate explicitly.
	ErrAuthenticationFailed = errors.New("realtime: authentication failed")
	// ErrProtocolViolation indicates a malformed or out-of-order message.
	// The session is closed with a descriptive reason.
	ErrProtocolViolation = errors.New("realtime: protocol violation")
	// ErrSessionClosed indicates a message arrived after the session ended.
	// Closed is terminal; a new session supersedes it.
	ErrSessionClosed = errors.New("realtime: session closed")
)

// DirectSender writes a frame straight to the transport. It is used only
// before a Connection exists, while the session is still authenticating.
type DirectSender func(frame []byte) error

// Session is the per-connection protocol state machine. It drives the
// registry, hub, history buffer, and conflict detector in response to
// inbound client messages.
type Session struct {
	core   *Core
	direct DirectSender
	logger *zap.Logger

	mu    sync.Mutex
	state SessionState
	conn  *Connection
}

// NewSession starts a session in the Connecting state.
func NewSession(core *Core, direct DirectSender, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		core:   core,
		direct: direct,
		logger: logger,
		state:  StateConnecting,
	}
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection returns the registered connection, or nil before
// authentication succeeds.
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// HandleMessage processes one inbound client frame. A returned
// ErrAuthenticationFailed or ErrProtocolViolation means the session has been
// closed and the transport should be torn down.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateClosed {
		return ErrSessionClosed
	}

	var message clientMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return s.fail("malformed message", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	if state == StateConnecting && message.Type != messageTypeAuth {
		return s.fail("authentication required", fmt.Errorf("%w: %s before auth", ErrProtocolViolation, message.Type))
	}

	switch message.Type {
	case messageTypeAuth:
		return s.handleAuth(message)
	case messageTypeJoin:
		return s.handleJoin(message)
	case messageTypeHeartbeat:
		return s.handleHeartbeat()
	case messageTypeMutate:
		return s.handleMutate(ctx, message)
	case messageTypeResync:
		return s.handleResync(message)
	default:
		return s.fail("unknown message type", fmt.Errorf("%w: unknown type %q", ErrProtocolViolation, message.Type))
	}
}

func (s *Session) handleAuth(message clientMessage) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return s.fail("already authenticated", fmt.Errorf("%w: repeated auth", ErrProtocolViolation))
	}
	s.mu.Unlock()

	userID, err := s.core.VerifyToken(message.Token)
	if err != nil {
		s.logger.Warn("session authentication failed", zap.Error(err))
		s.reply(marshalNotice(messageTypeError, "authentication failed"))
		s.Close("authentication failed")
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	conn, err := s.core.Registry().Register(uuid.NewString(), userID)
	if err != nil {
		s.reply(marshalNotice(messageTypeError, "registration failed"))
		s.Close("registration failed")
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.logger.Debug("session authenticated",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", userID))
	return nil
}

func (s *Session) handleJoin(message clientMessage) error {
	if message.WorkspaceID == "" {
		return s.fail("workspace required", fmt.Errorf("%w: join without workspace", ErrProtocolViolation))
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if err := s.core.Registry().BindToWorkspace(conn.ID(), message.WorkspaceID); err != nil {
		return s.fail("join failed", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	s.mu.Lock()
	s.state = StateJoined
	s.mu.Unlock()
	return nil
}

func (s *Session) handleHeartbeat() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if err := s.core.Registry().Heartbeat(conn.ID()); err != nil {
		return s.fail("heartbeat failed", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	s.reply(marshalNotice(messageTypeHeartbeatAck, ""))
	return nil
}

func (s *Session) handleMutate(ctx context.Context, message clientMessage) error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state != StateJoined {
		return s.fail("not joined", fmt.Errorf("%w: mutate before join", ErrProtocolViolation))
	}
	if message.EntityID == "" || message.BaseVersion == nil {
		return s.fail("invalid mutation", fmt.Errorf("%w: mutate missing entity or base version", ErrProtocolViolation))
	}

	_, err := s.core.ApplyMutation(ctx, MutationRequest{
		WorkspaceID:  conn.WorkspaceID(),
		EntityID:     message.EntityID,
		EventType:    EventType(message.EventType),
		BaseVersion:  *message.BaseVersion,
		Payload:      message.Payload,
		ActorID:      conn.UserID(),
		OriginConnID: conn.ID(),
	})
	switch {
	case errors.Is(err, ErrInvalidVersion):
		return s.fail("invalid base version", err)
	case errors.Is(err, ErrVersionStoreUnavailable):
		// Degraded mutation gating is retryable; the session stays open.
		s.reply(marshalNotice(messageTypeError, "mutation temporarily unavailable, retry"))
		return nil
	case err != nil:
		return s.fail("mutation failed", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	return nil
}

func (s *Session) handleResync(message clientMessage) error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state != StateJoined {
		return s.fail("not joined", fmt.Errorf("%w: resync before join", ErrProtocolViolation))
	}
	if message.SinceSequence == nil {
		return s.fail("invalid resync", fmt.Errorf("%w: resync missing sequence", ErrProtocolViolation))
	}

	missed, err := s.core.History().Since(conn.WorkspaceID(), *message.SinceSequence)
	switch {
	case errors.Is(err, ErrHistoryGap):
		// Tell the client explicitly to refetch full state rather than
		// handing it a truncated replay that looks complete.
		s.reply(marshalNotice(messageTypeResyncGap, ""))
		return nil
	case errors.Is(err, ErrInvalidSequence):
		return s.fail("invalid resync sequence", err)
	case err != nil:
		return s.fail("resync failed", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	for _, event := range missed {
		frame, err := event.MarshalWire()
		if err != nil {
			s.logger.Error("replay encoding failed", zap.Error(err))
			continue
		}
		s.reply(frame)
	}
	return nil
}

// Close terminates the session and releases its registry entry. Closed is
// terminal; subsequent messages receive ErrSessionClosed.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.core.Registry().Unregister(conn.ID())
	}
	s.logger.Debug("session closed", zap.String("reason", reason))
}

func (s *Session) fail(reason string, err error) error {
	s.reply(marshalNotice(messageTypeError, reason))
	s.Close(reason)
	return err
}

// reply routes a frame to the client: through the connection's send queue
// once registered, or the direct transport writer before that.
func (s *Session) reply(frame []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if !conn.TrySend(frame) {
			s.logger.Warn("session reply dropped", zap.String("connection_id", conn.ID()))
		}
		return
	}
	if s.direct != nil {
		if err := s.direct(frame); err != nil {
			s.logger.Warn("direct reply failed", zap.Error(err))
		}
	}
}
