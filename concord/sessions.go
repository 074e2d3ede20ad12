package concord

import (
	"fmt"
	"log/slog"
	"sync"
)

// SessionKey identifies the one channel a session may own. At most one
// session is live per key.
type SessionKey struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.GuildID, k.ChannelID)
}

type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRunning:
		return "running"
	case SessionEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Session is a live interactive feature instance (trivia game, poll).
type Session interface {
	Key() SessionKey
	Kind() string
	State() SessionState

	// Stop cancels the session's timers and pending waits. It must be
	// idempotent: the manager calls it on explicit End, and sessions
	// may also end themselves.
	Stop()
}

// SessionInfo is a read-only snapshot for listings.
type SessionInfo struct {
	SessionKey
	Kind  string `json:"kind"`
	State string `json:"state"`
}

// SessionManager is the registry of live sessions. Start is
// insert-if-absent under one mutex, so two near-simultaneous Start
// calls for the same key can't both succeed.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[SessionKey]Session
	logger   *slog.Logger
}

func NewSessionManager(log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		sessions: map[SessionKey]Session{},
		logger:   log.With(loggerNameKey, "session_manager"),
	}
}

// Start registers s under its key, failing with
// ErrSessionAlreadyActive if the channel already has a live session.
func (m *SessionManager) Start(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.Key()
	if _, ok := m.sessions[key]; ok {
		return fmt.Errorf("%w: %s", ErrSessionAlreadyActive, key)
	}
	m.sessions[key] = s
	m.logger.Info("session started", "key", key.String(), "kind", s.Kind())
	return nil
}

// Get returns the live session for key, if any.
func (m *SessionManager) Get(key SessionKey) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// End stops and removes the session for key. Returns false when there
// is nothing to stop, which callers use for "no active session"
// messaging.
func (m *SessionManager) End(key SessionKey) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Stop()
	m.logger.Info("session ended", "key", key.String(), "kind", s.Kind())
	return true
}

// release removes s from the registry if it is still the registered
// session for its key. Sessions call this on natural completion; it
// deliberately doesn't call Stop, since the session is already
// tearing itself down.
func (m *SessionManager) release(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.Key()
	if cur, ok := m.sessions[key]; ok && cur == s {
		delete(m.sessions, key)
	}
}

// Sessions returns snapshots of all live sessions.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(
			infos, SessionInfo{
				SessionKey: s.Key(),
				Kind:       s.Kind(),
				State:      s.State().String(),
			},
		)
	}
	return infos
}
