package ircsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// SessionManager owns every session of a process, keyed by SessionID.
// Sessions refer to each other only by id, never by pointer.
//
// Architecture:
//   - Open creates a session from a config and shared collaborators
//   - Start runs a session's reconnect supervisor in the background
//   - Remove and Close quit sessions gracefully and wait for supervisors
type SessionManager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[SessionID]*managedSession
	closed   bool
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewSessionManager returns an empty manager. opts are shared by every
// session it opens.
func NewSessionManager(opts Options) *SessionManager {
	return &SessionManager{
		opts:     opts,
		sessions: make(map[SessionID]*managedSession),
	}
}

// Open creates an offline session for cfg.
func (m *SessionManager) Open(cfg *Config) (*Session, error) {
	s, err := NewSession(NewSessionID(), cfg, m.opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("session manager closed")
	}
	m.sessions[s.ID()] = &managedSession{session: s}
	log.Debug().Str("session", string(s.ID())).Str("nick", s.Nick().String()).Msg("session opened")
	return s, nil
}

// Get returns the session with id.
func (m *SessionManager) Get(id SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Sessions returns every session.
func (m *SessionManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	return out
}

// Len returns the number of sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the session's Run loop in the background.
func (m *SessionManager) Start(id SessionID, reg RegistrationSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	if ms.done != nil {
		return fmt.Errorf("session %s already started", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel
	ms.done = make(chan struct{})
	go func() {
		defer close(ms.done)
		err := ms.session.Run(ctx, reg)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Str("session", string(id)).Err(err).Msg("session stopped")
		}
		m.mu.Lock()
		ms.err = err
		m.mu.Unlock()
	}()
	return nil
}

// Wait blocks until the session's supervisor exits and returns its error.
func (m *SessionManager) Wait(ctx context.Context, id SessionID) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	if ms.done == nil {
		return fmt.Errorf("session %s not started", id)
	}
	select {
	case <-ms.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.err
}

// Remove quits the session and forgets it.
func (m *SessionManager) Remove(ctx context.Context, id SessionID) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	return m.stop(ctx, ms)
}

// Close quits every session. The manager cannot be reused.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := m.sessions
	m.sessions = make(map[SessionID]*managedSession)
	m.mu.Unlock()

	var errs []error
	for id, ms := range all {
		if err := m.stop(ctx, ms); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *SessionManager) stop(ctx context.Context, ms *managedSession) error {
	if ms.cancel != nil {
		// Run quits on cancellation.
		ms.cancel()
		select {
		case <-ms.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	switch ms.session.State() {
	case StateConnected, StateRegistering, StateRegistered, StateOnline:
		return ms.session.Quit(ctx, "")
	case StateConnecting, StateDeregistering:
		ms.session.Close()
	}
	return nil
}
