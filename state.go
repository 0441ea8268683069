package ircsession

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnState is the lifecycle state of one session connection.
type ConnState int

const (
	// StateOffline is the idle state; connecting starts from here.
	StateOffline ConnState = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the transport is up but no registration was sent.
	StateConnected
	// StateRegistering means the registration packet was sent.
	StateRegistering
	// StateRegistered means the server accepted the registration.
	StateRegistered
	// StateOnline means the session is announced and usable.
	StateOnline
	// StateDeregistering means a quit is in progress.
	StateDeregistering
	// StateDisconnected means the transport is gone. Reconnecting requires
	// returning to StateOffline first.
	StateDisconnected
)

// String returns a human-readable representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateOnline:
		return "online"
	case StateDeregistering:
		return "deregistering"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// carriesContext reports whether the state holds a SessionContext.
func (s ConnState) carriesContext() bool {
	return s == StateRegistering || s == StateRegistered || s == StateOnline
}

// SessionContext is the identity negotiated during registration.
type SessionContext struct {
	Nick Nick
}

var legalTransitions = map[ConnState][]ConnState{
	StateOffline:       {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected, StateOffline},
	StateConnected:     {StateRegistering, StateDeregistering, StateDisconnected},
	StateRegistering:   {StateRegistered, StateDeregistering, StateDisconnected},
	StateRegistered:    {StateOnline, StateDeregistering, StateDisconnected},
	StateOnline:        {StateDeregistering, StateDisconnected},
	StateDeregistering: {StateDisconnected, StateOffline},
	StateDisconnected:  {StateOffline},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to ConnState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateObserver is called after every successful transition.
type StateObserver func(from, to ConnState)

// StateMachine owns a connection's ConnState. All mutation goes through
// Transition.
type StateMachine struct {
	mu        sync.Mutex
	state     ConnState
	sctx      *SessionContext
	observers []StateObserver
}

// NewStateMachine returns a machine in StateOffline.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateOffline}
}

// State returns the current state.
func (sm *StateMachine) State() ConnState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Context returns the session context when the state carries one.
func (sm *StateMachine) Context() (SessionContext, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sctx == nil {
		return SessionContext{}, false
	}
	return *sm.sctx, true
}

// Observe registers fn for transition notifications.
func (sm *StateMachine) Observe(fn StateObserver) {
	sm.mu.Lock()
	sm.observers = append(sm.observers, fn)
	sm.mu.Unlock()
}

// Transition moves to the requested state. Entering StateRegistering needs
// a non-nil sctx; later context-carrying states inherit it. A transition to
// the current state is a no-op. Illegal edges return *IllegalTransitionError
// and leave the state unchanged.
func (sm *StateMachine) Transition(to ConnState, sctx *SessionContext) (ConnState, error) {
	sm.mu.Lock()
	from := sm.state
	if from == to {
		sm.mu.Unlock()
		return from, nil
	}
	if !CanTransition(from, to) {
		sm.mu.Unlock()
		log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("rejected illegal state transition")
		return from, &IllegalTransitionError{From: from, To: to}
	}
	if to == StateRegistering {
		if sctx == nil {
			sm.mu.Unlock()
			return from, fmt.Errorf("transition to %s: missing session context", to)
		}
		c := *sctx
		sm.sctx = &c
	} else if !to.carriesContext() {
		sm.sctx = nil
	}
	sm.state = to
	observers := append([]StateObserver(nil), sm.observers...)
	sm.mu.Unlock()

	log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("state transition")

	for _, fn := range observers {
		fn(from, to)
	}
	return to, nil
}

// TransitionPath applies consecutive transitions, stopping at the first error.
func (sm *StateMachine) TransitionPath(sctx *SessionContext, path ...ConnState) error {
	for _, to := range path {
		if _, err := sm.Transition(to, sctx); err != nil {
			return err
		}
	}
	return nil
}
