// Package session holds the bridge session model: the per-session state
// machine and the store that indexes sessions by id and by target.
//
// The coordinator is the sole writer of this state. Every other component
// only reads assigned configuration or reports status back to the
// coordinator, which then advances the machine with an explicit event.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/kbridge-dev/kbridge/internal/target"
)

// State is a bridge session lifecycle state.
type State string

// Session lifecycle states.
const (
	StateInit         State = "INIT"
	StateProvisioning State = "PROVISIONING"
	StateHandshaking  State = "HANDSHAKING"
	StateActive       State = "ACTIVE"
	StateDraining     State = "DRAINING"
	StateFailed       State = "FAILED"
	StateTornDown     State = "TORN_DOWN"
)

// legalTransitions is the full transition table. FAILED is reachable from
// every non-terminal state; FAILED and DRAINING both funnel into TORN_DOWN
// through cleanup. INIT may jump straight to TORN_DOWN when a session is
// cancelled before anything was provisioned.
var legalTransitions = map[State][]State{
	StateInit:         {StateProvisioning, StateFailed, StateTornDown},
	StateProvisioning: {StateHandshaking, StateFailed},
	StateHandshaking:  {StateActive, StateFailed},
	StateActive:       {StateDraining, StateFailed},
	StateDraining:     {StateTornDown, StateFailed},
	StateFailed:       {StateTornDown},
	StateTornDown:     {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Terminal reports whether a state is the end of the machine.
func (s State) Terminal() bool {
	return s == StateTornDown
}

// Session is one bridge: the single source of truth for what is currently
// bridged for one target.
type Session struct {
	ID        string
	Target    target.ContainerRef
	State     State
	CreatedAt time.Time

	// Deadline is the inactivity deadline; zero means no TTL.
	Deadline time.Time

	// TunnelID identifies the session's tunnel endpoint pair.
	TunnelID string

	// InterceptorID identifies the session's interceptor installation.
	InterceptorID string

	// ForwardAddress is where intercepted traffic is sent: the local
	// container's address on the tunnel subnet.
	ForwardAddress string

	// LastError records why the session entered FAILED, if it did.
	LastError error

	// FinishedAt is set when the session reaches TORN_DOWN.
	FinishedAt time.Time
}

// New creates a session in INIT for a resolved target.
func New(ref target.ContainerRef, forwardAddress string, ttl time.Duration) *Session {
	now := time.Now()

	s := &Session{
		ID:             uuid.NewString(),
		Target:         ref,
		State:          StateInit,
		CreatedAt:      now,
		ForwardAddress: forwardAddress,
	}

	if ttl > 0 {
		s.Deadline = now.Add(ttl)
	}

	return s
}

// Lifetime returns how long the session has existed, using FinishedAt for
// finished sessions.
func (s *Session) Lifetime() time.Duration {
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.CreatedAt)
	}

	return time.Since(s.CreatedAt)
}

// Expired reports whether the session's inactivity deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}
