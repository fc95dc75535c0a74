package gate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State tracks where the gate is in its lifecycle. Transitions are
// strictly forward; once resolved the gate never re-enters a waiting
// state.
type State string

const (
	StateAwaitingPreview  State = "awaiting-preview"
	StateAwaitingApproval State = "awaiting-approval"
	StateApproved         State = "approved"
	StateAborted          State = "aborted"
	StateTimedOut         State = "approval-timeout"
)

// Outcome is the tri-state result of the approval wait.
type Outcome string

const (
	Approved Outcome = "approved"
	Rejected Outcome = "rejected"
	TimedOut Outcome = "timed-out"
)

// Decision records who resolved the gate and how. For a timeout the
// actor is empty.
type Decision struct {
	Outcome Outcome   `bson:"outcome" json:"outcome"`
	Actor   string    `bson:"actor" json:"actor"`
	At      time.Time `bson:"at" json:"at"`
}

// Gate blocks a pipeline run until an authorized human resolves it or
// the deadline expires. Expiry is treated the same as rejection: no
// promote command is ever issued without an explicit authorized accept.
type Gate struct {
	mu       sync.Mutex
	state    State
	allowed  map[string]bool
	resolved chan Decision
}

func New(allowedUsers []string) *Gate {
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[u] = true
	}
	return &Gate{
		state:    StateAwaitingPreview,
		allowed:  allowed,
		resolved: make(chan Decision, 1),
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Authorized reports whether the identity may resolve the gate.
func (g *Gate) Authorized(actor string) bool {
	return g.allowed[actor]
}

// Signal delivers an approve/reject decision from the named actor.
// It returns false when the signal is discarded: unauthorized actor,
// gate not yet awaiting approval, or gate already resolved. A
// discarded signal leaves the gate state unchanged.
func (g *Gate) Signal(actor string, approve bool) bool {
	if !g.allowed[actor] {
		logrus.Warnf("ignoring approval signal from unauthorized user %q", actor)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAwaitingApproval {
		logrus.Warnf("ignoring approval signal from %q in state %s", actor, g.state)
		return false
	}

	d := Decision{Actor: actor, At: time.Now()}
	if approve {
		d.Outcome = Approved
		g.state = StateApproved
	} else {
		d.Outcome = Rejected
		g.state = StateAborted
	}
	g.resolved <- d
	return true
}

// Await enters awaiting-approval and blocks until exactly one of: an
// authorized decision arrives, the deadline elapses, or ctx is
// cancelled. Cancellation counts as rejection (fail closed).
func (g *Gate) Await(ctx context.Context, deadline time.Duration) Decision {
	g.mu.Lock()
	if g.state != StateAwaitingPreview {
		state := g.state
		g.mu.Unlock()
		logrus.Errorf("gate re-entered in state %s; failing closed", state)
		return Decision{Outcome: Rejected, At: time.Now()}
	}
	g.state = StateAwaitingApproval
	g.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case d := <-g.resolved:
		return d
	case <-timer.C:
		return g.expire(StateTimedOut, TimedOut)
	case <-ctx.Done():
		return g.expire(StateAborted, Rejected)
	}
}

// expire closes the gate on deadline or cancellation, unless a signal
// won the race, in which case that decision is honored.
func (g *Gate) expire(state State, outcome Outcome) Decision {
	g.mu.Lock()
	if g.state != StateAwaitingApproval {
		g.mu.Unlock()
		return <-g.resolved
	}
	g.state = state
	g.mu.Unlock()
	return Decision{Outcome: outcome, At: time.Now()}
}
