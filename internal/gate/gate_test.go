package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBeforeAwaitIsDiscarded(t *testing.T) {
	g := New([]string{"alice"})

	assert.False(t, g.Signal("alice", true))
	assert.Equal(t, StateAwaitingPreview, g.State())
}

func TestUnauthorizedSignalIsDiscarded(t *testing.T) {
	g := New([]string{"alice"})

	done := make(chan Decision, 1)
	go func() { done <- g.Await(context.Background(), time.Second) }()
	waitForState(t, g, StateAwaitingApproval)

	assert.False(t, g.Signal("mallory", true))
	assert.True(t, g.Signal("alice", true))

	d := <-done
	assert.Equal(t, Approved, d.Outcome)
	assert.Equal(t, "alice", d.Actor)
	assert.Equal(t, StateApproved, g.State())
}

func TestRejectAbortsGate(t *testing.T) {
	g := New([]string{"alice", "bob"})

	done := make(chan Decision, 1)
	go func() { done <- g.Await(context.Background(), time.Second) }()
	waitForState(t, g, StateAwaitingApproval)

	require.True(t, g.Signal("bob", false))

	d := <-done
	assert.Equal(t, Rejected, d.Outcome)
	assert.Equal(t, "bob", d.Actor)
	assert.Equal(t, StateAborted, g.State())
}

func TestExactlyOneSignalWins(t *testing.T) {
	g := New([]string{"alice", "bob"})

	done := make(chan Decision, 1)
	go func() { done <- g.Await(context.Background(), time.Second) }()
	waitForState(t, g, StateAwaitingApproval)

	require.True(t, g.Signal("alice", true))
	assert.False(t, g.Signal("bob", false))
	assert.False(t, g.Signal("alice", true))

	d := <-done
	assert.Equal(t, Approved, d.Outcome)
	assert.Equal(t, "alice", d.Actor)
}

func TestDeadlineFailsClosed(t *testing.T) {
	g := New([]string{"alice"})

	d := g.Await(context.Background(), 20*time.Millisecond)
	assert.Equal(t, TimedOut, d.Outcome)
	assert.Empty(t, d.Actor)
	assert.Equal(t, StateTimedOut, g.State())

	// Late signals after expiry are discarded.
	assert.False(t, g.Signal("alice", true))
}

func TestContextCancelCountsAsRejection(t *testing.T) {
	g := New([]string{"alice"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- g.Await(ctx, time.Minute) }()
	waitForState(t, g, StateAwaitingApproval)
	cancel()

	d := <-done
	assert.Equal(t, Rejected, d.Outcome)
	assert.Equal(t, StateAborted, g.State())
}

func TestReenteredGateFailsClosed(t *testing.T) {
	g := New([]string{"alice"})

	_ = g.Await(context.Background(), time.Millisecond)
	d := g.Await(context.Background(), time.Millisecond)
	assert.Equal(t, Rejected, d.Outcome)
}

func waitForState(t *testing.T, g *Gate, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("gate never reached state %s", want)
}
