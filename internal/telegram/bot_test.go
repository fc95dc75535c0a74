package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s-bluegreen/internal/gate"
)

// fakeBot records everything sent through the API surface.
type fakeBot struct {
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requested = append(f.requested, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func newTestBot(g *gate.Gate) (*ApprovalBot, *fakeBot) {
	fb := &fakeBot{}
	return &ApprovalBot{bot: fb, chatID: -100123, gate: g, stopped: make(chan struct{})}, fb
}

func callback(user, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		From: &tgbotapi.User{UserName: user},
		Data: data,
		Message: &tgbotapi.Message{
			MessageID: 7,
			Chat:      &tgbotapi.Chat{ID: -100123},
			Text:      "Deployment approval required",
		},
	}
}

// awaitApproval parks the gate in awaiting-approval so callbacks can
// resolve it.
func awaitApproval(t *testing.T, g *gate.Gate) <-chan gate.Decision {
	t.Helper()
	done := make(chan gate.Decision, 1)
	go func() { done <- g.Await(context.Background(), time.Second) }()
	deadline := time.Now().Add(time.Second)
	for g.State() != gate.StateAwaitingApproval {
		if time.Now().After(deadline) {
			t.Fatal("gate never reached awaiting-approval")
		}
		time.Sleep(time.Millisecond)
	}
	return done
}

// The update loop signals completion when the updates channel closes,
// which is what Stop waits on.
func TestUpdateLoopSignalsShutdown(t *testing.T) {
	g := gate.New([]string{"alice"})
	b, fb := newTestBot(g)
	done := awaitApproval(t, g)

	updates := make(chan tgbotapi.Update, 1)
	go b.handleUpdates(updates)

	updates <- tgbotapi.Update{CallbackQuery: callback("alice", "approve:run-1")}
	close(updates)

	select {
	case <-b.stopped:
	case <-time.After(time.Second):
		t.Fatal("update loop never signalled shutdown")
	}

	// The in-flight callback was handled before the loop exited.
	d := <-done
	assert.Equal(t, gate.Approved, d.Outcome)
	require.Len(t, fb.requested, 1)
}

func TestCallbackApprovesGate(t *testing.T) {
	g := gate.New([]string{"alice"})
	b, fb := newTestBot(g)
	done := awaitApproval(t, g)

	b.handleCallback(callback("alice", "approve:run-1"))

	d := <-done
	assert.Equal(t, gate.Approved, d.Outcome)
	assert.Equal(t, "alice", d.Actor)

	// Callback answered and the prompt message edited.
	require.Len(t, fb.requested, 1)
	require.Len(t, fb.sent, 1)
	edit, ok := fb.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Contains(t, edit.Text, "Approved by @alice")
}

func TestCallbackRejectsGate(t *testing.T) {
	g := gate.New([]string{"bob"})
	b, _ := newTestBot(g)
	done := awaitApproval(t, g)

	b.handleCallback(callback("bob", "reject:run-1"))

	d := <-done
	assert.Equal(t, gate.Rejected, d.Outcome)
	assert.Equal(t, "bob", d.Actor)
}

func TestCallbackUnauthorizedUser(t *testing.T) {
	g := gate.New([]string{"alice"})
	b, fb := newTestBot(g)
	awaitApproval(t, g)

	b.handleCallback(callback("mallory", "approve:run-1"))

	assert.Equal(t, gate.StateAwaitingApproval, g.State())
	require.Len(t, fb.requested, 1)
	assert.Empty(t, fb.sent, "no message edit for denied callbacks")
}

func TestCallbackAfterResolution(t *testing.T) {
	g := gate.New([]string{"alice", "bob"})
	b, fb := newTestBot(g)
	done := awaitApproval(t, g)

	b.handleCallback(callback("alice", "approve:run-1"))
	<-done
	fb.sent = nil
	fb.requested = nil

	b.handleCallback(callback("bob", "reject:run-1"))
	assert.Equal(t, gate.StateApproved, g.State())
	require.Len(t, fb.requested, 1, "late callback still gets an answer")
	assert.Empty(t, fb.sent)
}

func TestCallbackMalformedData(t *testing.T) {
	g := gate.New([]string{"alice"})
	b, fb := newTestBot(g)
	awaitApproval(t, g)

	b.handleCallback(callback("alice", "garbage"))
	b.handleCallback(callback("alice", "restart:run-1"))

	assert.Equal(t, gate.StateAwaitingApproval, g.State())
	assert.Empty(t, fb.sent)
}

func TestPromptForApproval(t *testing.T) {
	g := gate.New([]string{"alice"})
	b, fb := newTestBot(g)

	require.NoError(t, b.PromptForApproval("run-1", "42", 30*time.Minute))
	require.Len(t, fb.sent, 1)

	msg, ok := fb.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100123), msg.ChatID)
	assert.Contains(t, msg.Text, "Build: 42")
	assert.Contains(t, msg.Text, "counts as a rejection")

	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 2)
	assert.Equal(t, "approve:run-1", *kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "reject:run-1", *kb.InlineKeyboard[0][1].CallbackData)
}

func TestNotifyResult(t *testing.T) {
	g := gate.New(nil)
	b, fb := newTestBot(g)

	require.NoError(t, b.NotifyResult("Build 42: success"))
	require.Len(t, fb.sent, 1)
	msg := fb.sent[0].(tgbotapi.MessageConfig)
	assert.True(t, strings.HasPrefix(msg.Text, "Build 42"))
}
