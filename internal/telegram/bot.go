// internal/telegram/bot.go
package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/gate"
)

// ApprovalBot is the human approval channel: it posts the
// approve/reject prompt for a run and feeds authorized callbacks into
// the gate. Unauthorized users get a visible denial and the gate is
// left untouched.
type ApprovalBot struct {
	bot    BotInterface
	api    *tgbotapi.BotAPI
	chatID int64
	gate   *gate.Gate

	stopped chan struct{}
}

func NewApprovalBot(token string, chatID int64, g *gate.Gate) (*ApprovalBot, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			ForceAttemptHTTP2:   true,
		},
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	logrus.Infof("telegram bot authorized as @%s", api.Self.UserName)
	return &ApprovalBot{
		bot:     api,
		api:     api,
		chatID:  chatID,
		gate:    g,
		stopped: make(chan struct{}),
	}, nil
}

// Start begins consuming updates in a goroutine.
func (b *ApprovalBot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	go b.handleUpdates(updates)
}

// Stop shuts down the update stream and waits for in-flight callback
// handling to finish. Must not be called before Start.
func (b *ApprovalBot) Stop() {
	b.api.StopReceivingUpdates()
	<-b.stopped
}

func (b *ApprovalBot) handleUpdates(updates tgbotapi.UpdatesChannel) {
	defer close(b.stopped)
	for update := range updates {
		if update.CallbackQuery == nil {
			continue
		}
		b.handleCallback(update.CallbackQuery)
	}
}

func (b *ApprovalBot) handleCallback(cq *tgbotapi.CallbackQuery) {
	userName := cq.From.UserName
	parts := strings.SplitN(cq.Data, ":", 2)
	if len(parts) != 2 {
		logrus.Warnf("malformed callback data %q from @%s", cq.Data, userName)
		return
	}
	action, runID := parts[0], parts[1]
	logrus.Infof("approval callback from @%s: %s run %s", userName, action, runID)

	if !b.gate.Authorized(userName) {
		b.answer(cq.ID, "You are not authorized to resolve this deployment.")
		return
	}

	var approve bool
	switch action {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		logrus.Warnf("unknown callback action %q", action)
		return
	}

	if !b.gate.Signal(userName, approve) {
		b.answer(cq.ID, "This deployment is already resolved.")
		return
	}

	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	b.answer(cq.ID, fmt.Sprintf("Deployment %s.", verb))

	if cq.Message != nil {
		edit := tgbotapi.NewEditMessageText(cq.Message.Chat.ID, cq.Message.MessageID,
			cq.Message.Text+fmt.Sprintf("\n\n%s by @%s", strings.ToUpper(verb[:1])+verb[1:], userName))
		if _, err := b.bot.Send(edit); err != nil {
			logrus.Warnf("failed to edit approval message: %v", err)
		}
	}
}

func (b *ApprovalBot) answer(callbackID, text string) {
	if _, err := b.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		logrus.Warnf("failed to answer callback: %v", err)
	}
}

// PromptForApproval posts the inline approve/reject keyboard for a
// run, with the decision deadline spelled out.
func (b *ApprovalBot) PromptForApproval(runID, buildID string, deadline time.Duration) error {
	text := fmt.Sprintf(
		"Deployment approval required\n\n"+
			"Build: %s\n"+
			"Run: %s\n\n"+
			"The preview environment is healthy and ready for inspection.\n"+
			"No decision within %s counts as a rejection.",
		buildID, runID, deadline)

	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "approve:"+runID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "reject:"+runID),
		),
	)
	return b.sendWithRetry(msg)
}

// NotifyResult posts the final run summary to the approval chat.
func (b *ApprovalBot) NotifyResult(summary string) error {
	return b.sendWithRetry(tgbotapi.NewMessage(b.chatID, summary))
}

// sendWithRetry retries rate-limited sends; other errors back off
// quadratically up to maxRetries.
func (b *ApprovalBot) sendWithRetry(msg tgbotapi.Chattable) error {
	const maxRetries = 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := b.bot.Send(msg)
		if err == nil {
			return nil
		}
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 429 {
			retryAfter := time.Duration(1+attempt*attempt) * time.Second
			if apiErr.RetryAfter > 0 {
				retryAfter = time.Duration(apiErr.RetryAfter) * time.Second
			}
			logrus.Warnf("telegram rate limit (attempt %d/%d), retrying after %v", attempt, maxRetries, retryAfter)
			time.Sleep(retryAfter)
			continue
		}
		if attempt == maxRetries {
			return fmt.Errorf("sending telegram message after %d attempts: %w", maxRetries, err)
		}
		logrus.Warnf("telegram send failed (attempt %d/%d): %v", attempt, maxRetries, err)
		time.Sleep(time.Duration(attempt*attempt) * time.Second)
	}
	return nil
}
