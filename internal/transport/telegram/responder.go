package telegram

import (
	"context"
	"fmt"
	"strings"

	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/transport/broadcast"

	tele "gopkg.in/telebot.v4"
)

// Replier sends a text reply to a chat.
type Replier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

const helpText = "This bot delivers notifications.\n\n" +
	"/chatid shows the id to register as a recipient address\n" +
	"/help shows this message"

// Responder answers commands from the broadcast of inbound updates.
type Responder struct {
	updates     <-chan tele.Update
	unsubscribe func()
	replier     Replier
	logger      logger.Logger
}

// NewResponder subscribes to bus immediately so no update published after
// construction is missed.
func NewResponder(bus *broadcast.Broadcaster[tele.Update], buffer int, replier Replier, log logger.Logger) *Responder {
	updates, unsubscribe := bus.Subscribe(buffer)
	return &Responder{
		updates:     updates,
		unsubscribe: unsubscribe,
		replier:     replier,
		logger:      logger.Component(log, "telegram-responder"),
	}
}

// Run handles updates until ctx is done or the broadcaster closes.
func (r *Responder) Run(ctx context.Context) {
	defer r.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-r.updates:
			if !ok {
				return
			}
			r.handle(ctx, u)
		}
	}
}

func (r *Responder) handle(ctx context.Context, u tele.Update) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return
	}
	reply, ok := replyFor(m)
	if !ok {
		return
	}
	if err := r.replier.SendMessage(ctx, m.Chat.ID, reply); err != nil {
		r.logger.Warn("reply failed", map[string]interface{}{
			"chatId": m.Chat.ID,
			"error":  err.Error(),
		})
	}
}

func replyFor(m *tele.Message) (string, bool) {
	fields := strings.Fields(m.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "start", "chatid":
		return fmt.Sprintf("Chat id: <code>%d</code>\nRegister it as a TELEGRAM recipient address to receive notifications here.", m.Chat.ID), true
	case "help":
		return helpText, true
	default:
		return "", false
	}
}
