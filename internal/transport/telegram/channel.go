package telegram

import (
	"context"
	stderrors "errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"

	tele "gopkg.in/telebot.v4"
)

// Sender is the outbound half of the client.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Channel delivers notifications to chat ids.
type Channel struct {
	sender Sender
	logger logger.Logger
}

func NewChannel(sender Sender, log logger.Logger) *Channel {
	return &Channel{sender: sender, logger: logger.Component(log, "telegram-channel")}
}

// Send renders the title in bold above body. body is sent as HTML.
func (c *Channel) Send(ctx context.Context, address, title, body string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return errors.NewDeliveryError("TELEGRAM", false, fmt.Errorf("invalid chat id %q", address))
	}

	text := body
	if t := strings.TrimSpace(title); t != "" {
		text = "<b>" + html.EscapeString(t) + "</b>\n\n" + body
	}

	if err := c.sender.SendMessage(ctx, chatID, text); err != nil {
		return errors.NewDeliveryError("TELEGRAM", retryable(err), err)
	}
	c.logger.Debug("telegram message sent", map[string]interface{}{"chatId": chatID})
	return nil
}

var apiCode = regexp.MustCompile(`\((\d{3})\)$`)

// retryable treats bad requests and forbidden chats (blocked bot, kicked,
// unknown chat) as permanent.
func retryable(err error) bool {
	code := 0
	var te *tele.Error
	if stderrors.As(err, &te) {
		code = te.Code
	} else if m := apiCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	return code != http.StatusBadRequest && code != http.StatusForbidden
}
