// Package telegram is the chat transport: a long-poll loop feeding a
// broadcast of inbound updates, a command responder, and the outbound
// delivery channel.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"notify-dispatch/internal/common/config"
	"notify-dispatch/internal/common/logger"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const textLimit = 4096

// Client wraps the Bot API for the poller, the responder and the channel.
// Sends share one rate limit.
type Client struct {
	bot         *tele.Bot
	limiter     *rate.Limiter
	pollTimeout time.Duration
	logger      logger.Logger
}

func NewClient(cfg config.TelegramConfig, log logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	pollTimeout := time.Duration(cfg.PollTimeout) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = 60 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 25
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		// The HTTP timeout must outlast the server side long-poll wait.
		Client: &http.Client{Timeout: pollTimeout + 10*time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Client{
		bot:         bot,
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		pollTimeout: pollTimeout,
		logger:      logger.Component(log, "telegram"),
	}, nil
}

type getUpdatesResponse struct {
	Result []tele.Update `json:"result"`
}

// GetUpdates long-polls for updates after offset. It returns when the
// server answers or ctx is done; an abandoned call finishes in the background.
func (c *Client) GetUpdates(ctx context.Context, offset int) ([]tele.Update, error) {
	params := map[string]string{
		"offset":          strconv.Itoa(offset),
		"timeout":         strconv.Itoa(int(c.pollTimeout / time.Second)),
		"allowed_updates": `["message"]`,
	}

	type result struct {
		updates []tele.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.bot.Raw("getUpdates", params)
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp getUpdatesResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			done <- result{err: fmt.Errorf("decode getUpdates response: %w", err)}
			return
		}
		done <- result{updates: resp.Result}
	}()

	select {
	case r := <-done:
		return r.updates, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendMessage sends HTML text to chatID, split into chunks the API accepts.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into pieces of at most limit runes, preferring line
// breaks. Tags and entities are never cut. Tags open at a cut are closed at
// the end of the piece and reopened at the start of the next, so every piece
// is balanced HTML on its own.
func splitText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	type cut struct {
		next  int
		bytes int
		runes int
		open  []htmlToken
	}

	toks := tokenizeHTML(s)
	var (
		out  []string
		open []htmlToken
	)
	for i := 0; i < len(toks); {
		var b strings.Builder
		n, visible := 0, 0
		for _, t := range open {
			b.WriteString(t.raw)
			n += t.runes
		}
		stack := append([]htmlToken(nil), open...)
		first := i
		var line *cut

		for i < len(toks) {
			t := toks[i]
			next := t.apply(stack)
			if i > first && n+t.runes+closingRunes(next) > limit {
				break
			}
			if t.raw == "\n" && visible > 0 {
				line = &cut{next: i + 1, bytes: b.Len(), runes: n, open: append([]htmlToken(nil), stack...)}
			}
			b.WriteString(t.raw)
			n += t.runes
			if t.kind != tokenTag {
				visible++
			}
			stack = next
			i++
		}

		text := b.String()
		switch {
		case i < len(toks) && line != nil && line.runes > limit/3:
			i, text, stack = line.next, text[:line.bytes], line.open
		case i < len(toks) && toks[i].raw == "\n":
			i++
		}
		out = append(out, strings.TrimRight(text, "\n")+closingTags(stack))
		open = stack
	}
	return out
}

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenEntity
	tokenTag
)

type htmlToken struct {
	kind    tokenKind
	raw     string
	runes   int
	name    string
	closing bool
	void    bool
}

// apply returns the open tag stack after t.
func (t htmlToken) apply(stack []htmlToken) []htmlToken {
	if t.kind != tokenTag || t.void {
		return stack
	}
	if !t.closing {
		return append(append([]htmlToken(nil), stack...), t)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].name == t.name {
			return append([]htmlToken(nil), stack[:i]...)
		}
	}
	return stack
}

func closingRunes(stack []htmlToken) int {
	n := 0
	for _, t := range stack {
		n += len(t.name) + 3
	}
	return n
}

func closingTags(stack []htmlToken) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString("</" + stack[i].name + ">")
	}
	return b.String()
}

// tokenizeHTML splits s into tags, character entities and single runes.
func tokenizeHTML(s string) []htmlToken {
	var toks []htmlToken
	for i := 0; i < len(s); {
		switch s[i] {
		case '<':
			if j := strings.IndexByte(s[i:], '>'); j > 0 {
				raw := s[i : i+j+1]
				toks = append(toks, parseTag(raw))
				i += j + 1
				continue
			}
		case '&':
			if j := strings.IndexByte(s[i:], ';'); j > 1 && j <= 10 && isEntityName(s[i+1:i+j]) {
				toks = append(toks, htmlToken{kind: tokenEntity, raw: s[i : i+j+1], runes: j + 1})
				i += j + 1
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		toks = append(toks, htmlToken{kind: tokenText, raw: s[i : i+size], runes: 1})
		i += size
	}
	return toks
}

func parseTag(raw string) htmlToken {
	t := htmlToken{kind: tokenTag, raw: raw, runes: utf8.RuneCountInString(raw)}
	body := raw[1 : len(raw)-1]
	if strings.HasPrefix(body, "/") {
		t.closing = true
		body = body[1:]
	}
	if strings.HasSuffix(body, "/") {
		t.void = true
	}
	end := strings.IndexFunc(body, func(r rune) bool {
		return !(r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	if end < 0 {
		end = len(body)
	}
	t.name = strings.ToLower(body[:end])
	if t.name == "" {
		t.void = true
	}
	return t
}

func isEntityName(s string) bool {
	for _, r := range s {
		if !(r == '#' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}
