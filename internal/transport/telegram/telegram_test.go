package telegram

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notify-dispatch/internal/common/config"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/transport/broadcast"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

// ==========================
// Fake Bot API
// ==========================

type fakeAPI struct {
	mu       sync.Mutex
	sent     []map[string]interface{}
	updates  string
	sendResp string
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch {
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		_, _ = w.Write([]byte(f.updates))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.sent = append(f.sent, body)
		resp := f.sendResp
		f.mu.Unlock()
		if resp == "" {
			resp = `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100,"type":"group"}}}`
		}
		_, _ = w.Write([]byte(resp))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.TelegramConfig{
		Token:         "123:abc",
		APIURL:        srv.URL,
		PollTimeout:   1000,
		RatePerSecond: 1000,
	}, logger.NewNoOpLogger())
	require.NoError(t, err)
	return c
}

// ==========================
// Client
// ==========================

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(config.TelegramConfig{}, logger.NewNoOpLogger())
	assert.Error(t, err)
}

func TestClient_GetUpdates(t *testing.T) {
	api := &fakeAPI{updates: `{"ok":true,"result":[
		{"update_id":41,"message":{"message_id":1,"date":0,"chat":{"id":-100,"type":"group"},"text":"/chatid"}},
		{"update_id":42,"message":{"message_id":2,"date":0,"chat":{"id":55,"type":"private"},"text":"hello"}}]}`}
	c := newTestClient(t, api)

	updates, err := c.GetUpdates(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, 41, updates[0].ID)
	assert.Equal(t, int64(-100), updates[0].Message.Chat.ID)
	assert.Equal(t, "hello", updates[1].Message.Text)
}

func TestClient_GetUpdatesAPIError(t *testing.T) {
	api := &fakeAPI{updates: `{"ok":false,"error_code":401,"description":"Unauthorized"}`}
	c := newTestClient(t, api)

	_, err := c.GetUpdates(context.Background(), 0)
	assert.Error(t, err)
}

func TestClient_GetUpdatesHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	c, err := NewClient(config.TelegramConfig{Token: "1:x", APIURL: srv.URL, PollTimeout: 1000}, logger.NewNoOpLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetUpdates(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SendMessageChunks(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	long := strings.Repeat("x", textLimit+10)
	require.NoError(t, c.SendMessage(context.Background(), -100, long))

	require.Len(t, api.sent, 2)
	assert.Equal(t, "-100", api.sent[0]["chat_id"])
	assert.Equal(t, "HTML", api.sent[0]["parse_mode"])
	assert.Len(t, api.sent[0]["text"], textLimit)
	assert.Len(t, api.sent[1]["text"], 10)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, parts)

	parts = splitText("abcdef<b>gh</b>", 8)
	assert.Equal(t, []string{"abcdef", "<b>g</b>", "<b>h</b>"}, parts)

	// Entities stay whole.
	parts = splitText("abc &amp; def", 6)
	assert.Equal(t, "abc ", parts[0])
	assert.Equal(t, "&amp; ", parts[1])
}

func TestSplitText_KeepsTagsBalanced(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "bold across a line break",
			text:  "<b>abc\ndef</b>",
			limit: 10,
			want:  []string{"<b>abc</b>", "<b>def</b>"},
		},
		{
			name:  "nested tags with attributes",
			text:  `<a href="https://x.io"><i>click here</i></a>`,
			limit: 40,
			want: []string{
				`<a href="https://x.io"><i>click </i></a>`,
				`<a href="https://x.io"><i>here</i></a>`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := splitText(tt.text, tt.limit)
			assert.Equal(t, tt.want, parts)
			for _, p := range parts {
				assert.LessOrEqual(t, len([]rune(p)), tt.limit)
				assert.Equal(t, strings.Count(p, "<b>"), strings.Count(p, "</b>"))
				assert.Equal(t, strings.Count(p, "<i>"), strings.Count(p, "</i>"))
			}
		})
	}
}

func TestSplitText_LongAlertStaysValid(t *testing.T) {
	line := "<b>fridge</b> is at <i>9 &deg;C</i>\n"
	text := strings.Repeat(line, 300)
	parts := splitText(text, textLimit)
	require.Greater(t, len(parts), 1)

	var plain strings.Builder
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), textLimit)
		assert.Equal(t, strings.Count(p, "<b>"), strings.Count(p, "</b>"))
		assert.Equal(t, strings.Count(p, "<i>"), strings.Count(p, "</i>"))
		plain.WriteString(p + "\n")
	}
	assert.Equal(t, 300, strings.Count(plain.String(), "fridge"))
}

// ==========================
// Channel
// ==========================

func TestChannel_Send(t *testing.T) {
	api := &fakeAPI{}
	ch := NewChannel(newTestClient(t, api), logger.NewNoOpLogger())

	require.NoError(t, ch.Send(context.Background(), " -100 ", "Fridge <3> warm", "Temperature is <b>9</b>"))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "<b>Fridge &lt;3&gt; warm</b>\n\nTemperature is <b>9</b>", api.sent[0]["text"])
}

func TestChannel_SendErrors(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		resp      string
		retryable bool
	}{
		{"invalid chat id", "@someone", "", false},
		{"blocked by user", "55", `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, false},
		{"chat not found", "55", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, false},
		{"server error", "55", `{"ok":false,"error_code":500,"description":"Internal Server Error"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{sendResp: tt.resp}
			ch := NewChannel(newTestClient(t, api), logger.NewNoOpLogger())

			err := ch.Send(context.Background(), tt.address, "t", "b")
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrDelivery))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(&tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the group chat"}))
	assert.False(t, retryable(stderrors.New("telegram: Bad Request: message is too long (400)")))
	assert.True(t, retryable(stderrors.New("telegram: Too Many Requests (429)")))
	assert.True(t, retryable(context.DeadlineExceeded))
}

// ==========================
// Poller and responder
// ==========================

type scriptedSource struct {
	mu      sync.Mutex
	steps   []func() ([]tele.Update, error)
	offsets []int
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int) ([]tele.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	var step func() ([]tele.Update, error)
	if len(s.steps) > 0 {
		step, s.steps = s.steps[0], s.steps[1:]
	}
	s.mu.Unlock()
	if step != nil {
		return step()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) seen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.offsets...)
}

func msgUpdate(id int, chatID int64, text string) tele.Update {
	return tele.Update{ID: id, Message: &tele.Message{Chat: &tele.Chat{ID: chatID}, Text: text}}
}

func TestPoller_RetriesAndPublishes(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]tele.Update, error){
		func() ([]tele.Update, error) { return nil, stderrors.New("connection reset") },
		func() ([]tele.Update, error) { return []tele.Update{msgUpdate(10, 1, "a"), msgUpdate(11, 1, "b")}, nil },
		func() ([]tele.Update, error) { return []tele.Update{msgUpdate(12, 1, "c")}, nil },
	}}
	bus := broadcast.New[tele.Update](nil)
	sub, unsub := bus.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPoller(source, bus, 10*time.Millisecond, logger.NewNoOpLogger()).Run(ctx)
		close(done)
	}()

	var got []string
	for len(got) < 3 {
		select {
		case u := <-sub:
			got = append(got, u.Message.Text)
		case <-time.After(2 * time.Second):
			t.Fatal("updates not published")
		}
	}
	// The fourth poll blocks on ctx with the advanced offset.
	require.Eventually(t, func() bool { return len(source.seen()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, []int{0, 0, 12, 13}, source.seen())
}

type MockReplier struct {
	mu      sync.Mutex
	replies map[int64][]string
	err     error
}

func (m *MockReplier) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replies == nil {
		m.replies = map[int64][]string{}
	}
	m.replies[chatID] = append(m.replies[chatID], text)
	return m.err
}

func (m *MockReplier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.replies {
		n += len(r)
	}
	return n
}

func TestResponder_Commands(t *testing.T) {
	bus := broadcast.New[tele.Update](nil)
	replier := &MockReplier{}
	r := NewResponder(bus, 8, replier, logger.NewNoOpLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	bus.Publish(msgUpdate(1, -100, "/chatid@notify_bot"))
	bus.Publish(msgUpdate(2, 55, "/start"))
	bus.Publish(msgUpdate(3, 55, "just chatting"))
	bus.Publish(tele.Update{ID: 4})
	bus.Publish(msgUpdate(5, 77, "/HELP"))

	require.Eventually(t, func() bool { return replier.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, replier.replies[-100][0], "<code>-100</code>")
	assert.Contains(t, replier.replies[55][0], "<code>55</code>")
	assert.Equal(t, helpText, replier.replies[77][0])
	assert.Equal(t, 0, bus.Subscribers())
}

func TestResponder_StopsWhenBusCloses(t *testing.T) {
	bus := broadcast.New[tele.Update](nil)
	r := NewResponder(bus, 1, &MockReplier{err: stderrors.New("down")}, logger.NewNoOpLogger())

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	bus.Publish(msgUpdate(1, 1, "/start"))
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}
}
