package content

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func coldChainSet(t *testing.T) *TemplateSet {
	t.Helper()
	dir := writeTemplates(t, map[string]string{
		"cold_chain_title.tmpl":        "Temperature alert: {{ .data.sensor_id }}\n",
		"cold_chain_body.tmpl":         "{{ .data.sensor_id }} is above {{ .data.max_temperature }}",
		"cold_chain_email.html":        "<p>{{ .data.sensor_id }} is above {{ .data.max_temperature }}</p>",
		"cold_chain_email.schema.json": `{"type":"object","required":["data"]}`,
	})
	set, err := LoadAll(dir)
	require.NoError(t, err)
	return set
}

func alertData() map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{"sensor_id": "<fridge-3>", "max_temperature": 8},
	}
}

// ==========================
// LoadAll
// ==========================

func TestLoadAll(t *testing.T) {
	set := coldChainSet(t)
	assert.Equal(t, []string{"cold_chain_body", "cold_chain_email", "cold_chain_title"}, set.Names())
	assert.True(t, set.Has("cold_chain_email"))
	assert.False(t, set.Has("cold_chain_email.schema"))
}

func TestLoadAll_Failures(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"empty directory", map[string]string{}, "no templates found"},
		{"only unrelated files", map[string]string{"README.md": "hi"}, "no templates found"},
		{"parse error", map[string]string{"a.tmpl": "{{ .x "}, "parse template a.tmpl"},
		{"duplicate name", map[string]string{"a.tmpl": "x", "a.html": "y"}, "defined more than once"},
		{"orphan schema", map[string]string{"a.tmpl": "x", "b.schema.json": "{}"}, "has no template"},
		{"bad schema", map[string]string{"a.tmpl": "x", "a.schema.json": "{"}, "decode schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAll(writeTemplates(t, tt.files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := LoadAll(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// ==========================
// Render
// ==========================

func TestRender(t *testing.T) {
	set := coldChainSet(t)

	out, err := set.Render("cold_chain_body", alertData())
	require.NoError(t, err)
	assert.Equal(t, "<fridge-3> is above 8", out)

	out, err = set.Render("cold_chain_email", alertData())
	require.NoError(t, err)
	assert.Equal(t, "<p>&lt;fridge-3&gt; is above 8</p>", out)
}

func TestRender_Errors(t *testing.T) {
	set := coldChainSet(t)

	_, err := set.Render("nope", alertData())
	assert.True(t, stderrors.Is(err, errors.ErrRender))

	_, err = set.Render("cold_chain_body", map[string]interface{}{"data": map[string]interface{}{"sensor_id": "x"}})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRender))
	assert.Contains(t, err.Error(), "max_temperature")

	_, err = set.Render("cold_chain_email", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRender))
}

// ==========================
// Compose
// ==========================

func TestCompose(t *testing.T) {
	set := coldChainSet(t)

	msg, err := set.Compose(models.KindColdChain, "fallback", alertData(), []models.ChannelType{models.ChannelEmail, models.ChannelTelegram})
	require.NoError(t, err)
	assert.Equal(t, "Temperature alert: <fridge-3>", msg.Title)
	assert.Equal(t, "<p>&lt;fridge-3&gt; is above 8</p>", msg.BodyFor(models.ChannelEmail))
	assert.Equal(t, "&lt;fridge-3&gt; is above 8", msg.BodyFor(models.ChannelTelegram))
	assert.Equal(t, "<fridge-3> is above 8", msg.Body)
	assert.NotContains(t, msg.ChannelBodies, models.ChannelTelegram)
}

func TestCompose_FallbackTitleAndMissingBody(t *testing.T) {
	set, err := LoadAll(writeTemplates(t, map[string]string{
		"scheduled_email.html": "<p>{{ .title }}</p>",
	}))
	require.NoError(t, err)

	data := map[string]interface{}{"title": "Weekly report"}
	msg, err := set.Compose(models.KindScheduled, "Weekly report", data, []models.ChannelType{models.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, "Weekly report", msg.Title)
	assert.Equal(t, "<p>Weekly report</p>", msg.BodyFor(models.ChannelEmail))

	_, err = set.Compose(models.KindScheduled, "Weekly report", data, []models.ChannelType{models.ChannelEmail, models.ChannelSMS})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRender))
	assert.Contains(t, err.Error(), "scheduled_sms")
}

// ==========================
// Shipped templates
// ==========================

func TestShippedTemplates(t *testing.T) {
	set, err := LoadAll(filepath.Join("..", "..", "templates"))
	require.NoError(t, err)

	asOf := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ctx := map[string]interface{}{
		"config":         map[string]interface{}{"id": "cfg-1", "title": "Fridge watch", "kind": "COLD_CHAIN"},
		"data":           map[string]interface{}{"sensor_id": "fridge-3", "storage_name": "Depot <A>", "max_temperature": 8, "unit": "C"},
		"asOf":           asOf,
		"recipientCount": 2,
	}

	msg, err := set.Compose(models.KindColdChain, "fallback", ctx,
		[]models.ChannelType{models.ChannelEmail, models.ChannelTelegram, models.ChannelSMS})
	require.NoError(t, err)
	assert.Equal(t, "Temperature alert: Depot <A>", msg.Title)
	assert.Contains(t, msg.Body, "Maximum: 8 C")
	assert.Contains(t, msg.Body, "2026-03-01 08:00 UTC")
	assert.NotContains(t, msg.Body, "Minimum")
	assert.Contains(t, msg.BodyFor(models.ChannelEmail), "in Depot &lt;A&gt;")
	assert.Contains(t, msg.BodyFor(models.ChannelTelegram), "fridge-3 (Depot &lt;A&gt;)")
	assert.Equal(t, msg.Body, msg.BodyFor(models.ChannelSMS))

	scheduled := map[string]interface{}{
		"config": map[string]interface{}{"id": "cfg-2", "title": "Weekly digest", "kind": "SCHEDULED"},
		"data":   map[string]interface{}{},
		"asOf":   asOf,
	}
	msg, err = set.Compose(models.KindScheduled, "fallback", scheduled, []models.ChannelType{models.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, "Weekly digest", msg.Title)
	assert.Equal(t, "Scheduled notification Weekly digest.\n", msg.Body)
}

func TestShippedTemplates_TextBodyEscapedForHTMLChannels(t *testing.T) {
	set, err := LoadAll(filepath.Join("..", "..", "templates"))
	require.NoError(t, err)

	ctx := map[string]interface{}{
		"config": map[string]interface{}{"id": "cfg-2", "title": "Daily", "kind": "SCHEDULED"},
		"data":   map[string]interface{}{"message": "Freezer temp < 2C & falling"},
		"asOf":   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	msg, err := set.Compose(models.KindScheduled, "fallback", ctx,
		[]models.ChannelType{models.ChannelTelegram, models.ChannelEmail, models.ChannelSMS})
	require.NoError(t, err)
	assert.False(t, msg.BodyHTML)

	assert.Equal(t, "Freezer temp &lt; 2C &amp; falling\n", msg.BodyFor(models.ChannelTelegram))
	assert.Equal(t, "Freezer temp &lt; 2C &amp; falling<br>\n", msg.BodyFor(models.ChannelEmail))
	assert.Equal(t, "Freezer temp < 2C & falling\n", msg.BodyFor(models.ChannelSMS))
}
