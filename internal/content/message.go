package content

import (
	"fmt"
	"html"
	"strings"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/models"
)

// Message is the rendered content of one configuration for one pass. Bodies
// are kept as rendered; BodyFor converts text bodies for the channels
// that deliver HTML.
type Message struct {
	Title         string
	Body          string
	BodyHTML      bool
	ChannelBodies map[models.ChannelType]string
	ChannelHTML   map[models.ChannelType]bool
}

// BodyFor returns the channel specific body, or the shared one, in the
// markup the channel sends. Text output is escaped for EMAIL and TELEGRAM,
// which carry HTML; email also gets line breaks.
func (m Message) BodyFor(ct models.ChannelType) string {
	body, isHTML := m.Body, m.BodyHTML
	if b, ok := m.ChannelBodies[ct]; ok {
		body, isHTML = b, m.ChannelHTML[ct]
	}
	if isHTML {
		return body
	}

	switch ct {
	case models.ChannelTelegram:
		return html.EscapeString(body)
	case models.ChannelEmail:
		return strings.ReplaceAll(html.EscapeString(body), "\n", "<br>\n")
	default:
		return body
	}
}

// Compose renders the content of kind for the given channels. Template names:
//
//	<kind>_title      optional, defaults to fallbackTitle
//	<kind>_body       shared body
//	<kind>_<channel>  channel body, e.g. cold_chain_email
//
// Every channel needs either its own template or the shared body.
func (s *TemplateSet) Compose(kind models.ConfigKind, fallbackTitle string, data map[string]interface{}, channels []models.ChannelType) (Message, error) {
	prefix := kind.TemplatePrefix()
	msg := Message{
		Title:         fallbackTitle,
		ChannelBodies: make(map[models.ChannelType]string),
		ChannelHTML:   make(map[models.ChannelType]bool),
	}

	if name := prefix + "_title"; s.Has(name) {
		title, err := s.Render(name, data)
		if err != nil {
			return Message{}, err
		}
		msg.Title = strings.TrimSpace(title)
	}

	bodyName := prefix + "_body"
	hasBody := s.Has(bodyName)
	if hasBody {
		body, err := s.Render(bodyName, data)
		if err != nil {
			return Message{}, err
		}
		msg.Body = body
		msg.BodyHTML = s.IsHTML(bodyName)
	}

	for _, ct := range channels {
		name := prefix + "_" + strings.ToLower(string(ct))
		if !s.Has(name) {
			if !hasBody {
				return Message{}, errors.NewRenderError(bodyName, fmt.Errorf("no %s or %s template", bodyName, name))
			}
			continue
		}
		body, err := s.Render(name, data)
		if err != nil {
			return Message{}, err
		}
		msg.ChannelBodies[ct] = body
		msg.ChannelHTML[ct] = s.IsHTML(name)
	}
	return msg, nil
}
