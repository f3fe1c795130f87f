package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ConfigKind selects the configuration_data schema and the content templates.
type ConfigKind string

const (
	KindColdChain ConfigKind = "COLD_CHAIN"
	KindScheduled ConfigKind = "SCHEDULED"
)

// TemplatePrefix is the content template name prefix for the kind.
func (k ConfigKind) TemplatePrefix() string {
	return strings.ToLower(string(k))
}

type ConfigStatus string

const (
	ConfigEnabled  ConfigStatus = "ENABLED"
	ConfigDisabled ConfigStatus = "DISABLED"
)

type ChannelType string

const (
	ChannelEmail    ChannelType = "EMAIL"
	ChannelTelegram ChannelType = "TELEGRAM"
	ChannelSMS      ChannelType = "SMS"
)

// ParseChannelType accepts the stored names plus the "CHAT" alias, any case.
func ParseChannelType(s string) (ChannelType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EMAIL":
		return ChannelEmail, true
	case "TELEGRAM", "CHAT":
		return ChannelTelegram, true
	case "SMS":
		return ChannelSMS, true
	default:
		return "", false
	}
}

type EventStatus string

const (
	EventQueued  EventStatus = "QUEUED"
	EventSent    EventStatus = "SENT"
	EventErrored EventStatus = "ERRORED"
	EventFailed  EventStatus = "FAILED"
)

// Terminal reports whether no further delivery attempts are made.
func (s EventStatus) Terminal() bool {
	return s == EventSent || s == EventFailed
}

type NotificationConfig struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Kind                ConfigKind      `json:"kind"`
	Status              ConfigStatus    `json:"status"`
	Schedule            Schedule        `json:"schedule"`
	ConfigurationData   json.RawMessage `json:"configurationData"`
	RecipientIDs        []string        `json:"recipientIds"`
	RecipientListIDs    []string        `json:"recipientListIds"`
	SqlRecipientListIDs []string        `json:"sqlRecipientListIds"`
	LastProcessedAt     *time.Time      `json:"lastProcessedAt,omitempty"`
}

// Data decodes configuration_data as a JSON object. Empty payloads decode to an empty map.
func (c *NotificationConfig) Data() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(c.ConfigurationData) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(c.ConfigurationData, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

type Recipient struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ChannelType ChannelType `json:"notificationType"`
	Address     string      `json:"toAddress"`
}

type RecipientList struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RecipientListMember struct {
	ID              string `json:"id"`
	RecipientID     string `json:"recipientId"`
	RecipientListID string `json:"recipientListId"`
}

// SqlRecipientList synthesizes recipients from a parameterized query.
type SqlRecipientList struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	QueryTemplate      string   `json:"query"`
	RequiredParameters []string `json:"parameters"`
}

type NotificationEvent struct {
	ID              string      `json:"id"`
	ConfigID        string      `json:"notificationConfigId"`
	RecipientID     string      `json:"recipientId"`
	RecipientName   string      `json:"recipientName"`
	ChannelType     ChannelType `json:"notificationType"`
	ToAddress       string      `json:"toAddress"`
	Title           string      `json:"title"`
	Message         string      `json:"message"`
	Status          EventStatus `json:"status"`
	AttemptCount    int         `json:"attemptCount"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	LastAttemptedAt *time.Time  `json:"lastAttemptedAt,omitempty"`
	NextAttemptAt   *time.Time  `json:"nextAttemptAt,omitempty"`
	SentAt          *time.Time  `json:"sentAt,omitempty"`
}

type AuditLogType string

const (
	AuditEventsEnqueued           AuditLogType = "NOTIFICATION_EVENTS_ENQUEUED"
	AuditRecipientAddedToList     AuditLogType = "RECIPIENT_ADDED_TO_LIST"
	AuditRecipientRemovedFromList AuditLogType = "RECIPIENT_REMOVED_FROM_LIST"
	AuditConfigDeleted            AuditLogType = "NOTIFICATION_CONFIG_DELETED"
)

type AuditLogEntry struct {
	ID          string       `json:"id"`
	LogType     AuditLogType `json:"logType"`
	ReferenceID string       `json:"referenceId"`
	Timestamp   time.Time    `json:"datetime"`
}
