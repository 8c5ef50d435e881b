// internal/model/email_message.go
package model

import (
	"strings"
	"time"
)

// Message direction values
const (
	MessageSent     = "sent"
	MessageReceived = "received"
)

// Placeholder message ids carry one of these prefixes until a sync run
// reconciles them with the provider-confirmed record.
const (
	PlaceholderReplyPrefix    = "REQ_"
	PlaceholderCampaignPrefix = "campaign_"
)

type EmailMessage struct {
	ID             int64      `db:"id" json:"id"`
	EmailAccountID int64      `db:"email_account_id" json:"email_account_id"`
	MessageID      string     `db:"message_id" json:"message_id"` // provider id, unique per account
	ConversationID *string    `db:"conversation_id" json:"conversation_id,omitempty"`
	Type           string     `db:"type" json:"type"` // sent, received
	Subject        string     `db:"subject" json:"subject"`
	SenderName     string     `db:"sender_name" json:"sender_name"`
	SenderEmail    string     `db:"sender_email" json:"sender_email"`
	Receiver       string     `db:"receiver" json:"receiver"`
	BodyPreview    string     `db:"body_preview" json:"body_preview"`
	Body           string     `db:"body" json:"body"`
	ReceivedAt     time.Time  `db:"received_at" json:"received_at"`
	IsRead         bool       `db:"is_read" json:"is_read"`
	CampaignID     *string    `db:"campaign_id" json:"campaign_id,omitempty"`
	ContactID      *int64     `db:"contact_id" json:"contact_id,omitempty"`
	IsReply        bool       `db:"is_reply" json:"is_reply"`
	UserID         string     `db:"user_id" json:"user_id"` // denormalized owner
	UpdatedAt      *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// IsPlaceholder reports whether the record was created locally by the
// send/reply path and still awaits provider confirmation.
func (m *EmailMessage) IsPlaceholder() bool {
	return strings.HasPrefix(m.MessageID, PlaceholderReplyPrefix) ||
		strings.HasPrefix(m.MessageID, PlaceholderCampaignPrefix)
}
