package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/retry"
)

type MessageRepositoryInterface interface {
	Upsert(ctx context.Context, msg *model.EmailMessage) error
	BulkUpsert(ctx context.Context, msgs []model.EmailMessage) int
	FindByAccountAndMessageID(accountID int64, messageID string) (*model.EmailMessage, error)
	FindPlaceholder(accountID int64, subject, receiver string) (*model.EmailMessage, error)
	PromotePlaceholder(id int64, messageID string, conversationID *string, receivedAt time.Time, bodyPreview, body string) error
	MergeLinkage(id int64, campaignID *string, contactID *int64, isReply bool, conversationID *string, body string) error
	Delete(id int64) error
	FindLinkedByConversation(conversationID string) (*model.EmailMessage, error)
	FindByUserAndMessageID(userID, messageID string) (*model.EmailMessage, error)
	FindByCampaignAndContact(userID, campaignID string, contactID int64) (*model.EmailMessage, error)
	UpdateConversationID(id int64, conversationID string) error
	LastReceivedAt(accountID int64) (*time.Time, error)
	ListCampaignLinked(userID string, accountID int64, page, limit int, sentiment, campaignID string) ([]model.EmailMessage, int, error)
}

type MessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, email_account_id, message_id, conversation_id, type, subject,
	sender_name, sender_email, receiver, body_preview, body, received_at, is_read,
	campaign_id, contact_id, is_reply, user_id, updated_at`

func scanMessage(scanner interface{ Scan(...any) error }) (*model.EmailMessage, error) {
	var m model.EmailMessage
	err := scanner.Scan(
		&m.ID, &m.EmailAccountID, &m.MessageID, &m.ConversationID, &m.Type, &m.Subject,
		&m.SenderName, &m.SenderEmail, &m.Receiver, &m.BodyPreview, &m.Body, &m.ReceivedAt, &m.IsRead,
		&m.CampaignID, &m.ContactID, &m.IsReply, &m.UserID, &m.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Upsert writes one message keyed on (email_account_id, message_id). Re-runs
// of the same sync are no-ops apart from refreshed mutable fields.
func (r *MessageRepository) Upsert(ctx context.Context, msg *model.EmailMessage) error {
	query := `
        INSERT INTO email_messages
        (email_account_id, message_id, conversation_id, type, subject, sender_name, sender_email,
         receiver, body_preview, body, received_at, is_read, campaign_id, contact_id, is_reply, user_id, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
        ON CONFLICT (email_account_id, message_id) DO UPDATE SET
            conversation_id = EXCLUDED.conversation_id,
            type            = EXCLUDED.type,
            subject         = EXCLUDED.subject,
            sender_name     = EXCLUDED.sender_name,
            sender_email    = EXCLUDED.sender_email,
            receiver        = EXCLUDED.receiver,
            body_preview    = EXCLUDED.body_preview,
            body            = EXCLUDED.body,
            received_at     = EXCLUDED.received_at,
            is_read         = EXCLUDED.is_read,
            campaign_id     = COALESCE(EXCLUDED.campaign_id, email_messages.campaign_id),
            contact_id      = COALESCE(EXCLUDED.contact_id, email_messages.contact_id),
            is_reply        = email_messages.is_reply OR EXCLUDED.is_reply,
            updated_at      = NOW()
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		msg.EmailAccountID, msg.MessageID, msg.ConversationID, msg.Type, msg.Subject,
		msg.SenderName, msg.SenderEmail, msg.Receiver, msg.BodyPreview, msg.Body,
		msg.ReceivedAt, msg.IsRead, msg.CampaignID, msg.ContactID, msg.IsReply, msg.UserID,
	).Scan(&msg.ID)
}

// BulkUpsert persists a batch through the chunked retry combinator and
// returns how many records made it. One permanent failure never fails the
// whole batch; the idempotent upsert makes the next sync pick up the rest.
func (r *MessageRepository) BulkUpsert(ctx context.Context, msgs []model.EmailMessage) int {
	if len(msgs) == 0 {
		return 0
	}

	succeeded := retry.Batch(ctx, len(msgs), retry.BatchOptions{
		Retry: retry.Options{MaxRetries: 5, Name: "upsert email message"},
	}, func(i int) error {
		return r.Upsert(ctx, &msgs[i])
	})

	if len(succeeded) < len(msgs) {
		log.Printf("⚠️ batch upsert completed partially: %d/%d", len(succeeded), len(msgs))
	}
	return len(succeeded)
}

func (r *MessageRepository) FindByAccountAndMessageID(accountID int64, messageID string) (*model.EmailMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM email_messages WHERE email_account_id=$1 AND message_id=$2`
	return scanMessage(r.DB.QueryRow(query, accountID, messageID))
}

// FindPlaceholder looks for a locally created send-in-progress record that a
// provider-confirmed sent message should be reconciled with.
func (r *MessageRepository) FindPlaceholder(accountID int64, subject, receiver string) (*model.EmailMessage, error) {
	query := `SELECT ` + messageColumns + `
        FROM email_messages
        WHERE email_account_id=$1 AND subject=$2 AND receiver=$3
          AND (message_id LIKE 'REQ\_%' OR message_id LIKE 'campaign\_%')
        ORDER BY id ASC
        LIMIT 1`
	return scanMessage(r.DB.QueryRow(query, accountID, subject, receiver))
}

// PromotePlaceholder rewrites a placeholder in place with the provider-
// confirmed identifiers, keeping whatever campaign/contact linkage it holds.
func (r *MessageRepository) PromotePlaceholder(id int64, messageID string, conversationID *string, receivedAt time.Time, bodyPreview, body string) error {
	query := `
        UPDATE email_messages
        SET message_id=$1, conversation_id=$2, received_at=$3, body_preview=$4, body=$5, updated_at=NOW()
        WHERE id=$6
    `
	_, err := r.DB.Exec(query, messageID, conversationID, receivedAt, bodyPreview, body, id)
	return err
}

// MergeLinkage copies campaign/contact linkage onto an already-confirmed
// record, used when a concurrent sync confirmed the message first.
func (r *MessageRepository) MergeLinkage(id int64, campaignID *string, contactID *int64, isReply bool, conversationID *string, body string) error {
	query := `
        UPDATE email_messages
        SET campaign_id     = COALESCE($1, campaign_id),
            contact_id      = COALESCE($2, contact_id),
            is_reply        = is_reply OR $3,
            conversation_id = COALESCE($4, conversation_id),
            body            = $5,
            updated_at      = NOW()
        WHERE id=$6
    `
	_, err := r.DB.Exec(query, campaignID, contactID, isReply, conversationID, body, id)
	return err
}

func (r *MessageRepository) Delete(id int64) error {
	_, err := r.DB.Exec(`DELETE FROM email_messages WHERE id=$1`, id)
	return err
}

// FindLinkedByConversation returns any message in the conversation that
// already carries a campaign link, for linkage inheritance.
func (r *MessageRepository) FindLinkedByConversation(conversationID string) (*model.EmailMessage, error) {
	query := `SELECT ` + messageColumns + `
        FROM email_messages
        WHERE conversation_id=$1 AND campaign_id IS NOT NULL
        LIMIT 1`
	return scanMessage(r.DB.QueryRow(query, conversationID))
}

// FindByUserAndMessageID searches across all of the user's accounts, used
// by the reply path to locate the message being replied to.
func (r *MessageRepository) FindByUserAndMessageID(userID, messageID string) (*model.EmailMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM email_messages WHERE user_id=$1 AND message_id=$2 LIMIT 1`
	return scanMessage(r.DB.QueryRow(query, userID, messageID))
}

// FindByCampaignAndContact recovers the real message behind a synthetic
// campaign_<id>_..._<contactId> identifier.
func (r *MessageRepository) FindByCampaignAndContact(userID, campaignID string, contactID int64) (*model.EmailMessage, error) {
	query := `SELECT ` + messageColumns + `
        FROM email_messages
        WHERE user_id=$1 AND campaign_id=$2 AND contact_id=$3
        LIMIT 1`
	return scanMessage(r.DB.QueryRow(query, userID, campaignID, contactID))
}

func (r *MessageRepository) UpdateConversationID(id int64, conversationID string) error {
	_, err := r.DB.Exec(`UPDATE email_messages SET conversation_id=$1, updated_at=NOW() WHERE id=$2`, conversationID, id)
	return err
}

// LastReceivedAt is the boundary for the time-windowed fetch fallback.
func (r *MessageRepository) LastReceivedAt(accountID int64) (*time.Time, error) {
	var t time.Time
	err := r.DB.QueryRow(
		`SELECT received_at FROM email_messages WHERE email_account_id=$1 ORDER BY received_at DESC LIMIT 1`,
		accountID,
	).Scan(&t)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListCampaignLinked returns the flat page the thread aggregator works on:
// campaign-linked messages with a sender name, newest first. accountID 0
// means all of the user's accounts. The reply_type column behind the
// sentiment filter is written by an external classifier, not by this
// service; until it has run, sentiment filters match nothing.
func (r *MessageRepository) ListCampaignLinked(userID string, accountID int64, page, limit int, sentiment, campaignID string) ([]model.EmailMessage, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	offset := (page - 1) * limit

	where := ` WHERE user_id=$1 AND campaign_id IS NOT NULL AND sender_name <> ''`
	args := []interface{}{userID}
	argPos := 2

	if accountID != 0 {
		where += fmt.Sprintf(" AND email_account_id=$%d", argPos)
		args = append(args, accountID)
		argPos++
	}
	if campaignID != "" {
		where += fmt.Sprintf(" AND campaign_id=$%d", argPos)
		args = append(args, campaignID)
		argPos++
	}
	switch sentiment {
	case "":
	case "positive":
		where += " AND reply_type IN ('interested', 'positive')"
	case "negative":
		where += " AND reply_type IN ('not_interested', 'negative')"
	default:
		where += fmt.Sprintf(" AND reply_type=$%d", argPos)
		args = append(args, sentiment)
		argPos++
	}

	query := `SELECT ` + messageColumns + ` FROM email_messages` + where +
		fmt.Sprintf(" ORDER BY received_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := []model.EmailMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM email_messages` + where
	if err := r.DB.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
