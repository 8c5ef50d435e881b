// internal/model/queue_job.go
package model

import "time"

// Queue job status values. queued -> sent/failed is terminal except through
// an explicit retry reset back to pending.
const (
	JobPending = "pending"
	JobQueued  = "queued"
	JobSent    = "sent"
	JobFailed  = "failed"
)

type QueueJob struct {
	ID             int64      `db:"id" json:"id"`
	CampaignID     int        `db:"campaign_id" json:"campaign_id"`
	ContactID      *int64     `db:"contact_id" json:"contact_id,omitempty"`
	EmailAccountID int64      `db:"email_account_id" json:"email_account_id"` // assigned during distribution
	RecipientEmail string     `db:"recipient_email" json:"recipient_email"`
	Subject        string     `db:"subject" json:"subject"`
	Body           string     `db:"body" json:"body"`
	CC             string     `db:"cc" json:"cc,omitempty"`
	BCC            string     `db:"bcc" json:"bcc,omitempty"`
	Status         string     `db:"status" json:"status"` // pending, queued, sent, failed
	AttemptCount   int        `db:"attempt_count" json:"attempt_count"`
	MaxRetries     int        `db:"max_retries" json:"max_retries"`
	LastError      string     `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt    *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}
