package repository

import (
	"database/sql"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
)

type QueueJobRepositoryInterface interface {
	BulkCreate(jobs []model.QueueJob) (int, error)
	FindByID(id int64) (*model.QueueJob, error)
	FindPendingByCampaign(campaignID int) ([]model.QueueJob, error)
	MarkQueued(id int64, emailAccountID int64) error
	MarkSent(id int64) error
	MarkFailed(id int64, lastError string, nextRetryAt *time.Time) error
	ResetFailed(campaignID int, force bool) (int, error)
	Statistics(campaignID int) (map[string]int, error)
	AccountStats(emailAccountID int64, from, to time.Time) (map[string]int, error)
}

type QueueJobRepository struct {
	DB *sql.DB
}

const queueJobColumns = `id, campaign_id, contact_id, email_account_id, recipient_email,
	subject, body, cc, bcc, status, attempt_count, max_retries, last_error, next_retry_at, created_at, updated_at`

func scanQueueJob(scanner interface{ Scan(...any) error }) (*model.QueueJob, error) {
	var j model.QueueJob
	err := scanner.Scan(
		&j.ID, &j.CampaignID, &j.ContactID, &j.EmailAccountID, &j.RecipientEmail,
		&j.Subject, &j.Body, &j.CC, &j.BCC, &j.Status, &j.AttemptCount, &j.MaxRetries,
		&j.LastError, &j.NextRetryAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// BulkCreate inserts campaign-preparation jobs in pending status. Account
// assignment happens later, during distribution.
func (r *QueueJobRepository) BulkCreate(jobs []model.QueueJob) (int, error) {
	query := `
        INSERT INTO email_queue
        (campaign_id, contact_id, email_account_id, recipient_email, subject, body, cc, bcc, status, attempt_count, max_retries, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9, NOW(), NOW())
        RETURNING id
    `
	created := 0
	for i := range jobs {
		job := &jobs[i]
		if job.MaxRetries == 0 {
			job.MaxRetries = 3
		}
		err := r.DB.QueryRow(query,
			job.CampaignID, job.ContactID, job.EmailAccountID, job.RecipientEmail,
			job.Subject, job.Body, job.CC, job.BCC, job.MaxRetries,
		).Scan(&job.ID)
		if err != nil {
			return created, err
		}
		job.Status = model.JobPending
		created++
	}
	return created, nil
}

func (r *QueueJobRepository) FindByID(id int64) (*model.QueueJob, error) {
	query := `SELECT ` + queueJobColumns + ` FROM email_queue WHERE id=$1`
	return scanQueueJob(r.DB.QueryRow(query, id))
}

// FindPendingByCampaign returns pending jobs whose retry timer, if any, is
// due, in submission order.
func (r *QueueJobRepository) FindPendingByCampaign(campaignID int) ([]model.QueueJob, error) {
	query := `SELECT ` + queueJobColumns + `
        FROM email_queue
        WHERE campaign_id=$1 AND status='pending'
          AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.QueueJob{}
	for rows.Next() {
		j, err := scanQueueJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *QueueJobRepository) MarkQueued(id int64, emailAccountID int64) error {
	query := `UPDATE email_queue SET status='queued', email_account_id=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, emailAccountID, id)
	return err
}

func (r *QueueJobRepository) MarkSent(id int64) error {
	query := `UPDATE email_queue SET status='sent', last_error='', updated_at=NOW() WHERE id=$1`
	_, err := r.DB.Exec(query, id)
	return err
}

// MarkFailed increments the attempt counter. A nil nextRetryAt leaves the
// job terminally failed until a sweep or manual reset.
func (r *QueueJobRepository) MarkFailed(id int64, lastError string, nextRetryAt *time.Time) error {
	query := `
        UPDATE email_queue
        SET status='failed', last_error=$1, attempt_count=attempt_count+1, next_retry_at=$2, updated_at=NOW()
        WHERE id=$3
    `
	_, err := r.DB.Exec(query, lastError, nextRetryAt, id)
	return err
}

// ResetFailed flips retryable failed jobs back to pending. With force=true
// the retry timer is ignored (the manual sweep).
func (r *QueueJobRepository) ResetFailed(campaignID int, force bool) (int, error) {
	query := `
        UPDATE email_queue
        SET status='pending', updated_at=NOW()
        WHERE campaign_id=$1 AND status='failed' AND attempt_count < max_retries
    `
	if !force {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= NOW())`
	}
	result, err := r.DB.Exec(query, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (r *QueueJobRepository) Statistics(campaignID int) (map[string]int, error) {
	rows, err := r.DB.Query(
		`SELECT status, COUNT(*) FROM email_queue WHERE campaign_id=$1 GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "queued": 0, "sent": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *QueueJobRepository) AccountStats(emailAccountID int64, from, to time.Time) (map[string]int, error) {
	rows, err := r.DB.Query(
		`SELECT status, COUNT(*) FROM email_queue
         WHERE email_account_id=$1 AND created_at >= $2 AND created_at <= $3
         GROUP BY status`,
		emailAccountID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "queued": 0, "sent": 0, "failed": 0}
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}

var _ QueueJobRepositoryInterface = (*QueueJobRepository)(nil)
