package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/provider"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// retryBackoffBase is the first send-retry delay; it doubles per attempt.
const retryBackoffBase = 2 * time.Second

// Worker executes queued send jobs: it sends the email through the
// assigned account's provider and updates the job row.
type Worker struct {
	Accounts repository.AccountRepositoryInterface
	Jobs     repository.QueueJobRepositoryInterface
	Sync     *SyncService
}

func NewWorker(accounts repository.AccountRepositoryInterface, jobs repository.QueueJobRepositoryInterface, sync *SyncService) *Worker {
	return &Worker{Accounts: accounts, Jobs: jobs, Sync: sync}
}

// Process handles one delivered job. A nil return means the delivery is
// settled either way: success, a scheduled retry, or a terminal failure.
// A non-nil return means nothing was recorded and the broker should
// redeliver.
func (w *Worker) Process(ctx context.Context, job queue.SendJob) error {
	row, err := w.Jobs.FindByID(job.EmailQueueID)
	if err != nil {
		return err
	}
	if row == nil {
		log.Printf("⚠️ Job %s references missing queue record %d, dropping", job.JobID, job.EmailQueueID)
		return nil
	}
	if row.Status == model.JobSent {
		log.Printf("⚠️ Job %s already sent, skipping redelivery", job.JobID)
		return nil
	}

	account, err := w.Accounts.FindByID(job.EmailAccountID)
	if err != nil {
		return err
	}
	if account == nil || account.Status != model.AccountConnected {
		w.fail(row, fmt.Sprintf("account %d is not connected", job.EmailAccountID))
		return nil
	}

	prov, creds, err := w.Sync.freshCredentials(ctx, account)
	if err != nil {
		if errors.Is(err, appErrors.ErrAccountDisconnected) {
			w.fail(row, "account credentials revoked")
			return nil
		}
		return err
	}

	result, err := prov.Send(ctx, creds, provider.SendRequest{
		To:      []string{job.RecipientEmail},
		Subject: job.Subject,
		Body:    job.Body,
		CC:      splitRecipients(job.CC),
		BCC:     splitRecipients(job.BCC),
	})
	if err != nil || !result.Success {
		reason := "provider rejected the message"
		if err != nil {
			reason = err.Error()
		}
		w.fail(row, reason)
		return nil
	}

	if err := w.Jobs.MarkSent(row.ID); err != nil {
		log.Printf("⚠️ Job %s sent but status update failed: %v", job.JobID, err)
	}

	campaignID := strconv.Itoa(row.CampaignID)
	w.Sync.recordOutbound(ctx, account, result, job.Subject, []string{job.RecipientEmail}, job.Body, &campaignID, row.ContactID, false)

	log.Printf("✅ Job %s sent via account %d to %s", job.JobID, account.ID, job.RecipientEmail)
	return nil
}

// fail records the failed attempt. Jobs under their retry budget get a
// backoff timer and go back to pending on the next sweep; exhausted ones
// stay terminally failed.
func (w *Worker) fail(row *model.QueueJob, reason string) {
	var nextRetry *time.Time
	if row.AttemptCount+1 < row.MaxRetries {
		next := time.Now().Add(retryBackoffBase << uint(row.AttemptCount))
		nextRetry = &next
		log.Printf("⚠️ Job %d failed (attempt %d/%d): %s, retry at %s",
			row.ID, row.AttemptCount+1, row.MaxRetries, reason, next.Format(time.RFC3339))
	} else {
		log.Printf("⚠️ Job %d permanently failed after %d attempts: %s", row.ID, row.AttemptCount+1, reason)
	}

	if err := w.Jobs.MarkFailed(row.ID, reason, nextRetry); err != nil {
		log.Printf("⚠️ Failed to record failure for job %d: %v", row.ID, err)
	}
}

func splitRecipients(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
