// internal/service/distributor_service.go
package service

import (
	"fmt"
	"log"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// maxQueuePriority matches the broker queue's x-max-priority.
const maxQueuePriority = 10

// DistributorService fans pending campaign jobs out over the user's
// connected accounts and hands them to the send queue.
type DistributorService struct {
	Accounts  repository.AccountRepositoryInterface
	Jobs      repository.QueueJobRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Publisher queue.Publisher
}

func NewDistributorService(
	accounts repository.AccountRepositoryInterface,
	jobs repository.QueueJobRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	publisher queue.Publisher,
) *DistributorService {
	return &DistributorService{Accounts: accounts, Jobs: jobs, Contacts: contacts, Publisher: publisher}
}

// OutboundEmail is one prepared campaign email awaiting distribution.
type OutboundEmail struct {
	ContactID      *int64 `json:"contactId"`
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	CC             string `json:"cc"`
	BCC            string `json:"bcc"`
}

// EnqueueCampaignEmails persists prepared emails as pending jobs and
// immediately distributes them.
func (s *DistributorService) EnqueueCampaignEmails(campaignID int, userID string, emails []OutboundEmail) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	jobs := make([]model.QueueJob, len(emails))
	for i, e := range emails {
		subject, body := e.Subject, e.Body
		if strings.Contains(subject+body, "{") {
			contact, err := s.Contacts.FindByEmail(userID, e.RecipientEmail)
			if err != nil {
				return 0, err
			}
			data := ContactData(contact)
			subject = RenderTemplate(subject, data)
			body = RenderTemplate(body, data)
		}

		jobs[i] = model.QueueJob{
			CampaignID:     campaignID,
			ContactID:      e.ContactID,
			RecipientEmail: e.RecipientEmail,
			Subject:        subject,
			Body:           body,
			CC:             e.CC,
			BCC:            e.BCC,
		}
	}

	created, err := s.Jobs.BulkCreate(jobs)
	if err != nil {
		return created, fmt.Errorf("failed to persist campaign jobs: %w", err)
	}
	log.Printf("✅ %d jobs created for campaign %d", created, campaignID)

	queued, err := s.Distribute(campaignID, userID)
	if err != nil {
		return queued, err
	}
	return queued, nil
}

// Distribute assigns every due pending job of the campaign to a connected
// account round-robin and publishes the batch. Earlier jobs get higher
// priority so the queue drains in submission order.
func (s *DistributorService) Distribute(campaignID int, userID string) (int, error) {
	accounts, err := s.Accounts.FindConnectedByUserID(userID)
	if err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		return 0, appErrors.ErrNoConnectedAccounts
	}

	jobs, err := s.Jobs.FindPendingByCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		log.Printf("📭 No pending jobs for campaign %d", campaignID)
		return 0, nil
	}

	now := time.Now().UnixMilli()
	sendJobs := make([]queue.SendJob, len(jobs))
	for i, job := range jobs {
		account := accounts[i%len(accounts)]

		priority := len(jobs) - i
		if priority > maxQueuePriority {
			priority = maxQueuePriority
		}

		sendJobs[i] = queue.SendJob{
			EmailAccountID: account.ID,
			RecipientEmail: job.RecipientEmail,
			Subject:        job.Subject,
			Body:           job.Body,
			CC:             job.CC,
			BCC:            job.BCC,
			JobID:          fmt.Sprintf("JOB_%d_%d_%d", campaignID, job.ID, now),
			EmailQueueID:   job.ID,
			Priority:       uint8(priority),
		}
	}

	if err := s.Publisher.PublishSendJobs(sendJobs); err != nil {
		return 0, fmt.Errorf("failed to publish send jobs for campaign %d: %w", campaignID, err)
	}

	queued := 0
	for i, job := range jobs {
		if err := s.Jobs.MarkQueued(job.ID, sendJobs[i].EmailAccountID); err != nil {
			log.Printf("⚠️ Failed to mark job %d queued: %v", job.ID, err)
			continue
		}
		queued++
	}

	log.Printf("🚀 Campaign %d: %d jobs distributed across %d accounts", campaignID, queued, len(accounts))
	return queued, nil
}

// RetryFailed resets retryable failed jobs to pending and redistributes
// them. force ignores the per-job retry timers.
func (s *DistributorService) RetryFailed(campaignID int, userID string, force bool) (int, error) {
	reset, err := s.Jobs.ResetFailed(campaignID, force)
	if err != nil {
		return 0, err
	}
	if reset == 0 {
		return 0, nil
	}
	log.Printf("🔁 Campaign %d: %d failed jobs reset for retry", campaignID, reset)
	return s.Distribute(campaignID, userID)
}

// Statistics returns job counts per status for the campaign.
func (s *DistributorService) Statistics(campaignID int) (map[string]int, error) {
	return s.Jobs.Statistics(campaignID)
}

// AccountStatistics returns job counts per status for one sending account
// in the given window.
func (s *DistributorService) AccountStatistics(accountID int64, from, to time.Time) (map[string]int, error) {
	return s.Jobs.AccountStats(accountID, from, to)
}
