package queue

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// SendJobQueue is the durable queue name drained by cmd/worker.
const SendJobQueue = "email_send_jobs"

// Rate limit imposed by the mail providers: exceeding it produces
// provider-side throttling errors, so the worker must pace itself.
const (
	RateLimitMax    = 15
	RateLimitWindow = 90 * time.Second
)

// SendJob is the payload fanned out by the distributor, one per recipient.
// JobID is deterministic (campaign + queue record + timestamp) so consumers
// can dedup redeliveries.
type SendJob struct {
	EmailAccountID int64  `json:"emailAccountId"`
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	CC             string `json:"cc"`
	BCC            string `json:"bcc"`
	JobID          string `json:"jobId"`
	EmailQueueID   int64  `json:"emailQueueId"`
	Priority       uint8  `json:"-"` // transport concern, not payload
}

// Publisher is what the distributor depends on.
type Publisher interface {
	PublishSendJobs(jobs []SendJob) error
}

// InMemoryQueue is an in-process publisher with retry, used when no broker
// is configured and in tests.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers []func(SendJob) error
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

// Subscribe adds a handler invoked for every published job.
func (q *InMemoryQueue) Subscribe(handler func(SendJob) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

func (q *InMemoryQueue) PublishSendJobs(jobs []SendJob) error {
	q.mu.Lock()
	handlers := append([]func(SendJob) error(nil), q.handlers...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for send jobs")
	}

	for _, job := range jobs {
		for _, handler := range handlers {
			go q.processJob(handler, job)
		}
	}
	return nil
}

// processJob retries a failing handler with a linear backoff, mirroring the
// broker's redelivery behavior.
func (q *InMemoryQueue) processJob(handler func(SendJob) error, job SendJob) {
	const maxRetries = 3
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := handler(job)
		if err == nil {
			return
		}
		log.Printf("⚠️ Job %s failed (attempt %d/%d): %v", job.JobID, attempt+1, maxRetries+1, err)
		if attempt == maxRetries {
			log.Printf("⚠️ Job %s permanently failed after %d attempts", job.JobID, maxRetries+1)
			return
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
}

var _ Publisher = (*InMemoryQueue)(nil)
