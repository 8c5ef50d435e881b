package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/provider"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

var (
	_ repository.AccountRepositoryInterface  = (*mockAccountRepo)(nil)
	_ repository.MessageRepositoryInterface  = (*mockMessageRepo)(nil)
	_ repository.ContactRepositoryInterface  = (*mockContactRepo)(nil)
	_ repository.QueueJobRepositoryInterface = (*mockJobRepo)(nil)
	_ queue.Publisher                        = (*mockPublisher)(nil)
)

// In-memory repository doubles shared by the service tests.

type mockAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*model.EmailAccount
	nextID   int64
}

func newMockAccountRepo() *mockAccountRepo {
	return &mockAccountRepo{accounts: map[int64]*model.EmailAccount{}, nextID: 1}
}

func (m *mockAccountRepo) Create(a *model.EmailAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID
	m.nextID++
	copy := *a
	m.accounts[a.ID] = &copy
	return nil
}

func (m *mockAccountRepo) FindByID(id int64) (*model.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	copy := *a
	return &copy, nil
}

func (m *mockAccountRepo) FindByUserEmailProvider(userID, emailAddress, providerName string) (*model.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.EmailAddress == emailAddress && a.Provider == providerName {
			copy := *a
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockAccountRepo) FindConnectedByUserID(userID string) ([]model.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.EmailAccount{}
	for id := int64(1); id < m.nextID; id++ {
		if a, ok := m.accounts[id]; ok && a.UserID == userID && a.Status == model.AccountConnected {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAccountRepo) ListAddresses(userID string) ([]string, error) {
	accounts, _ := m.FindConnectedByUserID(userID)
	out := []string{}
	for _, a := range accounts {
		out = append(out, a.EmailAddress)
	}
	return out, nil
}

func (m *mockAccountRepo) UpdateTokens(id int64, accessToken, refreshToken string, tokenExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d not found", id)
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.TokenExpiry = &tokenExpiry
	a.Status = model.AccountConnected
	return nil
}

func (m *mockAccountRepo) UpdateStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Status = status
	}
	return nil
}

func (m *mockAccountRepo) UpdateSyncState(id int64, lastSyncAt time.Time, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.LastSyncAt = &lastSyncAt
		a.SyncCursor = cursor
	}
	return nil
}

func (m *mockAccountRepo) Disconnect(id int64) error {
	return m.UpdateStatus(id, model.AccountDisconnected)
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages []*model.EmailMessage
	nextID   int64
	page     []model.EmailMessage // canned ListCampaignLinked result
	total    int
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{nextID: 1}
}

func (m *mockMessageRepo) Upsert(ctx context.Context, msg *model.EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.EmailAccountID == msg.EmailAccountID && existing.MessageID == msg.MessageID {
			existing.ConversationID = msg.ConversationID
			existing.Type = msg.Type
			existing.Subject = msg.Subject
			existing.SenderName = msg.SenderName
			existing.SenderEmail = msg.SenderEmail
			existing.Receiver = msg.Receiver
			existing.BodyPreview = msg.BodyPreview
			existing.Body = msg.Body
			existing.ReceivedAt = msg.ReceivedAt
			existing.IsRead = msg.IsRead
			if msg.CampaignID != nil {
				existing.CampaignID = msg.CampaignID
			}
			if msg.ContactID != nil {
				existing.ContactID = msg.ContactID
			}
			existing.IsReply = existing.IsReply || msg.IsReply
			msg.ID = existing.ID
			return nil
		}
	}
	msg.ID = m.nextID
	m.nextID++
	copy := *msg
	m.messages = append(m.messages, &copy)
	return nil
}

func (m *mockMessageRepo) BulkUpsert(ctx context.Context, msgs []model.EmailMessage) int {
	for i := range msgs {
		if err := m.Upsert(ctx, &msgs[i]); err != nil {
			return i
		}
	}
	return len(msgs)
}

func (m *mockMessageRepo) FindByAccountAndMessageID(accountID int64, messageID string) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EmailAccountID == accountID && msg.MessageID == messageID {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockMessageRepo) FindPlaceholder(accountID int64, subject, receiver string) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EmailAccountID == accountID && msg.Subject == subject && msg.Receiver == receiver && msg.IsPlaceholder() {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockMessageRepo) PromotePlaceholder(id int64, messageID string, conversationID *string, receivedAt time.Time, bodyPreview, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			msg.MessageID = messageID
			msg.ConversationID = conversationID
			msg.ReceivedAt = receivedAt
			msg.BodyPreview = bodyPreview
			msg.Body = body
			return nil
		}
	}
	return fmt.Errorf("message %d not found", id)
}

func (m *mockMessageRepo) MergeLinkage(id int64, campaignID *string, contactID *int64, isReply bool, conversationID *string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			if campaignID != nil {
				msg.CampaignID = campaignID
			}
			if contactID != nil {
				msg.ContactID = contactID
			}
			msg.IsReply = msg.IsReply || isReply
			if conversationID != nil {
				msg.ConversationID = conversationID
			}
			msg.Body = body
			return nil
		}
	}
	return fmt.Errorf("message %d not found", id)
}

func (m *mockMessageRepo) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockMessageRepo) FindLinkedByConversation(conversationID string) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ConversationID != nil && *msg.ConversationID == conversationID && msg.CampaignID != nil {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockMessageRepo) FindByUserAndMessageID(userID, messageID string) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.UserID == userID && msg.MessageID == messageID {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockMessageRepo) FindByCampaignAndContact(userID, campaignID string, contactID int64) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.UserID == userID && msg.CampaignID != nil && *msg.CampaignID == campaignID &&
			msg.ContactID != nil && *msg.ContactID == contactID {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockMessageRepo) UpdateConversationID(id int64, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			cid := conversationID
			msg.ConversationID = &cid
			return nil
		}
	}
	return nil
}

func (m *mockMessageRepo) LastReceivedAt(accountID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, msg := range m.messages {
		if msg.EmailAccountID == accountID {
			if latest == nil || msg.ReceivedAt.After(*latest) {
				t := msg.ReceivedAt
				latest = &t
			}
		}
	}
	return latest, nil
}

func (m *mockMessageRepo) ListCampaignLinked(userID string, accountID int64, page, limit int, sentiment, campaignID string) ([]model.EmailMessage, int, error) {
	return m.page, m.total, nil
}

func (m *mockMessageRepo) all() []model.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EmailMessage, len(m.messages))
	for i, msg := range m.messages {
		out[i] = *msg
	}
	return out
}

type mockContactRepo struct {
	contacts map[string]*model.Contact // keyed by email
	latest   map[int64]int             // contact id -> latest linkable campaign
	history  map[string][]int
}

func newMockContactRepo() *mockContactRepo {
	return &mockContactRepo{
		contacts: map[string]*model.Contact{},
		latest:   map[int64]int{},
		history:  map[string][]int{},
	}
}

func (m *mockContactRepo) FindByEmail(userID, email string) (*model.Contact, error) {
	c, ok := m.contacts[email]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	copy := *c
	return &copy, nil
}

func (m *mockContactRepo) LatestCampaignID(contactID int64) (int, bool, error) {
	id, ok := m.latest[contactID]
	return id, ok, nil
}

func (m *mockContactRepo) CampaignsByEmails(emails []string) (map[string][]int, error) {
	out := map[string][]int{}
	for _, e := range emails {
		if ids, ok := m.history[e]; ok {
			out[e] = ids
		}
	}
	return out, nil
}

type mockJobRepo struct {
	mu      sync.Mutex
	jobs    map[int64]*model.QueueJob
	nextID  int64
	pending map[int][]int64 // campaign id -> job ids considered pending
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: map[int64]*model.QueueJob{}, nextID: 1, pending: map[int][]int64{}}
}

func (m *mockJobRepo) BulkCreate(jobs []model.QueueJob) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range jobs {
		job := &jobs[i]
		job.ID = m.nextID
		m.nextID++
		if job.MaxRetries == 0 {
			job.MaxRetries = 3
		}
		job.Status = model.JobPending
		copy := *job
		m.jobs[job.ID] = &copy
		m.pending[job.CampaignID] = append(m.pending[job.CampaignID], job.ID)
	}
	return len(jobs), nil
}

func (m *mockJobRepo) FindByID(id int64) (*model.QueueJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	copy := *j
	return &copy, nil
}

func (m *mockJobRepo) FindPendingByCampaign(campaignID int) ([]model.QueueJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.QueueJob{}
	for _, id := range m.pending[campaignID] {
		if j := m.jobs[id]; j != nil && j.Status == model.JobPending {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *mockJobRepo) MarkQueued(id int64, emailAccountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = model.JobQueued
		j.EmailAccountID = emailAccountID
	}
	return nil
}

func (m *mockJobRepo) MarkSent(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = model.JobSent
		j.LastError = ""
	}
	return nil
}

func (m *mockJobRepo) MarkFailed(id int64, lastError string, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = model.JobFailed
		j.LastError = lastError
		j.AttemptCount++
		j.NextRetryAt = nextRetryAt
	}
	return nil
}

func (m *mockJobRepo) ResetFailed(campaignID int, force bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.pending[campaignID] {
		j := m.jobs[id]
		if j == nil || j.Status != model.JobFailed || j.AttemptCount >= j.MaxRetries {
			continue
		}
		if !force && j.NextRetryAt != nil && j.NextRetryAt.After(time.Now()) {
			continue
		}
		j.Status = model.JobPending
		n++
	}
	return n, nil
}

func (m *mockJobRepo) Statistics(campaignID int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{"pending": 0, "queued": 0, "sent": 0, "failed": 0}
	for _, j := range m.jobs {
		if j.CampaignID == campaignID {
			stats[j.Status]++
		}
	}
	return stats, nil
}

func (m *mockJobRepo) AccountStats(emailAccountID int64, from, to time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{"pending": 0, "queued": 0, "sent": 0, "failed": 0, "total": 0}
	for _, j := range m.jobs {
		if j.EmailAccountID == emailAccountID {
			stats[j.Status]++
			stats["total"]++
		}
	}
	return stats, nil
}

// mockProvider is a scriptable provider adapter.
type mockProvider struct {
	mu sync.Mutex

	fetchResult *provider.FetchResult
	fetchErr    error
	fetchCalls  int
	lastOpts    provider.FetchOptions

	refreshTokens *provider.Tokens
	refreshErr    error
	refreshCalls  int

	sendResult *provider.SendResult
	sendErr    error
	sendCalls  int
	lastSend   provider.SendRequest

	replyResult *provider.SendResult
	replyErr    error
	replyCalls  int
	lastReplyID string
}

func (p *mockProvider) Name() string                      { return "mock" }
func (p *mockProvider) AuthURL(redirectURI string) string { return "https://auth.mock/consent" }

func (p *mockProvider) Exchange(ctx context.Context, code, redirectURI string) (*provider.Tokens, error) {
	return &provider.Tokens{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: 3600}, nil
}

func (p *mockProvider) Refresh(ctx context.Context, refreshToken string) (*provider.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	if p.refreshTokens != nil {
		return p.refreshTokens, nil
	}
	return &provider.Tokens{AccessToken: "fresh-access", ExpiresIn: 3600}, nil
}

func (p *mockProvider) Profile(ctx context.Context, accessToken string) (string, error) {
	return "me@example.test", nil
}

func (p *mockProvider) Messages(ctx context.Context, creds provider.Credentials, opts provider.FetchOptions) (*provider.FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	p.lastOpts = opts
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if p.fetchResult != nil {
		return p.fetchResult, nil
	}
	return &provider.FetchResult{}, nil
}

func (p *mockProvider) Send(ctx context.Context, creds provider.Credentials, req provider.SendRequest) (*provider.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++
	p.lastSend = req
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	if p.sendResult != nil {
		return p.sendResult, nil
	}
	return &provider.SendResult{Success: true, MessageID: fmt.Sprintf("sent-%d", p.sendCalls)}, nil
}

func (p *mockProvider) Reply(ctx context.Context, creds provider.Credentials, messageID string, req provider.ReplyRequest) (*provider.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyCalls++
	p.lastReplyID = messageID
	if p.replyErr != nil {
		return nil, p.replyErr
	}
	if p.replyResult != nil {
		return p.replyResult, nil
	}
	return &provider.SendResult{Success: true, MessageID: "reply-1", ConversationID: "conv-1"}, nil
}

var _ provider.Provider = (*mockProvider)(nil)

// mockPublisher records published jobs.
type mockPublisher struct {
	mu   sync.Mutex
	jobs []queue.SendJob
	err  error
}

func (m *mockPublisher) PublishSendJobs(jobs []queue.SendJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, jobs...)
	return nil
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }
