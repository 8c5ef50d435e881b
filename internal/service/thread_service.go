// internal/service/thread_service.go
package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/parser"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// generalCampaignTag marks messages without a campaign link inside a thread
// whose other members are linked.
const generalCampaignTag = "general"

// ThreadService aggregates flat campaign-linked messages into conversation
// threads for the inbox view.
type ThreadService struct {
	Messages repository.MessageRepositoryInterface
	Contacts repository.ContactRepositoryInterface
}

func NewThreadService(messages repository.MessageRepositoryInterface, contacts repository.ContactRepositoryInterface) *ThreadService {
	return &ThreadService{Messages: messages, Contacts: contacts}
}

// ThreadMessage is one bubble in the conversation view. DisplaySide drives
// the chat-style layout: sent messages on the right, received on the left.
type ThreadMessage struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"messageId"`
	Type        string    `json:"type"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"senderName"`
	SenderEmail string    `json:"senderEmail"`
	Body        string    `json:"body"`
	BodyPreview string    `json:"bodyPreview"`
	ReceivedAt  time.Time `json:"receivedAt"`
	IsRead      bool      `json:"isRead"`
	IsReply     bool      `json:"isReply"`
	CampaignID  string    `json:"campaignId"`
	DisplaySide string    `json:"displaySide"` // left, right
}

// Thread is one aggregated conversation.
type Thread struct {
	ThreadKey         string          `json:"threadKey"`
	CampaignID        string          `json:"campaignId"`
	Participants      []string        `json:"participants"`
	ContactEmail      string          `json:"contactEmail"`
	ContactName       string          `json:"contactName"`
	Subject           string          `json:"subject"`
	LastMessageAt     time.Time       `json:"lastMessageAt"`
	LastMessageID     string          `json:"lastMessageId"`
	LastPreview       string          `json:"lastPreview"`
	MessageCount      int             `json:"messageCount"`
	Messages          []ThreadMessage `json:"messages"`
	PreviousCampaigns []int           `json:"previousCampaigns"`
}

// ThreadPage is one page of the aggregated inbox. Total counts flat
// messages, the unit the pagination runs on.
type ThreadPage struct {
	Threads    []Thread `json:"threads"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Total      int      `json:"total"`
	TotalPages int      `json:"totalPages"`
}

// ListThreads pages through campaign-linked messages and folds them into
// threads keyed by user, campaign and the unordered participant pair.
// accountID 0 spans all of the user's mailboxes.
func (s *ThreadService) ListThreads(userID string, accountID int64, page, limit int, sentiment, campaignID string) (*ThreadPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	messages, total, err := s.Messages.ListCampaignLinked(userID, accountID, page, limit, sentiment, campaignID)
	if err != nil {
		return nil, err
	}

	// Resolve campaign history for every counterpart address in one query.
	counterparts := map[string]bool{}
	for i := range messages {
		if addr := counterpartOf(&messages[i]); addr != "" {
			counterparts[addr] = true
		}
	}
	addresses := make([]string, 0, len(counterparts))
	for addr := range counterparts {
		addresses = append(addresses, addr)
	}
	campaignHistory, err := s.Contacts.CampaignsByEmails(addresses)
	if err != nil {
		return nil, err
	}

	threads := map[string]*Thread{}
	order := []string{}
	for i := range messages {
		m := &messages[i]

		sender := parser.ExtractEmail(m.SenderEmail)
		receiver := parser.ExtractEmail(m.Receiver)
		low, high := sender, receiver
		if low > high {
			low, high = high, low
		}

		campaignTag := campaignTagOf(m)
		key := fmt.Sprintf("%s_%s_%s_%s", m.UserID, campaignTag, low, high)

		th, ok := threads[key]
		if !ok {
			counterpart := counterpartOf(m)
			th = &Thread{
				ThreadKey:    key,
				CampaignID:   campaignTag,
				Participants: []string{low, high},
				ContactEmail: counterpart,
				Subject:      m.Subject,
			}
			threads[key] = th
			order = append(order, key)
		}

		if th.CampaignID == generalCampaignTag && campaignTag != generalCampaignTag {
			th.CampaignID = campaignTag
		}
		if m.Type == model.MessageReceived && m.SenderName != "" && th.ContactName == "" {
			th.ContactName = m.SenderName
		}

		th.Messages = append(th.Messages, toThreadMessage(m, campaignTag))

		if m.ReceivedAt.After(th.LastMessageAt) {
			th.LastMessageAt = m.ReceivedAt
			th.LastMessageID = m.MessageID
			th.LastPreview = m.BodyPreview
		}
	}

	result := make([]Thread, 0, len(order))
	for _, key := range order {
		th := threads[key]

		sort.SliceStable(th.Messages, func(a, b int) bool {
			return th.Messages[a].ReceivedAt.Before(th.Messages[b].ReceivedAt)
		})
		th.MessageCount = len(th.Messages)

		// Unlinked members inherit the thread's campaign once the thread
		// resolved to a real one.
		if th.CampaignID != generalCampaignTag {
			for j := range th.Messages {
				if th.Messages[j].CampaignID == generalCampaignTag {
					th.Messages[j].CampaignID = th.CampaignID
				}
			}
		}

		// "Previously used in campaign" means other campaigns only; the
		// thread's own campaign would show up on every linked thread.
		for _, id := range campaignHistory[th.ContactEmail] {
			if strconv.Itoa(id) != th.CampaignID {
				th.PreviousCampaigns = append(th.PreviousCampaigns, id)
			}
		}

		result = append(result, *th)
	}

	sort.SliceStable(result, func(a, b int) bool {
		return result[a].LastMessageAt.After(result[b].LastMessageAt)
	})

	totalPages := (total + limit - 1) / limit
	return &ThreadPage{
		Threads:    result,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// campaignTagOf resolves the campaign a message groups under. An absent or
// "general" tag is recovered from a synthetic campaign_<id>_... message id
// before falling back to the general bucket.
func campaignTagOf(m *model.EmailMessage) string {
	if m.CampaignID != nil && *m.CampaignID != "" && *m.CampaignID != generalCampaignTag {
		return *m.CampaignID
	}
	if strings.HasPrefix(m.MessageID, model.PlaceholderCampaignPrefix) {
		if parts := strings.Split(m.MessageID, "_"); len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return generalCampaignTag
}

// counterpartOf is the address of the other party: the receiver of our sent
// messages, the sender of received ones.
func counterpartOf(m *model.EmailMessage) string {
	if m.Type == model.MessageSent {
		return parser.ExtractEmail(m.Receiver)
	}
	return parser.ExtractEmail(m.SenderEmail)
}

func toThreadMessage(m *model.EmailMessage, campaignTag string) ThreadMessage {
	side := "left"
	if m.Type == model.MessageSent {
		side = "right"
	}
	return ThreadMessage{
		ID:          m.ID,
		MessageID:   m.MessageID,
		Type:        m.Type,
		Subject:     m.Subject,
		SenderName:  m.SenderName,
		SenderEmail: m.SenderEmail,
		Body:        parser.CleanBody(m.Body),
		BodyPreview: m.BodyPreview,
		ReceivedAt:  m.ReceivedAt,
		IsRead:      m.IsRead,
		IsReply:     m.IsReply,
		CampaignID:  campaignTag,
		DisplaySide: side,
	}
}
