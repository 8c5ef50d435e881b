// internal/service/sync_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/notify"
	"github.com/unclebandit/mailreach-backend/internal/parser"
	"github.com/unclebandit/mailreach-backend/internal/provider"
	"github.com/unclebandit/mailreach-backend/internal/repository"
	"github.com/unclebandit/mailreach-backend/internal/retry"
)

// syncSkewBuffer widens the incremental fetch window so messages that
// arrived while the previous sync was running are not skipped.
const syncSkewBuffer = 5 * time.Minute

// previewLimit caps how many message previews ride on a realtime event.
const previewLimit = 5

// SyncService owns account lifecycle and mailbox ingestion: OAuth
// connect, pulling provider messages into the local store, direct send
// and reply.
type SyncService struct {
	Accounts  repository.AccountRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Providers provider.Registry
	Notifier  *notify.Hub
}

func NewSyncService(
	accounts repository.AccountRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	providers provider.Registry,
	notifier *notify.Hub,
) *SyncService {
	return &SyncService{
		Accounts:  accounts,
		Messages:  messages,
		Contacts:  contacts,
		Providers: providers,
		Notifier:  notifier,
	}
}

// ReplyEmailRequest is the inbound payload for replying to a message.
type ReplyEmailRequest struct {
	To         []string `json:"to"`
	Body       string   `json:"body"`
	ReplyAll   bool     `json:"replyAll"`
	CampaignID *string  `json:"campaignId"`
}

// AuthorizeURL returns the provider consent URL the frontend redirects to.
func (s *SyncService) AuthorizeURL(providerName, redirectURI string) (string, error) {
	prov, err := s.Providers.Get(providerName)
	if err != nil {
		return "", err
	}
	return prov.AuthURL(redirectURI), nil
}

// HandleCallback finishes the OAuth dance: exchanges the code, resolves the
// mailbox address and upserts the account. A full sync is kicked off in the
// background so the mailbox shows up populated.
func (s *SyncService) HandleCallback(ctx context.Context, providerName, code, redirectURI, userID string) (*model.EmailAccount, error) {
	prov, err := s.Providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	tokens, err := prov.Exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	email, err := prov.Profile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mailbox profile: %w", err)
	}

	expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)

	account, err := s.Accounts.FindByUserEmailProvider(userID, email, providerName)
	if err != nil {
		return nil, err
	}
	if account != nil {
		refreshToken := tokens.RefreshToken
		if refreshToken == "" {
			refreshToken = account.RefreshToken
		}
		if err := s.Accounts.UpdateTokens(account.ID, tokens.AccessToken, refreshToken, expiry); err != nil {
			return nil, err
		}
		account.AccessToken = tokens.AccessToken
		account.RefreshToken = refreshToken
		account.TokenExpiry = &expiry
		account.Status = model.AccountConnected
	} else {
		account = &model.EmailAccount{
			AccountKey:   "EA_" + uuid.NewString(),
			UserID:       userID,
			Provider:     providerName,
			EmailAddress: email,
			Status:       model.AccountConnected,
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			TokenExpiry:  &expiry,
		}
		if err := s.Accounts.Create(account); err != nil {
			return nil, err
		}
	}

	log.Printf("✅ Account %s connected via %s for user %s", email, providerName, userID)

	accountID := account.ID
	go func() {
		if err := s.SyncAccount(context.Background(), accountID, true); err != nil {
			log.Printf("⚠️ Initial sync for account %d failed: %v", accountID, err)
		}
	}()

	return account, nil
}

// SyncAccount pulls new messages for one account and reconciles them into
// the local store. Revoked credentials disconnect the account and end the
// run cleanly; anything else is an error the caller sees.
func (s *SyncService) SyncAccount(ctx context.Context, accountID int64, fullSync bool) error {
	account, err := s.Accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return appErrors.NewAccountNotFound(accountID)
	}
	if account.Status != model.AccountConnected {
		log.Printf("⚠️ Skipping sync for account %d, status is %s", accountID, account.Status)
		return nil
	}

	prov, creds, err := s.freshCredentials(ctx, account)
	if err != nil {
		if errors.Is(err, appErrors.ErrAccountDisconnected) {
			log.Printf("⚠️ Account %d credentials revoked, marked disconnected", accountID)
			return nil
		}
		return err
	}

	var since *time.Time
	last, err := s.Messages.LastReceivedAt(account.ID)
	if err != nil {
		return err
	}
	if last != nil && !fullSync {
		t := last.Add(-syncSkewBuffer)
		since = &t
	}

	cursor := account.SyncCursor
	if fullSync {
		cursor = ""
	}

	result, err := prov.Messages(ctx, creds, provider.FetchOptions{
		Since:    since,
		Cursor:   cursor,
		FullSync: fullSync,
	})
	if err != nil {
		return fmt.Errorf("fetching messages for account %d: %w", accountID, err)
	}

	ownEmails, err := s.ownAddresses(account.UserID)
	if err != nil {
		return err
	}

	toStore := make([]model.EmailMessage, 0, len(result.Messages))
	for i := range result.Messages {
		msg := result.Messages[i]

		// Messages sent from another of the user's connected mailboxes
		// land in this inbox looking received. Reclassify them.
		senderAddr := parser.ExtractEmail(msg.SenderEmail)
		if ownEmails[senderAddr] {
			msg.Type = provider.MessageTypeSent
		}

		if msg.Type == provider.MessageTypeSent {
			reconciled, err := s.reconcilePlaceholder(account, msg)
			if err != nil {
				return err
			}
			if reconciled {
				continue
			}
		}

		campaignID, contactID, err := s.resolveLinkage(account, msg, senderAddr)
		if err != nil {
			return err
		}

		record := messageFromProvider(account, msg)
		record.CampaignID = campaignID
		record.ContactID = contactID
		record.IsReply = campaignID != nil && msg.Type == provider.MessageTypeReceived
		toStore = append(toStore, record)
	}

	stored := 0
	if len(toStore) > 0 {
		stored = s.Messages.BulkUpsert(ctx, toStore)
	}

	if len(result.Messages) > 0 && s.Notifier != nil {
		previews := result.Messages
		if len(previews) > previewLimit {
			previews = previews[:previewLimit]
		}
		s.Notifier.Publish(account.UserID, notify.Event{
			AccountID: account.ID,
			Count:     len(result.Messages),
			Previews:  previews,
		})
	}

	newCursor := result.Cursor
	if newCursor == "" {
		newCursor = account.SyncCursor
	}
	if err := s.Accounts.UpdateSyncState(account.ID, time.Now(), newCursor); err != nil {
		return err
	}

	log.Printf("📬 Sync complete for account %d: %d fetched, %d stored", accountID, len(result.Messages), stored)
	return nil
}

// SyncAllAccounts fans a sync out over every connected account of the user.
// One failing mailbox never stops the others; failures are logged and
// counted.
func (s *SyncService) SyncAllAccounts(ctx context.Context, userID string, fullSync bool) (int, int) {
	accounts, err := s.Accounts.FindConnectedByUserID(userID)
	if err != nil {
		log.Printf("⚠️ Failed to list accounts for user %s: %v", userID, err)
		return 0, 0
	}

	synced, failed := 0, 0
	for _, account := range accounts {
		if err := s.SyncAccount(ctx, account.ID, fullSync); err != nil {
			log.Printf("⚠️ Sync failed for account %d (%s): %v", account.ID, account.EmailAddress, err)
			failed++
			continue
		}
		synced++
	}
	return synced, failed
}

// DisconnectAccount marks the account disconnected after an ownership check.
func (s *SyncService) DisconnectAccount(accountID int64, userID string) error {
	account, err := s.Accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.UserID != userID {
		return appErrors.NewAccountNotFound(accountID)
	}
	return s.Accounts.Disconnect(accountID)
}

// SendEmail sends a new message through the account's provider and records
// it locally so the next sync reconciles rather than duplicates it.
func (s *SyncService) SendEmail(ctx context.Context, userID string, accountID int64, req provider.SendRequest) (*provider.SendResult, error) {
	account, err := s.Accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, appErrors.NewAccountNotFound(accountID)
	}

	prov, creds, err := s.freshCredentials(ctx, account)
	if err != nil {
		return nil, err
	}

	result, err := prov.Send(ctx, creds, req)
	if err != nil {
		return nil, err
	}

	if result.Success {
		s.recordOutbound(ctx, account, result, req.Subject, req.To, req.Body, nil, nil, false)
	}
	return result, nil
}

// ReplyToEmail replies in-thread when the referenced message is known to the
// provider, and degrades to a plain "Re:" send when it is not (synthetic
// identifiers, pruned messages). Synthetic campaign identifiers are resolved
// back to the real message when possible.
func (s *SyncService) ReplyToEmail(ctx context.Context, userID string, accountID int64, messageID string, req ReplyEmailRequest) (*provider.SendResult, error) {
	account, err := s.Accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, appErrors.NewAccountNotFound(accountID)
	}

	prov, creds, err := s.freshCredentials(ctx, account)
	if err != nil {
		return nil, err
	}

	original, err := s.Messages.FindByUserAndMessageID(userID, messageID)
	if err != nil {
		return nil, err
	}

	// campaign_<campaignId>_<batch>_<contactId> identifiers carry enough
	// to recover the real provider message.
	if original == nil && strings.HasPrefix(messageID, model.PlaceholderCampaignPrefix) {
		parts := strings.Split(messageID, "_")
		if len(parts) >= 4 {
			if contactID, perr := strconv.ParseInt(parts[3], 10, 64); perr == nil {
				match, merr := s.Messages.FindByCampaignAndContact(userID, parts[1], contactID)
				if merr != nil {
					return nil, merr
				}
				if match != nil && !match.IsPlaceholder() {
					log.Printf("✅ Smart-matched synthetic id %s to message %s", messageID, match.MessageID)
					original = match
					messageID = match.MessageID
				}
			}
		}
	}

	synthetic := strings.HasPrefix(messageID, model.PlaceholderReplyPrefix) ||
		strings.HasPrefix(messageID, model.PlaceholderCampaignPrefix)

	var result *provider.SendResult
	if !synthetic && original != nil {
		result, err = prov.Reply(ctx, creds, messageID, provider.ReplyRequest{
			To:       req.To,
			Body:     req.Body,
			ReplyAll: req.ReplyAll,
		})
		if err != nil && !provider.IsNotFound(err) {
			return nil, err
		}
	}

	if result == nil {
		result, err = s.fallbackReply(ctx, prov, creds, original, req)
		if err != nil {
			return nil, err
		}
	}

	if result.Success {
		if result.ConversationID == "" && original != nil && original.ConversationID != nil {
			result.ConversationID = *original.ConversationID
		}
		if original != nil && original.ConversationID == nil && result.ConversationID != "" {
			if err := s.Messages.UpdateConversationID(original.ID, result.ConversationID); err != nil {
				log.Printf("⚠️ Failed to backfill conversation id on message %d: %v", original.ID, err)
			}
		}

		subject := "Re:"
		recipients := req.To
		var campaignID *string
		var contactID *int64
		if original != nil {
			subject = reSubject(original.Subject)
			if len(recipients) == 0 {
				recipients = []string{original.SenderEmail}
			}
			campaignID = original.CampaignID
			contactID = original.ContactID
		}
		if req.CampaignID != nil {
			campaignID = req.CampaignID
		}
		s.recordOutbound(ctx, account, result, subject, recipients, req.Body, campaignID, contactID, true)
	}

	return result, nil
}

// fallbackReply sends a fresh message carrying the reply subject when the
// provider cannot thread onto the original.
func (s *SyncService) fallbackReply(ctx context.Context, prov provider.Provider, creds provider.Credentials, original *model.EmailMessage, req ReplyEmailRequest) (*provider.SendResult, error) {
	recipients := req.To
	subject := "Re:"
	if original != nil {
		subject = reSubject(original.Subject)
		if len(recipients) == 0 && original.SenderEmail != "" {
			recipients = []string{original.SenderEmail}
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("cannot determine reply recipient")
	}

	log.Printf("⚠️ Falling back to a plain send for the reply to %v", recipients)
	result, err := prov.Send(ctx, creds, provider.SendRequest{
		To:      recipients,
		Subject: subject,
		Body:    req.Body,
	})
	if err != nil {
		return nil, err
	}
	if result.ConversationID == "" && original != nil && original.ConversationID != nil {
		result.ConversationID = *original.ConversationID
	}
	return result, nil
}

// recordOutbound writes the local record of a message we just sent. When
// the provider returned no message id a placeholder id is minted and the
// next sync promotes it to the confirmed one.
func (s *SyncService) recordOutbound(ctx context.Context, account *model.EmailAccount, result *provider.SendResult, subject string, recipients []string, body string, campaignID *string, contactID *int64, isReply bool) {
	messageID := result.MessageID
	if messageID == "" {
		messageID = model.PlaceholderReplyPrefix + uuid.NewString()
	}
	var conversationID *string
	if result.ConversationID != "" {
		cid := result.ConversationID
		conversationID = &cid
	}
	receiver := ""
	if len(recipients) > 0 {
		receiver = recipients[0]
	}

	record := model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           model.MessageSent,
		Subject:        subject,
		SenderName:     account.EmailAddress,
		SenderEmail:    account.EmailAddress,
		Receiver:       receiver,
		BodyPreview:    previewOf(body),
		Body:           body,
		ReceivedAt:     time.Now(),
		IsRead:         true,
		CampaignID:     campaignID,
		ContactID:      contactID,
		IsReply:        isReply,
		UserID:         account.UserID,
	}

	err := retry.Do(ctx, func() error {
		return s.Messages.Upsert(ctx, &record)
	}, retry.Options{Name: "record outbound message"})
	if err != nil {
		log.Printf("⚠️ Failed to record sent message %s locally: %v", messageID, err)
	}
}

// reconcilePlaceholder resolves a provider-confirmed sent message against a
// locally created placeholder. Returns true when the message was absorbed
// into an existing row and needs no insert of its own.
func (s *SyncService) reconcilePlaceholder(account *model.EmailAccount, msg provider.Message) (bool, error) {
	placeholder, err := s.Messages.FindPlaceholder(account.ID, msg.Subject, msg.Receiver)
	if err != nil {
		return false, err
	}
	if placeholder == nil {
		return false, nil
	}

	var conversationID *string
	if msg.ConversationID != "" {
		cid := msg.ConversationID
		conversationID = &cid
	}

	// A concurrent sync may have stored the confirmed message already. In
	// that case the linkage moves onto the confirmed row and the
	// placeholder goes away; otherwise the placeholder is promoted.
	existing, err := s.Messages.FindByAccountAndMessageID(account.ID, msg.MessageID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if err := s.Messages.MergeLinkage(existing.ID, placeholder.CampaignID, placeholder.ContactID, placeholder.IsReply, conversationID, msg.Body); err != nil {
			return false, err
		}
		if err := s.Messages.Delete(placeholder.ID); err != nil {
			return false, err
		}
		log.Printf("✅ Merged placeholder %d into confirmed message %s", placeholder.ID, msg.MessageID)
		return true, nil
	}

	if err := s.Messages.PromotePlaceholder(placeholder.ID, msg.MessageID, conversationID, msg.ReceivedAt, msg.BodyPreview, msg.Body); err != nil {
		return false, err
	}
	log.Printf("✅ Promoted placeholder %d to confirmed message %s", placeholder.ID, msg.MessageID)
	return true, nil
}

// resolveLinkage attaches a campaign and contact to an ingested message.
// Priority: an already-linked message in the same conversation, then the
// sender's contact record and its latest linkable campaign, then the
// account's default campaign.
func (s *SyncService) resolveLinkage(account *model.EmailAccount, msg provider.Message, senderAddr string) (*string, *int64, error) {
	var campaignID *string
	var contactID *int64

	if msg.ConversationID != "" {
		linked, err := s.Messages.FindLinkedByConversation(msg.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		if linked != nil {
			campaignID = linked.CampaignID
			contactID = linked.ContactID
		}
	}

	if contactID == nil && senderAddr != "" {
		contact, err := s.Contacts.FindByEmail(account.UserID, senderAddr)
		if err != nil {
			return nil, nil, err
		}
		if contact != nil {
			contactID = &contact.ID
			if campaignID == nil {
				latest, ok, err := s.Contacts.LatestCampaignID(contact.ID)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					cid := strconv.Itoa(latest)
					campaignID = &cid
				}
			}
		}
	}

	if campaignID == nil && account.CampaignID != nil {
		cid := strconv.Itoa(*account.CampaignID)
		campaignID = &cid
	}

	return campaignID, contactID, nil
}

// freshCredentials returns usable credentials, refreshing the access token
// first when it is expired. A revoked grant disconnects the account and
// yields ErrAccountDisconnected.
func (s *SyncService) freshCredentials(ctx context.Context, account *model.EmailAccount) (provider.Provider, provider.Credentials, error) {
	prov, err := s.Providers.Get(account.Provider)
	if err != nil {
		return nil, provider.Credentials{}, err
	}

	if account.TokenExpired(time.Now()) {
		tokens, err := prov.Refresh(ctx, account.RefreshToken)
		if err != nil {
			if provider.IsInvalidGrant(err) {
				if derr := s.Accounts.UpdateStatus(account.ID, model.AccountDisconnected); derr != nil {
					log.Printf("⚠️ Failed to disconnect account %d: %v", account.ID, derr)
				}
				account.Status = model.AccountDisconnected
				return nil, provider.Credentials{}, appErrors.ErrAccountDisconnected
			}
			return nil, provider.Credentials{}, fmt.Errorf("token refresh failed for account %d: %w", account.ID, err)
		}

		refreshToken := tokens.RefreshToken
		if refreshToken == "" {
			refreshToken = account.RefreshToken
		}
		expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		if err := s.Accounts.UpdateTokens(account.ID, tokens.AccessToken, refreshToken, expiry); err != nil {
			return nil, provider.Credentials{}, err
		}
		account.AccessToken = tokens.AccessToken
		account.RefreshToken = refreshToken
		account.TokenExpiry = &expiry
	}

	return prov, provider.Credentials{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
	}, nil
}

func (s *SyncService) ownAddresses(userID string) (map[string]bool, error) {
	addresses, err := s.Accounts.ListAddresses(userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		set[strings.ToLower(strings.TrimSpace(addr))] = true
	}
	return set, nil
}

func messageFromProvider(account *model.EmailAccount, msg provider.Message) model.EmailMessage {
	var conversationID *string
	if msg.ConversationID != "" {
		cid := msg.ConversationID
		conversationID = &cid
	}
	return model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      msg.MessageID,
		ConversationID: conversationID,
		Type:           msg.Type,
		Subject:        msg.Subject,
		SenderName:     msg.SenderName,
		SenderEmail:    msg.SenderEmail,
		Receiver:       msg.Receiver,
		BodyPreview:    msg.BodyPreview,
		Body:           msg.Body,
		ReceivedAt:     msg.ReceivedAt,
		IsRead:         msg.IsRead,
		UserID:         account.UserID,
	}
}

func reSubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func previewOf(body string) string {
	clean := parser.CleanBody(body)
	if len(clean) <= 180 {
		return clean
	}
	cut := 180
	for cut > 0 && !utf8.RuneStart(clean[cut]) {
		cut--
	}
	return clean[:cut]
}
