package service

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/notify"
	"github.com/unclebandit/mailreach-backend/internal/provider"
)

func newSyncFixture() (*SyncService, *mockAccountRepo, *mockMessageRepo, *mockContactRepo, *mockProvider) {
	accounts := newMockAccountRepo()
	messages := newMockMessageRepo()
	contacts := newMockContactRepo()
	prov := &mockProvider{}
	svc := NewSyncService(accounts, messages, contacts, provider.Registry{"mock": prov}, notify.NewHub())
	return svc, accounts, messages, contacts, prov
}

func connectedAccount(accounts *mockAccountRepo, email string) *model.EmailAccount {
	expiry := time.Now().Add(time.Hour)
	a := &model.EmailAccount{
		AccountKey:   "EA_test_" + email,
		UserID:       "user_1",
		Provider:     "mock",
		EmailAddress: email,
		Status:       model.AccountConnected,
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  &expiry,
	}
	accounts.Create(a)
	return a
}

func TestSyncAccountLinksReceivedMessageToContactCampaign(t *testing.T) {
	svc, accounts, messages, contacts, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	contacts.contacts["bob@globex.test"] = &model.Contact{ID: 2, UserID: "user_1", Email: "bob@globex.test"}
	contacts.latest[2] = 42

	prov.fetchResult = &provider.FetchResult{
		Messages: []provider.Message{{
			MessageID:   "M1",
			Subject:     "Hello",
			SenderEmail: "Bob <bob@globex.test>",
			Receiver:    "me@example.test",
			ReceivedAt:  time.Now(),
			Type:        provider.MessageTypeReceived,
		}},
	}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	stored := messages.all()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
	m := stored[0]
	if m.CampaignID == nil || *m.CampaignID != "42" {
		t.Errorf("expected campaign 42, got %v", m.CampaignID)
	}
	if m.ContactID == nil || *m.ContactID != 2 {
		t.Errorf("expected contact 2, got %v", m.ContactID)
	}
	if !m.IsReply {
		t.Error("linked received message should be a reply")
	}

	updated, _ := accounts.FindByID(account.ID)
	if updated.LastSyncAt == nil {
		t.Error("last sync time should be recorded")
	}
}

func TestSyncAccountIsIdempotent(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	prov.fetchResult = &provider.FetchResult{
		Messages: []provider.Message{{
			MessageID:   "M1",
			Subject:     "Hello",
			SenderEmail: "bob@globex.test",
			Receiver:    "me@example.test",
			ReceivedAt:  time.Now(),
			Type:        provider.MessageTypeReceived,
		}},
	}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if got := len(messages.all()); got != 1 {
		t.Errorf("expected 1 message after re-sync, got %d", got)
	}
}

func TestSyncAccountInvalidGrantDisconnects(t *testing.T) {
	svc, accounts, _, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	// Force a refresh and make it fail with a revoked grant.
	expired := time.Now().Add(-time.Hour)
	accounts.accounts[account.ID].TokenExpiry = &expired
	prov.refreshErr = &provider.APIError{StatusCode: 400, Code: "invalid_grant"}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("revoked grant should end the run cleanly, got %v", err)
	}

	updated, _ := accounts.FindByID(account.ID)
	if updated.Status != model.AccountDisconnected {
		t.Errorf("expected disconnected, got %s", updated.Status)
	}
	if prov.fetchCalls != 0 {
		t.Error("no fetch should happen after a failed refresh")
	}

	// A second run is a no-op on the disconnected account.
	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync of disconnected account should be a no-op, got %v", err)
	}
	if prov.refreshCalls != 1 {
		t.Errorf("expected 1 refresh attempt, got %d", prov.refreshCalls)
	}
}

func TestSyncAccountOtherRefreshErrorIsFatal(t *testing.T) {
	svc, accounts, _, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	expired := time.Now().Add(-time.Hour)
	accounts.accounts[account.ID].TokenExpiry = &expired
	prov.refreshErr = &provider.APIError{StatusCode: 503, Body: "upstream unavailable"}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err == nil {
		t.Fatal("expected a transient refresh failure to surface")
	}
	updated, _ := accounts.FindByID(account.ID)
	if updated.Status != model.AccountConnected {
		t.Errorf("account should stay connected, got %s", updated.Status)
	}
}

func TestSyncAccountPromotesPlaceholder(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	campaign := "7"
	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "REQ_123",
		Type:           model.MessageSent,
		Subject:        "Offer",
		Receiver:       "bob@globex.test",
		ReceivedAt:     time.Now().Add(-time.Minute),
		CampaignID:     &campaign,
		UserID:         "user_1",
	})

	prov.fetchResult = &provider.FetchResult{
		Messages: []provider.Message{{
			MessageID:  "M1",
			Subject:    "Offer",
			Receiver:   "bob@globex.test",
			ReceivedAt: time.Now(),
			Type:       provider.MessageTypeSent,
		}},
	}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	stored := messages.all()
	if len(stored) != 1 {
		t.Fatalf("expected exactly one record after promotion, got %d", len(stored))
	}
	if stored[0].MessageID != "M1" {
		t.Errorf("expected promoted id M1, got %s", stored[0].MessageID)
	}
	if stored[0].CampaignID == nil || *stored[0].CampaignID != "7" {
		t.Errorf("promotion must keep the campaign link, got %v", stored[0].CampaignID)
	}
}

func TestSyncAccountMergesPlaceholderWhenConfirmedExists(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	campaign := "7"
	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "M1",
		Type:           model.MessageSent,
		Subject:        "Offer",
		Receiver:       "bob@globex.test",
		ReceivedAt:     time.Now(),
		UserID:         "user_1",
	})
	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "REQ_123",
		Type:           model.MessageSent,
		Subject:        "Offer",
		Receiver:       "bob@globex.test",
		ReceivedAt:     time.Now().Add(-time.Minute),
		CampaignID:     &campaign,
		IsReply:        true,
		UserID:         "user_1",
	})

	prov.fetchResult = &provider.FetchResult{
		Messages: []provider.Message{{
			MessageID:  "M1",
			Subject:    "Offer",
			Receiver:   "bob@globex.test",
			ReceivedAt: time.Now(),
			Type:       provider.MessageTypeSent,
		}},
	}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	stored := messages.all()
	if len(stored) != 1 {
		t.Fatalf("expected the placeholder to be absorbed, got %d records", len(stored))
	}
	m := stored[0]
	if m.MessageID != "M1" {
		t.Errorf("confirmed record should survive, got %s", m.MessageID)
	}
	if m.CampaignID == nil || *m.CampaignID != "7" || !m.IsReply {
		t.Errorf("linkage should move to the confirmed record, got campaign=%v isReply=%v", m.CampaignID, m.IsReply)
	}
}

func TestSyncAccountReclassifiesOwnSender(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")
	connectedAccount(accounts, "other@example.test")

	prov.fetchResult = &provider.FetchResult{
		Messages: []provider.Message{{
			MessageID:   "M1",
			Subject:     "Cross-account",
			SenderEmail: "Other Me <OTHER@example.test>",
			Receiver:    "me@example.test",
			ReceivedAt:  time.Now(),
			Type:        provider.MessageTypeReceived,
		}},
	}

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	stored := messages.all()
	if len(stored) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stored))
	}
	if stored[0].Type != model.MessageSent {
		t.Errorf("message from the user's own mailbox should be sent, got %s", stored[0].Type)
	}
	if stored[0].IsReply {
		t.Error("reclassified sent message must not count as a reply")
	}
}

func TestSyncAccountFetchWindowIncludesSkewBuffer(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	latest := time.Now().Add(-time.Hour)
	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "M0",
		Type:           model.MessageReceived,
		ReceivedAt:     latest,
		UserID:         "user_1",
	})

	if err := svc.SyncAccount(context.Background(), account.ID, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if prov.lastOpts.Since == nil {
		t.Fatal("incremental sync should pass a since boundary")
	}
	want := latest.Add(-syncSkewBuffer)
	if !prov.lastOpts.Since.Equal(want) {
		t.Errorf("expected since %v, got %v", want, *prov.lastOpts.Since)
	}
}

func TestHandleCallbackConnectsAccountAndStartsSync(t *testing.T) {
	svc, accounts, _, _, prov := newSyncFixture()

	account, err := svc.HandleCallback(context.Background(), "mock", "code-1", "https://app/cb", "user_1")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if account.EmailAddress != "me@example.test" {
		t.Errorf("unexpected mailbox address %s", account.EmailAddress)
	}
	if len(account.AccountKey) < 4 || account.AccountKey[:3] != "EA_" {
		t.Errorf("account key should carry the EA_ prefix, got %s", account.AccountKey)
	}

	stored, _ := accounts.FindByID(account.ID)
	if stored == nil || stored.Status != model.AccountConnected {
		t.Fatalf("account should be persisted as connected, got %+v", stored)
	}

	// Background full sync kicks in.
	deadline := time.Now().Add(2 * time.Second)
	for prov.fetchCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if prov.fetchCalls == 0 {
		t.Error("expected the callback to trigger an initial sync")
	}
}

func TestReplySmartMatchesSyntheticCampaignID(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	campaign := "7"
	conv := "conv-9"
	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "M9",
		ConversationID: &conv,
		Type:           model.MessageReceived,
		Subject:        "Question",
		SenderEmail:    "bob@globex.test",
		Receiver:       "me@example.test",
		ReceivedAt:     time.Now(),
		CampaignID:     &campaign,
		ContactID:      i64Ptr(3),
		UserID:         "user_1",
	})

	result, err := svc.ReplyToEmail(context.Background(), "user_1", account.ID, "campaign_7_0_3", ReplyEmailRequest{
		Body: "Thanks, will do",
	})
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if !result.Success {
		t.Fatal("reply should succeed")
	}
	if prov.replyCalls != 1 || prov.lastReplyID != "M9" {
		t.Errorf("expected an in-thread reply to M9, got %d calls to %q", prov.replyCalls, prov.lastReplyID)
	}

	// The sent record carries the original's linkage.
	sent, _ := messages.FindByAccountAndMessageID(account.ID, "reply-1")
	if sent == nil {
		t.Fatal("sent record should be stored")
	}
	if sent.CampaignID == nil || *sent.CampaignID != "7" || !sent.IsReply {
		t.Errorf("sent record should keep campaign linkage, got %+v", sent)
	}
}

func TestReplyFallsBackToSendWhenProviderRejects(t *testing.T) {
	svc, accounts, messages, _, prov := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	messages.Upsert(context.Background(), &model.EmailMessage{
		EmailAccountID: account.ID,
		MessageID:      "M5",
		Type:           model.MessageReceived,
		Subject:        "Pricing",
		SenderEmail:    "carol@initech.test",
		Receiver:       "me@example.test",
		ReceivedAt:     time.Now(),
		UserID:         "user_1",
	})

	prov.replyErr = &provider.APIError{StatusCode: 404, Body: "not found"}

	result, err := svc.ReplyToEmail(context.Background(), "user_1", account.ID, "M5", ReplyEmailRequest{
		Body: "Here is the deck",
	})
	if err != nil {
		t.Fatalf("fallback reply failed: %v", err)
	}
	if !result.Success {
		t.Fatal("fallback send should succeed")
	}
	if prov.sendCalls != 1 {
		t.Fatalf("expected exactly one fallback send, got %d", prov.sendCalls)
	}
	if prov.lastSend.Subject != "Re: Pricing" {
		t.Errorf("fallback should carry the reply subject, got %q", prov.lastSend.Subject)
	}
	if len(prov.lastSend.To) != 1 || prov.lastSend.To[0] != "carol@initech.test" {
		t.Errorf("fallback should target the original sender, got %v", prov.lastSend.To)
	}
}

func TestDisconnectAccountChecksOwnership(t *testing.T) {
	svc, accounts, _, _, _ := newSyncFixture()
	account := connectedAccount(accounts, "me@example.test")

	if err := svc.DisconnectAccount(account.ID, "someone_else"); err == nil {
		t.Fatal("foreign user must not disconnect the account")
	}
	if err := svc.DisconnectAccount(account.ID, "user_1"); err != nil {
		t.Fatalf("owner disconnect failed: %v", err)
	}
	updated, _ := accounts.FindByID(account.ID)
	if updated.Status != model.AccountDisconnected {
		t.Errorf("expected disconnected, got %s", updated.Status)
	}
}

func TestPreviewOfCutsOnRuneBoundary(t *testing.T) {
	// 179 ASCII bytes followed by a multi-byte rune straddling the cutoff.
	body := strings.Repeat("a", 179) + "éé"

	preview := previewOf(body)
	if len(preview) > 180 {
		t.Fatalf("preview too long: %d bytes", len(preview))
	}
	if !utf8.ValidString(preview) {
		t.Errorf("preview is not valid UTF-8: %q", preview)
	}
	// The rune straddling the cutoff is dropped whole.
	if preview != strings.Repeat("a", 179) {
		t.Errorf("unexpected preview tail: %q", preview[170:])
	}
}
