// internal/controller/email_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/notify"
	"github.com/unclebandit/mailreach-backend/internal/provider"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

// EmailController exposes the account, sync, inbox and send endpoints.
// Identity arrives pre-verified in the X-User-ID header, set by the edge
// gateway.
type EmailController struct {
	Sync     *service.SyncService
	Threads  *service.ThreadService
	Notifier *notify.Hub
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var notFound *appErrors.ErrAccountNotFound
	var unsupported *appErrors.ErrUnsupportedProvider
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &unsupported), errors.Is(err, appErrors.ErrNoConnectedAccounts):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, appErrors.ErrAccountDisconnected):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Authorize returns the provider consent URL.
func (c *EmailController) Authorize(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	redirectURI := r.URL.Query().Get("redirect_uri")

	url, err := c.Sync.AuthorizeURL(providerName, redirectURI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Callback completes the OAuth flow and connects the account.
func (c *EmailController) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	redirectURI := r.URL.Query().Get("redirect_uri")
	user := userID(r)

	if code == "" || user == "" {
		http.Error(w, "code and user are required", http.StatusBadRequest)
		return
	}

	account, err := c.Sync.HandleCallback(r.Context(), providerName, code, redirectURI, user)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":    account.ID,
		"accountKey":   account.AccountKey,
		"emailAddress": account.EmailAddress,
		"provider":     account.Provider,
		"status":       account.Status,
	})
}

// SyncAccount triggers a sync for one account. ?full=true forces a deep
// fetch ignoring the incremental cursor.
func (c *EmailController) SyncAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	fullSync := r.URL.Query().Get("full") == "true"

	if err := c.Sync.SyncAccount(r.Context(), accountID, fullSync); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// SyncAll syncs every connected account of the user.
func (c *EmailController) SyncAll(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	fullSync := r.URL.Query().Get("full") == "true"

	synced, failed := c.Sync.SyncAllAccounts(r.Context(), user, fullSync)
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced, "failed": failed})
}

// Disconnect marks the account disconnected.
func (c *EmailController) Disconnect(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	if err := c.Sync.DisconnectAccount(accountID, userID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// ListThreads returns the aggregated inbox view.
func (c *EmailController) ListThreads(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	sentiment := r.URL.Query().Get("sentiment")
	campaignID := r.URL.Query().Get("campaign_id")

	result, err := c.Threads.ListThreads(user, accountID, page, limit, sentiment, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SendEmail sends a new message through the account.
func (c *EmailController) SendEmail(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	var body struct {
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Body    string   `json:"body"`
		CC      []string `json:"cc"`
		BCC     []string `json:"bcc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.To) == 0 {
		http.Error(w, "at least one recipient is required", http.StatusBadRequest)
		return
	}

	result, err := c.Sync.SendEmail(r.Context(), userID(r), accountID, provider.SendRequest{
		To:      body.To,
		Subject: body.Subject,
		Body:    body.Body,
		CC:      body.CC,
		BCC:     body.BCC,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReplyToEmail replies to a message, threading when the provider can.
func (c *EmailController) ReplyToEmail(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	messageID := chi.URLParam(r, "messageId")

	var body service.ReplyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Body == "" {
		http.Error(w, "reply body is required", http.StatusBadRequest)
		return
	}

	result, err := c.Sync.ReplyToEmail(r.Context(), userID(r), accountID, messageID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Events streams new-mail notifications for the user over SSE.
func (c *EmailController) Events(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := c.Notifier.Subscribe(user)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("⚠️ Failed to encode event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: email:new\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
