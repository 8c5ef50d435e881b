// internal/provider/gmail.go
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/parser"
)

const (
	gmailAuthEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"
	gmailTokenEndpoint = "https://oauth2.googleapis.com/token"
	gmailAPIBase       = "https://gmail.googleapis.com/gmail/v1/users/me"
	gmailUserinfoURL   = "https://www.googleapis.com/oauth2/v2/userinfo"
)

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Gmail talks to the Gmail REST API. The incremental cursor is the mailbox
// historyId; when history expires the adapter falls back to a time-windowed
// query by itself.
type Gmail struct {
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
}

func NewGmail() *Gmail {
	return &Gmail{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *Gmail) Name() string { return "gmail" }

func (g *Gmail) AuthURL(redirectURI string) string {
	params := url.Values{
		"client_id":     {g.ClientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {strings.Join(gmailScopes, " ")},
		"access_type":   {"offline"}, // required for a refresh token
		"prompt":        {"consent"},
		"state":         {"gmail"},
	}
	return gmailAuthEndpoint + "?" + params.Encode()
}

func (g *Gmail) Exchange(ctx context.Context, code, redirectURI string) (*Tokens, error) {
	return g.token(ctx, url.Values{
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	})
}

func (g *Gmail) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	tokens, err := g.token(ctx, url.Values{
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
	if err != nil {
		return nil, err
	}
	// Google does not re-issue the refresh token on refresh.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (g *Gmail) token(ctx context.Context, form url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		return nil, &APIError{StatusCode: resp.StatusCode, Code: oauthErr.Error, Body: string(body)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &Tokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

func (g *Gmail) Profile(ctx context.Context, accessToken string) (string, error) {
	var info struct {
		Email string `json:"email"`
	}
	if err := g.getJSON(ctx, accessToken, gmailUserinfoURL, &info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// --- message fetching ---

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailPart struct {
	MimeType string `json:"mimeType"`
	Headers  []gmailHeader
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	LabelIDs     []string  `json:"labelIds"`
	Snippet      string    `json:"snippet"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

func (g *Gmail) Messages(ctx context.Context, creds Credentials, opts FetchOptions) (*FetchResult, error) {
	var (
		ids       []string
		newCursor = opts.Cursor
		cursor    = opts.Cursor
	)

	if cursor != "" && !opts.FullSync {
		historyIDs, historyCursor, err := g.listHistory(ctx, creds, cursor)
		if err != nil {
			// History windows expire server-side; fall back to the
			// time-windowed listing below.
			log.Println("⚠️ Gmail history sync failed, falling back to full listing:", err)
			cursor = ""
		} else {
			ids = historyIDs
			newCursor = historyCursor
		}
	}

	if cursor == "" || opts.FullSync {
		query := ""
		if !opts.FullSync && opts.Since != nil {
			query = fmt.Sprintf("after:%d", opts.Since.Unix())
		}
		maxPages := 10
		if opts.FullSync {
			maxPages = 50
		}

		inbox, err := g.listMessageIDs(ctx, creds, query, "INBOX", maxPages)
		if err != nil {
			return nil, err
		}
		sent, err := g.listMessageIDs(ctx, creds, query, "SENT", maxPages)
		if err != nil {
			return nil, err
		}
		ids = append(inbox, sent...)

		profileCursor, err := g.profileHistoryID(ctx, creds)
		if err != nil {
			log.Println("⚠️ Failed to fetch Gmail profile historyId:", err)
		} else {
			newCursor = profileCursor
		}
	}

	seen := make(map[string]bool, len(ids))
	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		msg, err := g.fetchMessage(ctx, creds, id)
		if err != nil {
			log.Printf("⚠️ Failed to fetch Gmail message %s: %v", id, err)
			continue
		}
		messages = append(messages, *msg)
	}

	return &FetchResult{Messages: messages, Cursor: newCursor}, nil
}

func (g *Gmail) listHistory(ctx context.Context, creds Credentials, startHistoryID string) ([]string, string, error) {
	var (
		ids       []string
		newCursor = startHistoryID
		pageToken string
	)
	for {
		u := fmt.Sprintf("%s/history?startHistoryId=%s&maxResults=500", gmailAPIBase, url.QueryEscape(startHistoryID))
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			History []struct {
				MessagesAdded []struct {
					Message struct {
						ID string `json:"id"`
					} `json:"message"`
				} `json:"messagesAdded"`
			} `json:"history"`
			HistoryID     string `json:"historyId"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := g.getJSON(ctx, creds.AccessToken, u, &page); err != nil {
			return nil, "", err
		}

		for _, record := range page.History {
			for _, added := range record.MessagesAdded {
				ids = append(ids, added.Message.ID)
			}
		}
		if page.HistoryID != "" {
			newCursor = page.HistoryID
		}
		if page.NextPageToken == "" {
			return ids, newCursor, nil
		}
		pageToken = page.NextPageToken
	}
}

func (g *Gmail) listMessageIDs(ctx context.Context, creds Credentials, query, label string, maxPages int) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	q := strings.TrimSpace(query + " label:" + label)

	for page := 0; page < maxPages; page++ {
		u := fmt.Sprintf("%s/messages?q=%s&maxResults=50", gmailAPIBase, url.QueryEscape(q))
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var resp struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := g.getJSON(ctx, creds.AccessToken, u, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

func (g *Gmail) profileHistoryID(ctx context.Context, creds Credentials) (string, error) {
	var profile struct {
		HistoryID string `json:"historyId"`
	}
	if err := g.getJSON(ctx, creds.AccessToken, gmailAPIBase+"/profile", &profile); err != nil {
		return "", err
	}
	return profile.HistoryID, nil
}

func (g *Gmail) fetchMessage(ctx context.Context, creds Credentials, id string) (*Message, error) {
	var raw gmailMessage
	if err := g.getJSON(ctx, creds.AccessToken, fmt.Sprintf("%s/messages/%s?format=full", gmailAPIBase, id), &raw); err != nil {
		return nil, err
	}

	header := func(name string) string {
		for _, h := range raw.Payload.Headers {
			if strings.EqualFold(h.Name, name) {
				return h.Value
			}
		}
		return ""
	}

	senderName, senderEmail := parser.SplitAddress(header("From"))
	_, receiver := parser.SplitAddress(header("To"))

	msgType := MessageTypeReceived
	isRead := true
	for _, label := range raw.LabelIDs {
		switch label {
		case "SENT":
			msgType = MessageTypeSent
		case "UNREAD":
			isRead = false
		}
	}

	receivedAt := time.Now()
	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil {
		receivedAt = time.UnixMilli(ms)
	}

	return &Message{
		MessageID:      raw.ID,
		ConversationID: raw.ThreadID,
		Subject:        header("Subject"),
		SenderName:     senderName,
		SenderEmail:    senderEmail,
		Receiver:       receiver,
		ReceivedAt:     receivedAt,
		IsRead:         isRead,
		BodyPreview:    raw.Snippet,
		Body:           extractGmailBody(raw.Payload),
		Type:           msgType,
	}, nil
}

// extractGmailBody walks the MIME tree preferring text/html, then
// text/plain, then recursing into nested multiparts.
func extractGmailBody(payload gmailPart) string {
	if payload.Body.Data != "" {
		return decodeBase64URL(payload.Body.Data)
	}
	for _, mime := range []string{"text/html", "text/plain"} {
		for _, part := range payload.Parts {
			if part.MimeType == mime && part.Body.Data != "" {
				return decodeBase64URL(part.Body.Data)
			}
		}
	}
	for _, part := range payload.Parts {
		if body := extractGmailBody(part); body != "" {
			return body
		}
	}
	return ""
}

func decodeBase64URL(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// --- sending ---

func (g *Gmail) Send(ctx context.Context, creds Credentials, req SendRequest) (*SendResult, error) {
	from, err := g.Profile(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}

	lines := []string{
		"From: " + from,
		"Reply-To: " + from,
		"To: " + strings.Join(req.To, ", "),
	}
	if len(req.CC) > 0 {
		lines = append(lines, "Cc: "+strings.Join(req.CC, ", "))
	}
	if len(req.BCC) > 0 {
		lines = append(lines, "Bcc: "+strings.Join(req.BCC, ", "))
	}
	lines = append(lines,
		"Subject: "+req.Subject,
		"Content-Type: text/html; charset=utf-8",
		"MIME-Version: 1.0",
		"",
		req.Body,
	)

	return g.sendRaw(ctx, creds, strings.Join(lines, "\r\n"), "")
}

func (g *Gmail) Reply(ctx context.Context, creds Credentials, messageID string, req ReplyRequest) (*SendResult, error) {
	var original gmailMessage
	u := fmt.Sprintf("%s/messages/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=References&metadataHeaders=Message-ID", gmailAPIBase, messageID)
	if err := g.getJSON(ctx, creds.AccessToken, u, &original); err != nil {
		return nil, err
	}

	header := func(name string) string {
		for _, h := range original.Payload.Headers {
			if strings.EqualFold(h.Name, name) {
				return h.Value
			}
		}
		return ""
	}

	subject := header("Subject")
	if !strings.HasPrefix(subject, "Re:") {
		subject = "Re: " + subject
	}
	msgIDHeader := header("Message-ID")
	references := header("References")
	if references != "" {
		references += " " + msgIDHeader
	} else {
		references = msgIDHeader
	}

	lines := []string{
		"To: " + strings.Join(req.To, ", "),
		"Subject: " + subject,
		"In-Reply-To: " + msgIDHeader,
		"References: " + references,
		"Content-Type: text/html; charset=utf-8",
		"MIME-Version: 1.0",
		"",
		req.Body,
	}

	return g.sendRaw(ctx, creds, strings.Join(lines, "\r\n"), original.ThreadID)
}

func (g *Gmail) sendRaw(ctx context.Context, creds Credentials, rfc822, threadID string) (*SendResult, error) {
	payload := map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString([]byte(rfc822)),
	}
	if threadID != "" {
		payload["threadId"] = threadID
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailAPIBase+"/messages/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var sent struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(respBody, &sent); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &SendResult{Success: true, MessageID: sent.ID, ConversationID: sent.ThreadID}, nil
}

func (g *Gmail) getJSON(ctx context.Context, accessToken, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.Unmarshal(body, out)
}

var _ Provider = (*Gmail)(nil)
