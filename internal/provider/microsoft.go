// internal/provider/microsoft.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	graphBase      = "https://graph.microsoft.com/v1.0"
	msftAuthURL    = "https://login.microsoftonline.com/%s/oauth2/v2.0/authorize"
	msftTokenURL   = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	msftScopes     = "openid profile email https://graph.microsoft.com/Mail.ReadWrite https://graph.microsoft.com/Mail.Send https://graph.microsoft.com/User.Read offline_access"
	graphMsgFields = "id,conversationId,subject,from,toRecipients,receivedDateTime,sentDateTime,isRead,bodyPreview,body"
)

// Microsoft talks to the Graph API. Graph has no cheap incremental cursor
// for this listing shape, so fetches are always time-windowed; Cursor stays
// empty and the sync engine keeps using the last-sync window.
type Microsoft struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	HTTP         *http.Client
}

func NewMicrosoft() *Microsoft {
	tenant := os.Getenv("MICROSOFT_TENANT_ID")
	if tenant == "" {
		tenant = "common"
	}
	return &Microsoft{
		ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		TenantID:     tenant,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *Microsoft) Name() string { return "microsoft" }

func (m *Microsoft) AuthURL(redirectURI string) string {
	params := url.Values{
		"client_id":     {m.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {redirectURI},
		"response_mode": {"query"},
		"scope":         {msftScopes},
	}
	return fmt.Sprintf(msftAuthURL, m.TenantID) + "?" + params.Encode()
}

func (m *Microsoft) Exchange(ctx context.Context, code, redirectURI string) (*Tokens, error) {
	return m.token(ctx, url.Values{
		"client_id":     {m.ClientID},
		"client_secret": {m.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	})
}

func (m *Microsoft) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	return m.token(ctx, url.Values{
		"client_id":     {m.ClientID},
		"client_secret": {m.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

func (m *Microsoft) token(ctx context.Context, form url.Values) (*Tokens, error) {
	endpoint := fmt.Sprintf(msftTokenURL, m.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.HTTP.Do(req)
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

func (m *Microsoft) Profile(ctx context.Context, accessToken string) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := m.getJSON(ctx, accessToken, graphBase+"/me", &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	if me.UserPrincipalName != "" {
		return me.UserPrincipalName, nil
	}
	return "", fmt.Errorf("no email found in user profile")
}

type graphMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Subject        string `json:"subject"`
	From           struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	SentDateTime     time.Time `json:"sentDateTime"`
	IsRead           bool      `json:"isRead"`
	BodyPreview      string    `json:"bodyPreview"`
	Body             struct {
		Content string `json:"content"`
	} `json:"body"`
}

func (m *Microsoft) Messages(ctx context.Context, creds Credentials, opts FetchOptions) (*FetchResult, error) {
	inbox, err := m.listFolder(ctx, creds, "inbox", "receivedDateTime", opts)
	if err != nil {
		return nil, err
	}
	sent, err := m.listFolder(ctx, creds, "sentitems", "sentDateTime", opts)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(inbox)+len(sent))
	for _, msg := range inbox {
		messages = append(messages, normalizeGraphMessage(msg, MessageTypeReceived))
	}
	for _, msg := range sent {
		messages = append(messages, normalizeGraphMessage(msg, MessageTypeSent))
	}

	return &FetchResult{Messages: messages, Cursor: ""}, nil
}

func (m *Microsoft) listFolder(ctx context.Context, creds Credentials, folder, orderField string, opts FetchOptions) ([]graphMessage, error) {
	maxPages := 2
	if opts.FullSync {
		maxPages = 10
	}

	params := url.Values{
		"$top":     {"50"},
		"$orderby": {orderField + " desc"},
		"$select":  {graphMsgFields},
	}
	if !opts.FullSync && opts.Since != nil {
		params.Set("$filter", fmt.Sprintf("%s ge %s", orderField, opts.Since.UTC().Format(time.RFC3339)))
	}
	next := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", graphBase, folder, params.Encode())

	var all []graphMessage
	for page := 0; page < maxPages && next != ""; page++ {
		var resp struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		if err := m.getJSON(ctx, creds.AccessToken, next, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Value...)
		next = resp.NextLink
	}
	return all, nil
}

func normalizeGraphMessage(msg graphMessage, msgType string) Message {
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = "CONV_" + msg.ID
	}
	receiver := ""
	if len(msg.ToRecipients) > 0 {
		receiver = msg.ToRecipients[0].EmailAddress.Address
	}
	receivedAt := msg.ReceivedDateTime
	isRead := msg.IsRead
	if msgType == MessageTypeSent {
		receivedAt = msg.SentDateTime
		isRead = true
	}
	return Message{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Subject:        msg.Subject,
		SenderName:     msg.From.EmailAddress.Name,
		SenderEmail:    msg.From.EmailAddress.Address,
		Receiver:       receiver,
		ReceivedAt:     receivedAt,
		IsRead:         isRead,
		BodyPreview:    msg.BodyPreview,
		Body:           msg.Body.Content,
		Type:           msgType,
	}
}

func (m *Microsoft) Send(ctx context.Context, creds Credentials, req SendRequest) (*SendResult, error) {
	payload := map[string]any{
		"message": map[string]any{
			"subject": req.Subject,
			"body": map[string]string{
				"contentType": "HTML",
				"content":     req.Body,
			},
			"toRecipients":  graphRecipients(req.To),
			"ccRecipients":  graphRecipients(req.CC),
			"bccRecipients": graphRecipients(req.BCC),
		},
		"saveToSentItems": true,
	}

	resp, err := m.postJSON(ctx, creds.AccessToken, graphBase+"/me/sendMail", payload)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	// sendMail returns 202 with no body; the sync run reconciles the real id.
	return &SendResult{Success: true, MessageID: resp.Header.Get("X-Ms-Request-Id")}, nil
}

// Reply drafts via createReply, overwrites the recipients (Graph pre-fills
// the original sender, which is wrong when replying from the sent folder),
// then sends the draft.
func (m *Microsoft) Reply(ctx context.Context, creds Credentials, messageID string, req ReplyRequest) (*SendResult, error) {
	action := "createReply"
	if req.ReplyAll {
		action = "createReplyAll"
	}

	resp, err := m.postJSON(ctx, creds.AccessToken, fmt.Sprintf("%s/me/messages/%s/%s", graphBase, url.PathEscape(messageID), action), map[string]any{})
	if err != nil {
		return nil, err
	}
	var draft struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err := json.Unmarshal(body, &draft); err != nil {
		return nil, fmt.Errorf("decode draft response: %w", err)
	}

	patch := map[string]any{
		"body": map[string]string{
			"contentType": "HTML",
			"content":     req.Body,
		},
		"toRecipients": graphRecipients(req.To),
	}
	if err := m.patchJSON(ctx, creds.AccessToken, fmt.Sprintf("%s/me/messages/%s", graphBase, url.PathEscape(draft.ID)), patch); err != nil {
		return nil, err
	}

	if _, err := m.postJSON(ctx, creds.AccessToken, fmt.Sprintf("%s/me/messages/%s/send", graphBase, url.PathEscape(draft.ID)), map[string]any{}); err != nil {
		return nil, err
	}

	return &SendResult{Success: true, MessageID: draft.ID, ConversationID: draft.ConversationID}, nil
}

func graphRecipients(addresses []string) []map[string]any {
	recipients := make([]map[string]any, 0, len(addresses))
	for _, addr := range addresses {
		recipients = append(recipients, map[string]any{
			"emailAddress": map[string]string{"address": addr},
		})
	}
	return recipients
}

func (m *Microsoft) getJSON(ctx context.Context, accessToken, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.HTTP.Do(req)
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

func (m *Microsoft) postJSON(ctx context.Context, accessToken, u string, payload any) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (m *Microsoft) patchJSON(ctx context.Context, accessToken, u string, payload any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

var _ Provider = (*Microsoft)(nil)
