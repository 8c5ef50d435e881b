// internal/provider/provider.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
)

// Normalized message direction values
const (
	MessageTypeSent     = "sent"
	MessageTypeReceived = "received"
)

// Message is the normalized shape every adapter returns to the sync engine.
type Message struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Subject        string    `json:"subject"`
	SenderName     string    `json:"senderName"`
	SenderEmail    string    `json:"senderEmail"`
	Receiver       string    `json:"receiver"`
	ReceivedAt     time.Time `json:"receivedAt"`
	IsRead         bool      `json:"isRead"`
	BodyPreview    string    `json:"bodyPreview"`
	Body           string    `json:"body"`
	Type           string    `json:"type"` // sent, received
}

type Tokens struct {
	AccessToken  string
	RefreshToken string // may be empty on refresh, keep the old one then
	ExpiresIn    int64  // seconds
}

type Credentials struct {
	AccessToken  string
	RefreshToken string
}

type FetchOptions struct {
	Since    *time.Time // time-window fallback boundary
	Cursor   string     // opaque incremental cursor, provider-defined
	FullSync bool       // force a deep fetch ignoring the cursor
}

type FetchResult struct {
	Messages []Message
	Cursor   string // new cursor, empty if the provider has none
}

type SendRequest struct {
	To      []string
	Subject string
	Body    string
	CC      []string
	BCC     []string
}

type ReplyRequest struct {
	To       []string
	Body     string
	ReplyAll bool
}

type SendResult struct {
	Success        bool   `json:"success"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Provider is the per-mail-provider capability contract. The sync engine
// and the send worker depend only on this interface.
type Provider interface {
	Name() string
	AuthURL(redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	Profile(ctx context.Context, accessToken string) (string, error)
	Messages(ctx context.Context, creds Credentials, opts FetchOptions) (*FetchResult, error)
	Send(ctx context.Context, creds Credentials, req SendRequest) (*SendResult, error)
	Reply(ctx context.Context, creds Credentials, messageID string, req ReplyRequest) (*SendResult, error)
}

// Registry maps provider tags to adapters.
type Registry map[string]Provider

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, appErrors.NewUnsupportedProvider(name)
	}
	return p, nil
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string // OAuth error code when present, e.g. invalid_grant
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Body)
}

// IsInvalidGrant reports whether a refresh failed because the grant was
// revoked or expired. This shape is recovered from locally (account gets
// disconnected); any other refresh failure is fatal to the sync run.
func IsInvalidGrant(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "invalid_grant" {
			return true
		}
		if strings.Contains(apiErr.Body, "invalid_grant") || strings.Contains(apiErr.Body, "expired or revoked") {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "invalid_grant")
}

// IsNotFound reports a 404/400 provider response, used by the reply path to
// fall back to a plain send when the referenced message id is unknown.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404 || apiErr.StatusCode == 400
	}
	return false
}
