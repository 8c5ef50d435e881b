// internal/model/email_account.go
package model

import "time"

// Account status values
const (
	AccountConnected    = "connected"
	AccountDisconnected = "disconnected"
)

type EmailAccount struct {
	ID           int64      `db:"id" json:"id"`
	AccountKey   string     `db:"account_key" json:"account_key"` // external id, e.g. EA_<uuid>
	UserID       string     `db:"user_id" json:"user_id"`
	Provider     string     `db:"provider" json:"provider"`
	EmailAddress string     `db:"email_address" json:"email_address"`
	Status       string     `db:"status" json:"status"` // connected, disconnected
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken string     `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time `db:"token_expiry" json:"token_expiry,omitempty"`
	SyncCursor   string     `db:"sync_cursor" json:"-"` // opaque provider cursor (Gmail historyId)
	LastSyncAt   *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CampaignID   *int       `db:"campaign_id" json:"campaign_id,omitempty"` // default campaign for linkage fallback
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// TokenExpired reports whether the access token needs a refresh.
func (a *EmailAccount) TokenExpired(now time.Time) bool {
	return a.TokenExpiry != nil && !now.Before(*a.TokenExpiry)
}
