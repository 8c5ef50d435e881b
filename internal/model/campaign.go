// internal/model/campaign.go
package model

import "time"

// Campaign statuses that still count for reply linkage. Paused and completed
// campaigns keep tracking replies; only drafts and cancelled ones are excluded.
var LinkableCampaignStatuses = []string{"ACTIVE", "PROCESSING", "PAUSED", "COMPLETED"}

type Campaign struct {
	ID        int        `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Name      string     `db:"name" json:"name"`
	Status    string     `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
