package repository

import (
	"database/sql"

	"github.com/lib/pq"
	"github.com/unclebandit/mailreach-backend/internal/model"
)

type ContactRepositoryInterface interface {
	FindByEmail(userID, email string) (*model.Contact, error)
	LatestCampaignID(contactID int64) (int, bool, error)
	CampaignsByEmails(emails []string) (map[string][]int, error)
}

// ContactRepository reads the contact book and its campaign associations.
type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) FindByEmail(userID, email string) (*model.Contact, error) {
	query := `
        SELECT id, user_id, email, first_name, last_name, company_name
        FROM contacts
        WHERE user_id=$1 AND email=$2
    `
	var c model.Contact
	err := r.DB.QueryRow(query, userID, email).Scan(
		&c.ID, &c.UserID, &c.Email, &c.FirstName, &c.LastName, &c.CompanyName,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// LatestCampaignID returns the contact's most recent association with a
// campaign that still counts for reply linkage. Paused and completed
// campaigns are included so late replies keep tracking.
func (r *ContactRepository) LatestCampaignID(contactID int64) (int, bool, error) {
	query := `
        SELECT cc.campaign_id
        FROM campaign_contacts cc
        JOIN campaigns c ON c.id = cc.campaign_id
        WHERE cc.contact_id=$1 AND c.status = ANY($2)
        ORDER BY cc.id DESC
        LIMIT 1
    `
	var campaignID int
	err := r.DB.QueryRow(query, contactID, pq.Array(model.LinkableCampaignStatuses)).Scan(&campaignID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return campaignID, true, nil
}

// CampaignsByEmails resolves campaign memberships for a whole page of
// participant addresses in one query, for the thread aggregator's
// "previously used in campaign" metadata.
func (r *ContactRepository) CampaignsByEmails(emails []string) (map[string][]int, error) {
	result := map[string][]int{}
	if len(emails) == 0 {
		return result, nil
	}

	query := `
        SELECT LOWER(c.email), cc.campaign_id
        FROM campaign_contacts cc
        JOIN contacts c ON c.id = cc.contact_id
        WHERE LOWER(c.email) = ANY($1)
    `
	rows, err := r.DB.Query(query, pq.Array(emails))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		var campaignID int
		if err := rows.Scan(&email, &campaignID); err != nil {
			return nil, err
		}
		result[email] = append(result[email], campaignID)
	}
	return result, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
