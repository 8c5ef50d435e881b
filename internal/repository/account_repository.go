package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
)

type AccountRepositoryInterface interface {
	Create(a *model.EmailAccount) error
	FindByID(id int64) (*model.EmailAccount, error)
	FindByUserEmailProvider(userID, emailAddress, provider string) (*model.EmailAccount, error)
	FindConnectedByUserID(userID string) ([]model.EmailAccount, error)
	ListAddresses(userID string) ([]string, error)
	UpdateTokens(id int64, accessToken, refreshToken string, tokenExpiry time.Time) error
	UpdateStatus(id int64, status string) error
	UpdateSyncState(id int64, lastSyncAt time.Time, cursor string) error
	Disconnect(id int64) error
}

type AccountRepository struct {
	DB *sql.DB
}

const accountColumns = `id, account_key, user_id, provider, email_address, status,
	access_token, refresh_token, token_expiry, sync_cursor, last_sync_at, campaign_id, created_at, updated_at`

func (r *AccountRepository) Create(a *model.EmailAccount) error {
	a.CreatedAt = time.Now()
	if a.Status == "" {
		a.Status = model.AccountConnected
	}
	query := `
        INSERT INTO email_accounts
        (account_key, user_id, provider, email_address, status, access_token, refresh_token, token_expiry, sync_cursor, campaign_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		a.AccountKey, a.UserID, a.Provider, a.EmailAddress, a.Status,
		a.AccessToken, a.RefreshToken, a.TokenExpiry, a.SyncCursor, a.CampaignID, a.CreatedAt,
	).Scan(&a.ID)
}

func scanAccount(row *sql.Row) (*model.EmailAccount, error) {
	var a model.EmailAccount
	err := row.Scan(
		&a.ID, &a.AccountKey, &a.UserID, &a.Provider, &a.EmailAddress, &a.Status,
		&a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.SyncCursor,
		&a.LastSyncAt, &a.CampaignID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) FindByID(id int64) (*model.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE id=$1`
	return scanAccount(r.DB.QueryRow(query, id))
}

func (r *AccountRepository) FindByUserEmailProvider(userID, emailAddress, provider string) (*model.EmailAccount, error) {
	query := `SELECT ` + accountColumns + `
        FROM email_accounts WHERE user_id=$1 AND email_address=$2 AND provider=$3`
	return scanAccount(r.DB.QueryRow(query, userID, emailAddress, provider))
}

// FindConnectedByUserID returns only connected accounts, which is what both
// the distributor and the sync fan-out want.
func (r *AccountRepository) FindConnectedByUserID(userID string) ([]model.EmailAccount, error) {
	query := `SELECT ` + accountColumns + `
        FROM email_accounts WHERE user_id=$1 AND status=$2 ORDER BY id ASC`
	rows, err := r.DB.Query(query, userID, model.AccountConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []model.EmailAccount{}
	for rows.Next() {
		var a model.EmailAccount
		if err := rows.Scan(
			&a.ID, &a.AccountKey, &a.UserID, &a.Provider, &a.EmailAddress, &a.Status,
			&a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.SyncCursor,
			&a.LastSyncAt, &a.CampaignID, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListAddresses returns the owner's connected addresses, the set used for
// the self-sender loop correction during sync.
func (r *AccountRepository) ListAddresses(userID string) ([]string, error) {
	rows, err := r.DB.Query(
		`SELECT email_address FROM email_accounts WHERE user_id=$1 AND status=$2`,
		userID, model.AccountConnected,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	addresses := []string{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

func (r *AccountRepository) UpdateTokens(id int64, accessToken, refreshToken string, tokenExpiry time.Time) error {
	query := `
        UPDATE email_accounts
        SET access_token=$1, refresh_token=$2, token_expiry=$3, status=$4, updated_at=NOW()
        WHERE id=$5
    `
	_, err := r.DB.Exec(query, accessToken, refreshToken, tokenExpiry, model.AccountConnected, id)
	return err
}

func (r *AccountRepository) UpdateStatus(id int64, status string) error {
	_, err := r.DB.Exec(`UPDATE email_accounts SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (r *AccountRepository) UpdateSyncState(id int64, lastSyncAt time.Time, cursor string) error {
	query := `UPDATE email_accounts SET last_sync_at=$1, sync_cursor=$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.Exec(query, lastSyncAt, cursor, id)
	return err
}

// Disconnect flips the status only. Accounts are never hard-deleted so the
// message history stays queryable.
func (r *AccountRepository) Disconnect(id int64) error {
	result, err := r.DB.Exec(
		`UPDATE email_accounts SET status=$1, updated_at=NOW() WHERE id=$2`,
		model.AccountDisconnected, id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return appErrors.NewAccountNotFound(id)
	}
	return nil
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
