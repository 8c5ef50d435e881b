// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services
var (
	ErrNoConnectedAccounts = errors.New("no connected email accounts found")
	ErrAccountDisconnected = errors.New("email account authentication failed, account marked as disconnected")
)

// ErrAccountNotFound is a sentinel error
type ErrAccountNotFound struct {
	AccountID int64
}

func (e *ErrAccountNotFound) Error() string {
	return fmt.Sprintf("email account with ID %d not found", e.AccountID)
}

// Helper constructor
func NewAccountNotFound(id int64) error {
	return &ErrAccountNotFound{AccountID: id}
}

// ErrUnsupportedProvider is returned for provider tags without an adapter
type ErrUnsupportedProvider struct {
	Provider string
}

func (e *ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported provider: %s", e.Provider)
}

func NewUnsupportedProvider(provider string) error {
	return &ErrUnsupportedProvider{Provider: provider}
}
