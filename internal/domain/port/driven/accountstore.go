// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// Sentinel errors returned by AccountStore implementations.
var (
	// ErrAccountNotFound indicates no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")

	// ErrEmailTaken indicates another account already uses the email.
	ErrEmailTaken = errors.New("email already registered")
)

// AccountStore defines the driven port for account persistence. The
// credential set is stored as one document per account.
type AccountStore interface {
	Create(ctx context.Context, acct model.Account) (model.Account, error)
	GetByID(ctx context.Context, id string) (model.Account, error)
	GetByEmail(ctx context.Context, email string) (model.Account, error)

	// Update reads the current record, hands it to fn and writes the result,
	// all inside one transaction. fn must only touch the fields it owns so
	// overlapping requests for the same account do not lose each other's
	// changes.
	Update(ctx context.Context, id string, fn func(acct *model.Account) error) (model.Account, error)
}
