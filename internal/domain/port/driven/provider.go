package driven

import (
	"context"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// ProviderAdapter is the uniform capability surface over one provider.
//
// Every method receives the account explicitly. Methods that change
// credentials write only the adapter's own slice of acct.Credentials; callers
// pass a working copy and decide whether to persist it.
type ProviderAdapter interface {
	Provider() model.Provider

	// AuthorizationURL returns where to send the user to grant access.
	AuthorizationURL(ctx context.Context, state string) (string, error)

	// ExchangeCode trades a single-use grant for a credential and stores it
	// in acct. It never retries.
	ExchangeCode(ctx context.Context, acct *model.Account, grant model.Grant) error

	// CheckSession reports whether the stored credential is usable. It is a
	// pure computation for providers with a known expiry.
	CheckSession(ctx context.Context, acct *model.Account) (bool, error)

	// Revoke performs the remote half of unlinking. Clearing the slice is the
	// caller's job and happens even when Revoke fails.
	Revoke(ctx context.Context, acct *model.Account) error

	// Probe fetches the provider-assigned identity.
	Probe(ctx context.Context, acct *model.Account) (model.Identity, error)

	// ListResources returns the selectable resources behind the credential.
	ListResources(ctx context.Context, acct *model.Account) ([]model.Resource, error)
}

// Refresher is implemented by adapters whose credential carries a refresh
// token. Refresh must be safe to call twice with the same refresh token.
type Refresher interface {
	Refresh(ctx context.Context, acct *model.Account) error
}

// Verifier is implemented by adapters whose CheckSession cannot see
// expiry. Verify makes the lazy validity call.
type Verifier interface {
	Verify(ctx context.Context, acct *model.Account) error
}

// DatabaseProvider extends ProviderAdapter with the user-database
// operations.
type DatabaseProvider interface {
	ProviderAdapter

	// Query runs sql against the account's pool.
	Query(ctx context.Context, acct *model.Account, sql string) (model.QueryResult, error)

	// TestCredentials validates a not-yet-saved credential on a throwaway
	// connection and returns the accessible schemas.
	TestCredentials(ctx context.Context, candidate model.DatabaseCredential) ([]string, error)

	// EnsureSchema applies the account's search path to its pool.
	EnsureSchema(ctx context.Context, acct *model.Account, schema string) error
}
