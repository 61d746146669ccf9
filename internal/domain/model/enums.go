package model

import "fmt"

// Provider identifies one external service integration.
type Provider string

const (
	ProviderAnalytics Provider = "analytics"
	ProviderInsights  Provider = "insights"
	ProviderMicroblog Provider = "microblog"
	ProviderDatabase  Provider = "database"
)

// AllProviders lists every provider in display order.
var AllProviders = []Provider{
	ProviderAnalytics,
	ProviderInsights,
	ProviderMicroblog,
	ProviderDatabase,
}

// ParseProvider converts a route or config value into a Provider.
func ParseProvider(s string) (Provider, error) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// SessionState is the terminal state of one provider's reconciliation.
type SessionState string

const (
	SessionStateNotLinked      SessionState = "not_linked"
	SessionStatePending        SessionState = "pending" // Token stored, identity not yet probed.
	SessionStateValid          SessionState = "valid"
	SessionStateExpired        SessionState = "expired"
	SessionStateRevokedLocally SessionState = "revoked_locally"
)
