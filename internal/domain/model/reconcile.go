package model

// ReconciliationResult is the request-scoped outcome of checking one provider.
// It is never persisted.
type ReconciliationResult struct {
	Provider       Provider
	State          SessionState
	Valid          bool
	Refreshed      bool
	RevokedLocally bool
	Err            error
}

// Reconciliation maps every provider to its result for one request.
type Reconciliation map[Provider]ReconciliationResult

// Usable returns the providers that can be queried right now.
func (r Reconciliation) Usable() []Provider {
	var out []Provider
	for _, p := range AllProviders {
		if res, ok := r[p]; ok && res.Valid {
			out = append(out, p)
		}
	}
	return out
}
