package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/mydatapanel/internal/application"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeProviderError maps a service error onto a status code. Tagged
// provider errors keep their kind in the body so clients can tell a
// reconnect from a retry.
func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	case errors.Is(err, model.ErrNotLinked):
		writeError(w, http.StatusConflict, "provider not linked")
		return
	case errors.Is(err, model.ErrNotSupported):
		writeError(w, http.StatusBadRequest, "operation not supported by provider")
		return
	case errors.Is(err, application.ErrUnknownResource):
		writeError(w, http.StatusBadRequest, "resource not available for this credential")
		return
	case errors.Is(err, application.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "query is empty")
		return
	}

	var pe *model.ProviderError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusBadGateway
	switch pe.Kind {
	case model.ErrorKindFatal:
		status = http.StatusUnauthorized
	case model.ErrorKindConfig:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, errorResponse{Error: pe.Err.Error(), Kind: string(pe.Kind)})
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// AccountResponse is the JSON representation of a local account.
type AccountResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorizationResponse carries the URL the user must visit to link.
type AuthorizationResponse struct {
	URL string `json:"url"`
}

// ResourceResponse is one selectable resource.
type ResourceResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConnectionResponse is the reconciled state of one provider.
type ConnectionResponse struct {
	Provider        string             `json:"provider"`
	State           string             `json:"state"`
	Valid           bool               `json:"valid"`
	Refreshed       bool               `json:"refreshed,omitempty"`
	RevokedLocally  bool               `json:"revoked_locally,omitempty"`
	Identity        string             `json:"identity,omitempty"`
	Error           string             `json:"error,omitempty"`
	Resources       []ResourceResponse `json:"resources,omitempty"`
	DefaultResource string             `json:"default_resource,omitempty"`
}

// QueryResponse is the result of a user database query.
type QueryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SchemasResponse lists the schemas visible to a database credential.
type SchemasResponse struct {
	Schemas []string `json:"schemas"`
	Saved   bool     `json:"saved"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type defaultResourceRequest struct {
	ResourceID string `json:"resource_id"`
}

type databaseRequest struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	Database      string `json:"database"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	DefaultSchema string `json:"default_schema"`
	TestOnly      bool   `json:"test_only"`
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func toAccountResponse(acct model.Account) AccountResponse {
	return AccountResponse{ID: acct.ID, Email: acct.Email, CreatedAt: acct.CreatedAt}
}

func toResourceResponses(resources []model.Resource) []ResourceResponse {
	out := make([]ResourceResponse, 0, len(resources))
	for _, r := range resources {
		out = append(out, ResourceResponse{ID: r.ID, Name: r.Name})
	}
	return out
}

func toConnectionResponse(res model.ReconciliationResult, creds *model.CredentialSet) ConnectionResponse {
	resp := ConnectionResponse{
		Provider:       string(res.Provider),
		State:          string(res.State),
		Valid:          res.Valid,
		Refreshed:      res.Refreshed,
		RevokedLocally: res.RevokedLocally,
		Identity:       identityLabel(creds, res.Provider),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

// identityLabel renders who a linked slice belongs to.
func identityLabel(creds *model.CredentialSet, p model.Provider) string {
	switch p {
	case model.ProviderAnalytics:
		if c := creds.Analytics; c != nil {
			return c.DisplayName
		}
	case model.ProviderInsights:
		if c := creds.Insights; c != nil {
			return c.DisplayName
		}
	case model.ProviderMicroblog:
		if c := creds.Microblog; c != nil && c.Handle != "" {
			return "@" + c.Handle
		}
	case model.ProviderDatabase:
		if c := creds.Database; c != nil {
			return c.Username + "@" + c.Hostname + ":" + strconv.Itoa(c.Port) + "/" + c.Database
		}
	}
	return ""
}
