package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/mydatapanel/internal/application"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// AccountService is the local account surface the handler needs.
type AccountService interface {
	Register(ctx context.Context, email, password string) (model.Account, error)
	Authenticate(ctx context.Context, email, password string) (model.Account, error)
	Get(ctx context.Context, id string) (model.Account, error)
}

// CredentialService is the provider credential surface the handler needs.
type CredentialService interface {
	AuthorizationURL(ctx context.Context, p model.Provider, state string) (string, error)
	Link(ctx context.Context, p model.Provider, acct *model.Account, grant model.Grant) error
	Unlink(ctx context.Context, p model.Provider, acct *model.Account) error
	ListResources(ctx context.Context, p model.Provider, acct *model.Account) (application.ResourceList, error)
	SetDefaultResource(ctx context.Context, p model.Provider, acct *model.Account, resourceID string) error
	RunDatabaseQuery(ctx context.Context, acct *model.Account, sql string) (model.QueryResult, error)
	TestDatabaseCredential(ctx context.Context, candidate application.DatabaseCandidate) ([]string, error)
	SaveDatabaseCredential(ctx context.Context, acct *model.Account, candidate application.DatabaseCandidate) ([]string, error)
}

// Reconciler brings an account's sessions up to date.
type Reconciler interface {
	ReconcileAll(ctx context.Context, acct *model.Account) (model.Reconciliation, error)
}

// Handler is the HTTP driving adapter that serves the JSON API.
type Handler struct {
	accounts   AccountService
	creds      CredentialService
	reconciler Reconciler
	sessions   *Sessions
	metrics    http.Handler
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. metricsHandler
// may be nil, in which case /metrics is not served.
func NewHandler(
	accounts AccountService,
	creds CredentialService,
	reconciler Reconciler,
	sessions *Sessions,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		accounts:   accounts,
		creds:      creds,
		reconciler: reconciler,
		sessions:   sessions,
		metrics:    metricsHandler,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging, metrics and recovery middleware.
func NewServeMux(h *Handler, recorder metrics.Recorder, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/register", h.Register)
	mux.HandleFunc("POST /api/v1/login", h.Login)
	mux.HandleFunc("POST /api/v1/logout", h.Logout)
	mux.HandleFunc("GET /api/v1/account", h.requireAccount(h.CurrentAccount))

	mux.HandleFunc("POST /auth/{provider}", h.requireAccount(h.Authorize))
	mux.HandleFunc("GET /auth/{provider}/callback", h.requireAccount(h.Callback))
	mux.HandleFunc("DELETE /auth/{provider}", h.requireAccount(h.Unlink))

	mux.HandleFunc("GET /api/v1/connections", h.requireAccount(h.ListConnections))
	mux.HandleFunc("PUT /api/v1/connections/{provider}/default", h.requireAccount(h.SetDefaultResource))
	mux.HandleFunc("POST /api/v1/database", h.requireAccount(h.SaveDatabase))
	mux.HandleFunc("POST /api/v1/database/query", h.requireAccount(h.QueryDatabase))

	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	if recorder == nil {
		recorder = metrics.NoopMetrics{}
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = metricsMiddleware(recorder, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Register creates a local account and signs it in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acct, err := h.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, application.ErrInvalidEmail), errors.Is(err, application.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, driven.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			h.logger.Error("failed to register account", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if err := h.sessions.Start(w, acct.ID); err != nil {
		h.logger.Error("failed to start session", "account_id", acct.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("account registered", "account_id", acct.ID)
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// Login authenticates a local account and starts a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acct, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, application.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		h.logger.Error("failed to authenticate", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := h.sessions.Start(w, acct.ID); err != nil {
		h.logger.Error("failed to start session", "account_id", acct.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

// Logout ends the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.End(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// CurrentAccount returns the signed-in account.
func (h *Handler) CurrentAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toAccountResponse(*accountFrom(r.Context())))
}

// Authorize returns the provider URL the user must visit to link.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	p, ok := providerParam(w, r)
	if !ok {
		return
	}

	state, err := h.sessions.BeginAuthorization(acct.ID, p)
	if err != nil {
		h.logger.Error("failed to create authorization state", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	url, err := h.creds.AuthorizationURL(r.Context(), p, state)
	if err != nil {
		h.logger.Warn("failed to build authorization url", "provider", p, "error", err)
		writeProviderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthorizationResponse{URL: url})
}

// Callback completes a provider authorization and links the credential.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	p, ok := providerParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+denied)
		return
	}
	if q.Has("denied") {
		writeError(w, http.StatusBadRequest, "authorization denied")
		return
	}

	grant := model.Grant{Code: q.Get("code")}
	if p == model.ProviderMicroblog {
		grant = model.Grant{RequestToken: q.Get("oauth_token"), Code: q.Get("oauth_verifier")}
	}
	if grant.Code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	// The OAuth1 provider does not echo state; its pending request token
	// ties the callback to this account instead.
	state := q.Get("state")
	if (state == "" && p != model.ProviderMicroblog) || !h.sessions.CompleteAuthorization(acct.ID, p, state) {
		writeError(w, http.StatusBadRequest, "invalid or expired authorization state")
		return
	}

	if err := h.creds.Link(r.Context(), p, acct, grant); err != nil {
		h.logger.Warn("failed to link provider", "provider", p, "account_id", acct.ID, "error", err)
		writeProviderError(w, err)
		return
	}

	linked := model.SessionStatePending
	if acct.Credentials.IsActive(p) {
		linked = model.SessionStateValid
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{
		Provider: string(p),
		State:    string(linked),
		Valid:    linked == model.SessionStateValid,
		Identity: identityLabel(&acct.Credentials, p),
	})
}

// Unlink clears a provider credential. A failed remote revoke is logged by
// the service and never surfaces here.
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	p, ok := providerParam(w, r)
	if !ok {
		return
	}

	if err := h.creds.Unlink(r.Context(), p, acct); err != nil {
		h.logger.Error("failed to unlink provider", "provider", p, "account_id", acct.ID, "error", err)
		writeProviderError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListConnections reconciles every provider and returns its state plus the
// resources of usable providers.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	results, err := h.reconciler.ReconcileAll(r.Context(), acct)
	if err != nil {
		h.logger.Error("failed to persist reconciliation", "account_id", acct.ID, "error", err)
	}

	// Each provider lists into its own slot, so display order holds.
	resp := make([]ConnectionResponse, len(model.AllProviders))
	var g errgroup.Group
	for i, p := range model.AllProviders {
		res, ok := results[p]
		if !ok {
			res = model.ReconciliationResult{Provider: p, State: model.SessionStateNotLinked}
		}
		resp[i] = toConnectionResponse(res, &acct.Credentials)
		if !res.Valid {
			continue
		}

		g.Go(func() error {
			list, err := h.creds.ListResources(r.Context(), p, acct)
			if err != nil {
				h.logger.Warn("failed to list resources", "provider", p, "account_id", acct.ID, "error", err)
				return nil
			}
			resp[i].Resources = toResourceResponses(list.Resources)
			resp[i].DefaultResource = list.DefaultID
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, resp)
}

// SetDefaultResource stores the provider resource used by default.
func (h *Handler) SetDefaultResource(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	p, ok := providerParam(w, r)
	if !ok {
		return
	}

	var req defaultResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return
	}

	if err := h.creds.SetDefaultResource(r.Context(), p, acct, req.ResourceID); err != nil {
		h.logger.Warn("failed to set default resource", "provider", p, "account_id", acct.ID, "error", err)
		writeProviderError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SaveDatabase tests a database credential and, unless test_only is set,
// stores it.
func (h *Handler) SaveDatabase(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	var req databaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	candidate := application.DatabaseCandidate{
		Hostname:      req.Hostname,
		Port:          req.Port,
		Database:      req.Database,
		Username:      req.Username,
		Password:      req.Password,
		DefaultSchema: req.DefaultSchema,
	}

	var (
		schemas []string
		err     error
	)
	if req.TestOnly {
		schemas, err = h.creds.TestDatabaseCredential(r.Context(), candidate)
	} else {
		schemas, err = h.creds.SaveDatabaseCredential(r.Context(), acct, candidate)
	}
	if err != nil {
		h.logger.Warn("database credential rejected", "account_id", acct.ID, "error", err)
		writeProviderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SchemasResponse{Schemas: schemas, Saved: !req.TestOnly})
}

// QueryDatabase runs a query against the linked database.
func (h *Handler) QueryDatabase(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.creds.RunDatabaseQuery(r.Context(), acct, req.SQL)
	if err != nil {
		h.logger.Warn("database query failed", "account_id", acct.ID, "error", err)
		writeProviderError(w, err)
		return
	}

	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Columns: result.Columns, Rows: rows})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
	})
}

func providerParam(w http.ResponseWriter, r *http.Request) (model.Provider, bool) {
	p, err := model.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return "", false
	}
	return p, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
