package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
)

// Errors returned by CredentialService.
var (
	// ErrUnknownResource means the chosen resource is not offered by the
	// provider for this credential.
	ErrUnknownResource = errors.New("resource not available for this credential")

	// ErrEmptyQuery means no SQL was supplied.
	ErrEmptyQuery = errors.New("query is empty")
)

// DatabaseCandidate is a database credential as entered by the user, before
// the password is sealed.
type DatabaseCandidate struct {
	Hostname      string
	Port          int
	Database      string
	Username      string
	Password      string
	DefaultSchema string
}

// ResourceList is what a provider offers plus the effective default.
type ResourceList struct {
	Resources []model.Resource
	DefaultID string
}

// CredentialService links, unlinks and configures provider credentials.
type CredentialService struct {
	providers Providers
	database  driven.DatabaseProvider
	store     driven.AccountStore
	box       driven.SecretBox
	clients   ClientInvalidator
	timeout   time.Duration
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewCredentialService creates a CredentialService. database may be nil when
// no database adapter is configured.
func NewCredentialService(
	providers Providers,
	database driven.DatabaseProvider,
	store driven.AccountStore,
	box driven.SecretBox,
	clients ClientInvalidator,
	timeout time.Duration,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *CredentialService {
	if clients == nil {
		clients = noopInvalidator{}
	}
	if recorder == nil {
		recorder = metrics.NoopMetrics{}
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &CredentialService{
		providers: providers,
		database:  database,
		store:     store,
		box:       box,
		clients:   clients,
		timeout:   timeout,
		metrics:   recorder,
		logger:    logger,
	}
}

// AuthorizationURL returns where to send the user to link p.
func (s *CredentialService) AuthorizationURL(ctx context.Context, p model.Provider, state string) (string, error) {
	adapter, err := s.providers.get(p)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return adapter.AuthorizationURL(ctx, state)
}

// Link exchanges the grant and stores the resulting slice. Nothing is
// written when the exchange fails.
func (s *CredentialService) Link(ctx context.Context, p model.Provider, acct *model.Account, grant model.Grant) error {
	adapter, err := s.providers.get(p)
	if err != nil {
		return err
	}

	working := *acct
	working.Credentials = acct.Credentials.Clone()

	xctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err = adapter.ExchangeCode(xctx, &working, grant)
	s.metrics.ObserveProviderCall(p, "exchange_code", time.Since(start), err)
	if err != nil {
		s.logger.Warn("code exchange failed", "provider", p, "account_id", acct.ID, "error", err)
		return err
	}

	if err := s.writeSlice(ctx, acct, working.Credentials, p); err != nil {
		return err
	}
	s.clients.Invalidate(acct.ID, p)
	s.logger.Info("provider linked", "provider", p, "account_id", acct.ID)
	return nil
}

// Unlink revokes the credential remotely and clears it locally. The local
// clear happens even when the remote revoke fails; that failure is logged
// and not returned.
func (s *CredentialService) Unlink(ctx context.Context, p model.Provider, acct *model.Account) error {
	adapter, err := s.providers.get(p)
	if err != nil {
		return err
	}

	if acct.Credentials.IsLinked(p) {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		revokeErr := adapter.Revoke(rctx, acct)
		cancel()
		s.metrics.ObserveProviderCall(p, "revoke", time.Since(start), revokeErr)
		s.metrics.RecordUnlink(p, revokeErr == nil)
		if revokeErr != nil {
			s.logger.Warn("remote revoke failed, clearing locally anyway",
				"provider", p, "account_id", acct.ID, "error", revokeErr)
		}
	}

	if err := s.writeSlice(ctx, acct, model.CredentialSet{}, p); err != nil {
		return err
	}
	s.clients.Invalidate(acct.ID, p)
	s.logger.Info("provider unlinked", "provider", p, "account_id", acct.ID)
	return nil
}

// ListResources returns what the provider offers and the effective default:
// the stored default, or the first resource when none is stored.
func (s *CredentialService) ListResources(ctx context.Context, p model.Provider, acct *model.Account) (ResourceList, error) {
	adapter, err := s.providers.get(p)
	if err != nil {
		return ResourceList{}, err
	}
	if !acct.Credentials.IsLinked(p) {
		return ResourceList{}, model.ErrNotLinked
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resources, err := adapter.ListResources(ctx, acct)
	if err != nil {
		return ResourceList{}, err
	}

	list := ResourceList{Resources: resources, DefaultID: acct.Credentials.DefaultResource(p)}
	if list.DefaultID == "" && len(resources) > 0 {
		list.DefaultID = resources[0].ID
	}
	return list, nil
}

// SetDefaultResource stores the chosen resource. For the database it also
// points the live pool at the schema.
func (s *CredentialService) SetDefaultResource(ctx context.Context, p model.Provider, acct *model.Account, resourceID string) error {
	list, err := s.ListResources(ctx, p, acct)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(list.Resources, func(r model.Resource) bool { return r.ID == resourceID }) {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resourceID)
	}

	if p == model.ProviderDatabase && s.database != nil {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.database.EnsureSchema(ctx, acct, resourceID)
		cancel()
		if err != nil {
			return err
		}
	}

	updated, err := s.store.Update(ctx, acct.ID, func(stored *model.Account) error {
		return stored.Credentials.SetDefaultResource(p, resourceID)
	})
	if err != nil {
		return fmt.Errorf("set default resource: %w", err)
	}
	*acct = updated
	return nil
}

// RunDatabaseQuery runs sql against the account's database.
func (s *CredentialService) RunDatabaseQuery(ctx context.Context, acct *model.Account, sql string) (model.QueryResult, error) {
	if s.database == nil {
		return model.QueryResult{}, fmt.Errorf("%w: database is not configured", model.ErrUnknownProvider)
	}
	if !acct.Credentials.Database.Linked() {
		return model.QueryResult{}, model.ErrNotLinked
	}
	if strings.TrimSpace(sql) == "" {
		return model.QueryResult{}, ErrEmptyQuery
	}

	start := time.Now()
	result, err := s.database.Query(ctx, acct, sql)
	s.metrics.ObserveProviderCall(model.ProviderDatabase, "query", time.Since(start), err)
	return result, err
}

// TestDatabaseCredential checks a candidate without saving it and returns
// the schemas it can see. The active credential and its pool are never
// touched.
func (s *CredentialService) TestDatabaseCredential(ctx context.Context, candidate DatabaseCandidate) ([]string, error) {
	cred, err := s.seal(candidate)
	if err != nil {
		return nil, err
	}
	return s.testSealed(ctx, cred)
}

// SaveDatabaseCredential tests the candidate and stores it only when the
// test succeeds. A missing or unavailable default schema falls back to
// "public" or the first visible schema.
func (s *CredentialService) SaveDatabaseCredential(ctx context.Context, acct *model.Account, candidate DatabaseCandidate) ([]string, error) {
	cred, err := s.seal(candidate)
	if err != nil {
		return nil, err
	}
	schemas, err := s.testSealed(ctx, cred)
	if err != nil {
		return nil, err
	}
	cred.DefaultSchema = pickSchema(candidate.DefaultSchema, schemas)

	working := model.CredentialSet{Database: &cred}
	if err := s.writeSlice(ctx, acct, working, model.ProviderDatabase); err != nil {
		return nil, err
	}
	s.logger.Info("database credential saved", "account_id", acct.ID, "host", cred.Hostname)
	return schemas, nil
}

func (s *CredentialService) testSealed(ctx context.Context, cred model.DatabaseCredential) ([]string, error) {
	if s.database == nil {
		return nil, fmt.Errorf("%w: database is not configured", model.ErrUnknownProvider)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.database.TestCredentials(ctx, cred)
}

func (s *CredentialService) seal(candidate DatabaseCandidate) (model.DatabaseCredential, error) {
	cred := model.DatabaseCredential{
		Hostname:      strings.TrimSpace(candidate.Hostname),
		Port:          candidate.Port,
		Database:      strings.TrimSpace(candidate.Database),
		Username:      strings.TrimSpace(candidate.Username),
		DefaultSchema: strings.TrimSpace(candidate.DefaultSchema),
	}
	if candidate.Password != "" {
		sealed, err := s.box.Encrypt(candidate.Password)
		if err != nil {
			return model.DatabaseCredential{}, model.ConfigError(model.ProviderDatabase, fmt.Errorf("seal password: %w", err))
		}
		cred.PasswordEnc = sealed
	}
	return cred, nil
}

// writeSlice replaces one provider's stored slice with the one in src.
func (s *CredentialService) writeSlice(ctx context.Context, acct *model.Account, src model.CredentialSet, p model.Provider) error {
	updated, err := s.store.Update(ctx, acct.ID, func(stored *model.Account) error {
		stored.Credentials.CopyFrom(src, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s credential: %w", p, err)
	}
	*acct = updated
	return nil
}

func pickSchema(requested string, schemas []string) string {
	if requested != "" && slices.Contains(schemas, requested) {
		return requested
	}
	if slices.Contains(schemas, "public") {
		return "public"
	}
	if len(schemas) > 0 {
		return schemas[0]
	}
	return ""
}
