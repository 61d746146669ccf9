package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

// --- Account store ---

type memStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	updates  atomic.Int32
	failNext error
}

func newMemStore(accts ...model.Account) *memStore {
	s := &memStore{accounts: make(map[string]model.Account)}
	for _, a := range accts {
		a.Credentials = a.Credentials.Clone()
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) Create(_ context.Context, acct model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == acct.Email {
			return model.Account{}, driven.ErrEmailTaken
		}
	}
	acct.ID = fmt.Sprintf("acct-%d", len(s.accounts)+1)
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, driven.ErrAccountNotFound
	}
	a.Credentials = a.Credentials.Clone()
	return a, nil
}

func (s *memStore) GetByEmail(_ context.Context, email string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			a.Credentials = a.Credentials.Clone()
			return a, nil
		}
	}
	return model.Account{}, driven.ErrAccountNotFound
}

func (s *memStore) Update(_ context.Context, id string, fn func(*model.Account) error) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates.Add(1)
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return model.Account{}, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, driven.ErrAccountNotFound
	}
	a.Credentials = a.Credentials.Clone()
	if err := fn(&a); err != nil {
		return model.Account{}, err
	}
	s.accounts[id] = a
	a.Credentials = a.Credentials.Clone()
	return a, nil
}

func (s *memStore) get(id string) model.Account {
	a, _ := s.GetByID(context.Background(), id)
	return a
}

// --- Provider adapters ---

// fakeAdapter is a ProviderAdapter whose behavior is set per test. Nil
// funcs fall back to a harmless default.
type fakeAdapter struct {
	provider model.Provider

	checkSession func(ctx context.Context, acct *model.Account) (bool, error)
	probe        func(ctx context.Context, acct *model.Account) (model.Identity, error)
	exchange     func(ctx context.Context, acct *model.Account, grant model.Grant) error
	revoke       func(ctx context.Context, acct *model.Account) error
	resources    []model.Resource

	checkCalls    atomic.Int32
	probeCalls    atomic.Int32
	revokeCalls   atomic.Int32
	exchangeCalls atomic.Int32
}

var _ driven.ProviderAdapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Provider() model.Provider { return f.provider }

func (f *fakeAdapter) AuthorizationURL(_ context.Context, state string) (string, error) {
	return "https://provider.example/auth?state=" + state, nil
}

func (f *fakeAdapter) ExchangeCode(ctx context.Context, acct *model.Account, grant model.Grant) error {
	f.exchangeCalls.Add(1)
	if f.exchange != nil {
		return f.exchange(ctx, acct, grant)
	}
	return nil
}

func (f *fakeAdapter) CheckSession(ctx context.Context, acct *model.Account) (bool, error) {
	f.checkCalls.Add(1)
	if f.checkSession != nil {
		return f.checkSession(ctx, acct)
	}
	return acct.Credentials.IsLinked(f.provider), nil
}

func (f *fakeAdapter) Revoke(ctx context.Context, acct *model.Account) error {
	f.revokeCalls.Add(1)
	if f.revoke != nil {
		return f.revoke(ctx, acct)
	}
	return nil
}

func (f *fakeAdapter) Probe(ctx context.Context, acct *model.Account) (model.Identity, error) {
	f.probeCalls.Add(1)
	if f.probe != nil {
		return f.probe(ctx, acct)
	}
	return model.Identity{ID: "id-" + string(f.provider)}, nil
}

func (f *fakeAdapter) ListResources(context.Context, *model.Account) ([]model.Resource, error) {
	return f.resources, nil
}

// networkCalls counts every call that would reach the provider.
func (f *fakeAdapter) networkCalls() int32 {
	return f.probeCalls.Load() + f.revokeCalls.Load() + f.exchangeCalls.Load()
}

type refreshingAdapter struct {
	*fakeAdapter
	refresh      func(ctx context.Context, acct *model.Account) error
	refreshCalls atomic.Int32
}

var _ driven.Refresher = (*refreshingAdapter)(nil)

func (f *refreshingAdapter) Refresh(ctx context.Context, acct *model.Account) error {
	f.refreshCalls.Add(1)
	return f.refresh(ctx, acct)
}

type verifyingAdapter struct {
	*fakeAdapter
	verify      func(ctx context.Context, acct *model.Account) error
	verifyCalls atomic.Int32
}

var _ driven.Verifier = (*verifyingAdapter)(nil)

func (f *verifyingAdapter) Verify(ctx context.Context, acct *model.Account) error {
	f.verifyCalls.Add(1)
	return f.verify(ctx, acct)
}

// fakeDatabase records database operations.
type fakeDatabase struct {
	*fakeAdapter
	schemas   []string
	testErr   error
	ensured   []string
	tested    []model.DatabaseCredential
	queryFunc func(sql string) (model.QueryResult, error)
}

var _ driven.DatabaseProvider = (*fakeDatabase)(nil)

func (f *fakeDatabase) Query(_ context.Context, _ *model.Account, sql string) (model.QueryResult, error) {
	if f.queryFunc != nil {
		return f.queryFunc(sql)
	}
	return model.QueryResult{Columns: []string{"n"}, Rows: [][]any{{1}}}, nil
}

func (f *fakeDatabase) TestCredentials(_ context.Context, candidate model.DatabaseCredential) ([]string, error) {
	f.tested = append(f.tested, candidate)
	if f.testErr != nil {
		return nil, f.testErr
	}
	return f.schemas, nil
}

func (f *fakeDatabase) EnsureSchema(_ context.Context, _ *model.Account, schema string) error {
	f.ensured = append(f.ensured, schema)
	return nil
}

func (f *fakeDatabase) ListResources(context.Context, *model.Account) ([]model.Resource, error) {
	out := make([]model.Resource, 0, len(f.schemas))
	for _, s := range f.schemas {
		out = append(out, model.Resource{ID: s, Name: s})
	}
	return out, nil
}

// --- Secret box ---

type reverseBox struct{}

func (reverseBox) Encrypt(plaintext string) (string, error) { return "sealed:" + plaintext, nil }

func (reverseBox) Decrypt(ciphertext string) (string, error) {
	if len(ciphertext) < 7 {
		return "", driven.ErrKeyMismatch
	}
	return ciphertext[7:], nil
}

type noKeyBox struct{}

func (noKeyBox) Encrypt(string) (string, error) { return "", driven.ErrEncryptionKeyNotSet }
func (noKeyBox) Decrypt(string) (string, error) { return "", driven.ErrEncryptionKeyNotSet }

// --- Client cache ---

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(accountID string, p model.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, accountID+"|"+string(p))
}

// --- Fixtures ---

var errRemoteDown = errors.New("connection refused")

func linkedAccount() model.Account {
	return model.Account{
		ID:    "acct-1",
		Email: "ana@example.com",
		Credentials: model.CredentialSet{
			Analytics: &model.AnalyticsCredential{
				IdentityID: "g-1",
				Token: model.TokenBundle{
					AccessToken:  "old-access",
					RefreshToken: "refresh-1",
					Expiry:       time.Now().Add(-time.Hour),
				},
			},
			Insights:  &model.InsightsCredential{IdentityID: "fb-1", AccessToken: "fb-token"},
			Microblog: &model.MicroblogCredential{IdentityID: "tw-1", Handle: "ana", Token: "t", TokenSecret: "s"},
		},
	}
}
