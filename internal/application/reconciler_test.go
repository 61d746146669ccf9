package application_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mydatapanel/internal/application"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
)

type reconcileFixture struct {
	store     *memStore
	analytics *refreshingAdapter
	insights  *verifyingAdapter
	microblog *verifyingAdapter
	database  *fakeDatabase
	rec       *application.Reconciler
	metrics   *metrics.Metrics
}

func newReconcileFixture(acct model.Account) *reconcileFixture {
	f := &reconcileFixture{
		store: newMemStore(acct),
		analytics: &refreshingAdapter{
			fakeAdapter: &fakeAdapter{
				provider: model.ProviderAnalytics,
				checkSession: func(_ context.Context, a *model.Account) (bool, error) {
					return time.Now().Before(a.Credentials.Analytics.Token.Expiry), nil
				},
			},
			refresh: func(_ context.Context, a *model.Account) error {
				a.Credentials.Analytics.Token.AccessToken = "new-access"
				a.Credentials.Analytics.Token.Expiry = time.Now().Add(time.Hour)
				return nil
			},
		},
		insights: &verifyingAdapter{
			fakeAdapter: &fakeAdapter{provider: model.ProviderInsights},
			verify:      func(context.Context, *model.Account) error { return nil },
		},
		microblog: &verifyingAdapter{
			fakeAdapter: &fakeAdapter{provider: model.ProviderMicroblog},
			verify:      func(context.Context, *model.Account) error { return nil },
		},
		database: &fakeDatabase{fakeAdapter: &fakeAdapter{provider: model.ProviderDatabase}},
		metrics:  metrics.New(),
	}
	f.rec = f.reconciler(time.Second)
	return f
}

func (f *reconcileFixture) reconciler(timeout time.Duration) *application.Reconciler {
	providers := application.NewProviders(f.analytics, f.insights, f.microblog, f.database)
	return application.NewReconciler(providers, f.store, timeout, f.metrics, slog.Default())
}

func TestReconcileAll_ExpiredAnalyticsIsRefreshedAndPersisted(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	res := results[model.ProviderAnalytics]
	assert.Equal(t, model.SessionStateValid, res.State)
	assert.True(t, res.Valid)
	assert.True(t, res.Refreshed)
	assert.NoError(t, res.Err)
	assert.Equal(t, int32(1), f.analytics.refreshCalls.Load())

	stored := f.store.get("acct-1").Credentials.Analytics
	assert.Equal(t, "new-access", stored.Token.AccessToken)
	assert.True(t, stored.Token.Expiry.After(time.Now()))
	assert.Equal(t, "new-access", acct.Credentials.Analytics.Token.AccessToken)
}

func TestReconcileAll_FutureExpiryMakesNoNetworkCalls(t *testing.T) {
	acct := linkedAccount()
	acct.Credentials.Analytics.Token.Expiry = time.Now().Add(time.Hour)
	f := newReconcileFixture(acct)

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateValid, results[model.ProviderAnalytics].State)
	assert.False(t, results[model.ProviderAnalytics].Refreshed)
	assert.Zero(t, f.analytics.refreshCalls.Load())
	assert.Zero(t, f.analytics.networkCalls())
	assert.Zero(t, f.store.updates.Load())
}

func TestReconcileAll_RejectedRefreshClearsSlice(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.analytics.refresh = func(context.Context, *model.Account) error {
		return model.Fatal(model.ProviderAnalytics, model.ErrRefreshImpossible)
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	res := results[model.ProviderAnalytics]
	assert.Equal(t, model.SessionStateRevokedLocally, res.State)
	assert.True(t, res.RevokedLocally)
	assert.ErrorIs(t, res.Err, model.ErrRefreshImpossible)

	stored := f.store.get("acct-1")
	assert.Nil(t, stored.Credentials.Analytics)
	assert.NotNil(t, stored.Credentials.Insights)
	assert.NotNil(t, stored.Credentials.Microblog)
	assert.Equal(t, int32(1), f.analytics.refreshCalls.Load())
}

func TestReconcileAll_TransientRefreshLeavesSliceUntouched(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.analytics.refresh = func(_ context.Context, a *model.Account) error {
		a.Credentials.Analytics.Token.AccessToken = "half-written"
		return model.Transient(model.ProviderAnalytics, errRemoteDown)
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateExpired, results[model.ProviderAnalytics].State)
	assert.False(t, results[model.ProviderAnalytics].RevokedLocally)
	assert.Equal(t, "old-access", f.store.get("acct-1").Credentials.Analytics.Token.AccessToken)
	assert.Equal(t, "old-access", acct.Credentials.Analytics.Token.AccessToken)
	assert.Zero(t, f.store.updates.Load())
}

func TestReconcileAll_InsightsProbeFailureIsExpiredAndUntouched(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.insights.verify = func(context.Context, *model.Account) error {
		return model.Transient(model.ProviderInsights, errors.New("provider returned HTTP 400"))
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	res := results[model.ProviderInsights]
	assert.Equal(t, model.SessionStateExpired, res.State)
	assert.False(t, res.Valid)
	assert.Equal(t, model.ErrorKindTransient, model.KindOf(res.Err))
	assert.Equal(t, "fb-token", f.store.get("acct-1").Credentials.Insights.AccessToken)
}

func TestReconcileAll_MicroblogInvalidTokenIsCleared(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.microblog.verify = func(context.Context, *model.Account) error {
		return model.Fatal(model.ProviderMicroblog, errors.New("code 89"))
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateRevokedLocally, results[model.ProviderMicroblog].State)
	assert.Nil(t, f.store.get("acct-1").Credentials.Microblog)
	assert.NotNil(t, f.store.get("acct-1").Credentials.Insights)
}

func TestReconcileAll_NotLinkedMakesNoCalls(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	res := results[model.ProviderDatabase]
	assert.Equal(t, model.SessionStateNotLinked, res.State)
	assert.False(t, res.Valid)
	assert.Zero(t, f.database.checkCalls.Load())
	assert.Zero(t, f.database.networkCalls())
	assert.Len(t, results, len(model.AllProviders))
}

func TestReconcileAll_TimeoutIsTransientAndLateResultDiscarded(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	release := make(chan struct{})
	f.analytics.refresh = func(_ context.Context, a *model.Account) error {
		<-release
		a.Credentials.Analytics.Token.AccessToken = "late-access"
		return nil
	}
	rec := f.reconciler(20 * time.Millisecond)

	results, err := rec.ReconcileAll(context.Background(), &acct)
	close(release)
	require.NoError(t, err)

	res := results[model.ProviderAnalytics]
	assert.Equal(t, model.SessionStateExpired, res.State)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, model.ErrorKindTransient, model.KindOf(res.Err))
	assert.Equal(t, model.SessionStateValid, results[model.ProviderInsights].State)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "old-access", f.store.get("acct-1").Credentials.Analytics.Token.AccessToken)
}

func TestReconcileAll_PanicIsTransientForThatProviderOnly(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.microblog.verify = func(context.Context, *model.Account) error {
		panic("nil map write")
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateExpired, results[model.ProviderMicroblog].State)
	assert.Equal(t, model.ErrorKindTransient, model.KindOf(results[model.ProviderMicroblog].Err))
	assert.NotNil(t, f.store.get("acct-1").Credentials.Microblog)
	assert.Equal(t, model.SessionStateValid, results[model.ProviderAnalytics].State)
}

func TestReconcileAll_MissingIdentityIsFilledLazily(t *testing.T) {
	acct := linkedAccount()
	acct.Credentials.Analytics.Token.Expiry = time.Now().Add(time.Hour)
	acct.Credentials.Analytics.IdentityID = ""
	f := newReconcileFixture(acct)

	f.analytics.probe = func(context.Context, *model.Account) (model.Identity, error) {
		return model.Identity{}, model.Transient(model.ProviderAnalytics, errRemoteDown)
	}
	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatePending, results[model.ProviderAnalytics].State)
	assert.False(t, results[model.ProviderAnalytics].Valid)

	f.analytics.probe = nil
	results, err = f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateValid, results[model.ProviderAnalytics].State)
	assert.Equal(t, "id-analytics", f.store.get("acct-1").Credentials.Analytics.IdentityID)
}

func TestReconcileAll_RefreshThenFillsMissingIdentityOnce(t *testing.T) {
	acct := linkedAccount()
	acct.Credentials.Analytics.IdentityID = ""
	f := newReconcileFixture(acct)

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	res := results[model.ProviderAnalytics]
	assert.Equal(t, model.SessionStateValid, res.State)
	assert.True(t, res.Refreshed)
	assert.Equal(t, int32(1), f.analytics.refreshCalls.Load())
	assert.Equal(t, int32(1), f.analytics.probeCalls.Load())
	assert.Equal(t, "id-analytics", f.store.get("acct-1").Credentials.Analytics.IdentityID)
}

func TestReconcileAll_DoesNotResurrectSliceUnlinkedMeanwhile(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.analytics.refresh = func(_ context.Context, a *model.Account) error {
		_, err := f.store.Update(context.Background(), "acct-1", func(stored *model.Account) error {
			stored.Credentials.Clear(model.ProviderAnalytics)
			return nil
		})
		a.Credentials.Analytics.Token.AccessToken = "new-access"
		a.Credentials.Analytics.Token.Expiry = time.Now().Add(time.Hour)
		return err
	}

	_, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Nil(t, f.store.get("acct-1").Credentials.Analytics)
}

func TestReconcileAll_ConcurrentRunsKeepUnrelatedSlices(t *testing.T) {
	base := linkedAccount()
	f := newReconcileFixture(base)
	f.microblog.verify = func(context.Context, *model.Account) error {
		return model.Fatal(model.ProviderMicroblog, errors.New("code 89"))
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct := f.store.get("acct-1")
			_, err := f.rec.ReconcileAll(context.Background(), &acct)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := f.store.get("acct-1")
	assert.Nil(t, stored.Credentials.Microblog)
	require.NotNil(t, stored.Credentials.Analytics)
	assert.Equal(t, "new-access", stored.Credentials.Analytics.Token.AccessToken)
	assert.Equal(t, "refresh-1", stored.Credentials.Analytics.Token.RefreshToken)
	require.NotNil(t, stored.Credentials.Insights)
	assert.Equal(t, "fb-token", stored.Credentials.Insights.AccessToken)
}

func TestReconcileAll_MixedLinkedAndUnlinkedProvidersConcurrently(t *testing.T) {
	acct := model.Account{
		ID:    "acct-1",
		Email: "ana@example.com",
		Credentials: model.CredentialSet{
			Analytics: &model.AnalyticsCredential{
				IdentityID: "g-1",
				Token: model.TokenBundle{
					AccessToken:  "access",
					RefreshToken: "refresh-1",
					Expiry:       time.Now().Add(time.Hour),
				},
			},
		},
	}
	f := newReconcileFixture(acct)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := f.store.get("acct-1")
			results, err := f.rec.ReconcileAll(context.Background(), &local)
			assert.NoError(t, err)
			assert.Len(t, results, len(model.AllProviders))
			assert.Equal(t, model.SessionStateValid, results[model.ProviderAnalytics].State)
			assert.Equal(t, model.SessionStateNotLinked, results[model.ProviderInsights].State)
			assert.Equal(t, model.SessionStateNotLinked, results[model.ProviderMicroblog].State)
			assert.Equal(t, model.SessionStateNotLinked, results[model.ProviderDatabase].State)
		}()
	}
	wg.Wait()
}

func TestReconcileAll_PersistFailureStillReturnsResults(t *testing.T) {
	acct := linkedAccount()
	f := newReconcileFixture(acct)
	f.store.failNext = errors.New("database is locked")

	results, err := f.rec.ReconcileAll(context.Background(), &acct)

	require.Error(t, err)
	assert.Equal(t, model.SessionStateValid, results[model.ProviderAnalytics].State)
}

func TestReconcileAll_DatabaseCheckIsCombinedWithProbe(t *testing.T) {
	acct := linkedAccount()
	acct.Credentials.Database = &model.DatabaseCredential{Hostname: "h", Database: "d", Username: "u", PasswordEnc: "x"}
	f := newReconcileFixture(acct)
	f.database.checkSession = func(context.Context, *model.Account) (bool, error) {
		return false, model.Fatal(model.ProviderDatabase, errors.New("SQLSTATE 28P01"))
	}

	results, err := f.rec.ReconcileAll(context.Background(), &acct)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStateRevokedLocally, results[model.ProviderDatabase].State)
	assert.Nil(t, f.store.get("acct-1").Credentials.Database)
	assert.Zero(t, f.database.probeCalls.Load())
}
