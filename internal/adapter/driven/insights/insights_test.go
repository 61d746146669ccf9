package insights_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/clientcache"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/insights"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

type fakeGraph struct {
	meStatus     int
	tokenStatus  int
	deleteStatus int

	meCalls     atomic.Int32
	deleteCalls atomic.Int32
	lastDelete  atomic.Value
}

func (f *fakeGraph) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "page-token", "token_type": "bearer"})
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		f.meCalls.Add(1)
		assert.Equal(t, "Bearer page-token", r.Header.Get("Authorization"))
		if f.meStatus != 0 {
			w.WriteHeader(f.meStatus)
			return
		}
		switch r.URL.Query().Get("fields") {
		case "accounts":
			_ = json.NewEncoder(w).Encode(map[string]any{"accounts": map[string]any{
				"data":   []map[string]string{{"id": "p1", "name": "Bakery"}},
				"paging": map[string]string{"next": "http://" + r.Host + "/pages?after=p1"},
			}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "fb-9", "name": "Sam Ortiz"})
		}
	})
	mux.HandleFunc("GET /pages", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "p2", "name": "Florist"}},
		})
	})
	mux.HandleFunc("DELETE /{id}/permissions", func(w http.ResponseWriter, r *http.Request) {
		f.deleteCalls.Add(1)
		f.lastDelete.Store(r.PathValue("id"))
		if f.deleteStatus != 0 {
			w.WriteHeader(f.deleteStatus)
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	return mux
}

func newAdapter(t *testing.T, fake *fakeGraph) *insights.Adapter {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	return insights.New(insights.Config{
		ClientID:     "app",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/insights/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/dialog/oauth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		GraphURL: srv.URL,
	}, providerhttp.NewClient(nil, 5*time.Second), clientcache.New(time.Minute), slog.Default())
}

func linkedAccount() *model.Account {
	return &model.Account{
		ID:          "acct-1",
		Credentials: model.CredentialSet{Insights: &model.InsightsCredential{IdentityID: "fb-9", AccessToken: "page-token"}},
	}
}

func TestExchangeCode(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{})
	acct := &model.Account{ID: "acct-1"}

	require.NoError(t, adapter.ExchangeCode(context.Background(), acct, model.Grant{Code: "c"}))

	cred := acct.Credentials.Insights
	require.NotNil(t, cred)
	assert.Equal(t, "page-token", cred.AccessToken)
	assert.Equal(t, "fb-9", cred.IdentityID)
	assert.Equal(t, "Sam Ortiz", cred.DisplayName)
}

func TestExchangeCode_FailureIsFatal(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{tokenStatus: http.StatusBadRequest})
	acct := &model.Account{ID: "acct-1"}

	err := adapter.ExchangeCode(context.Background(), acct, model.Grant{Code: "c"})

	require.Error(t, err)
	assert.True(t, model.IsFatal(err))
	assert.Nil(t, acct.Credentials.Insights)
}

func TestCheckSession_TokenPresence(t *testing.T) {
	fake := &fakeGraph{}
	adapter := newAdapter(t, fake)

	ok, err := adapter.CheckSession(context.Background(), linkedAccount())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.CheckSession(context.Background(), &model.Account{ID: "acct-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Zero(t, fake.meCalls.Load())
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{})

	require.NoError(t, adapter.Verify(context.Background(), linkedAccount()))
}

func TestVerify_EveryFailureIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		adapter := newAdapter(t, &fakeGraph{meStatus: status})
		acct := linkedAccount()

		err := adapter.Verify(context.Background(), acct)

		require.Error(t, err, "status %d", status)
		assert.Equal(t, model.ErrorKindTransient, model.KindOf(err), "status %d", status)
		assert.Equal(t, "page-token", acct.Credentials.Insights.AccessToken)
	}
}

func TestVerify_FillsMissingIdentity(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{})
	acct := linkedAccount()
	acct.Credentials.Insights.IdentityID = ""

	require.NoError(t, adapter.Verify(context.Background(), acct))
	assert.Equal(t, "fb-9", acct.Credentials.Insights.IdentityID)
}

func TestRevoke_DeletesPermissions(t *testing.T) {
	fake := &fakeGraph{}
	adapter := newAdapter(t, fake)

	require.NoError(t, adapter.Revoke(context.Background(), linkedAccount()))
	assert.Equal(t, int32(1), fake.deleteCalls.Load())
	assert.Equal(t, "fb-9", fake.lastDelete.Load())
}

func TestRevoke_RemoteFailure(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{deleteStatus: http.StatusServiceUnavailable})

	err := adapter.Revoke(context.Background(), linkedAccount())
	assert.Equal(t, model.ErrorKindRemoteRevoke, model.KindOf(err))
}

func TestListResources_FollowsPaging(t *testing.T) {
	adapter := newAdapter(t, &fakeGraph{})

	resources, err := adapter.ListResources(context.Background(), linkedAccount())
	require.NoError(t, err)
	assert.Equal(t, []model.Resource{{ID: "p1", Name: "Bakery"}, {ID: "p2", Name: "Florist"}}, resources)
}
