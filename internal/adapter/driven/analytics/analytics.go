// Package analytics implements the ProviderAdapter port for the
// analytics-reporting provider (Google Analytics) over OAuth2.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/clientcache"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

const provider = model.ProviderAnalytics

// Default endpoints outside the OAuth2 token flow.
const (
	DefaultAPIBaseURL = "https://www.googleapis.com"
	DefaultRevokeURL  = "https://oauth2.googleapis.com/revoke"
)

// Scopes requested at authorization time.
var Scopes = []string{
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/analytics.readonly",
}

// Compile-time interface satisfaction checks.
var (
	_ driven.ProviderAdapter = (*Adapter)(nil)
	_ driven.Refresher       = (*Adapter)(nil)
)

// Config holds the OAuth client registration and endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Optional overrides, used by tests.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	RevokeURL  string
}

// Adapter talks to the analytics provider.
type Adapter struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	clients    *clientcache.Cache
	apiBaseURL string
	revokeURL  string
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Adapter. httpClient is the base client every call goes
// through; authenticated clients are layered on top of it per account.
func New(cfg Config, httpClient *http.Client, clients *clientcache.Cache, logger *slog.Logger) *Adapter {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = DefaultRevokeURL
	}

	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
		clients:    clients,
		apiBaseURL: strings.TrimRight(apiBase, "/"),
		revokeURL:  revokeURL,
		now:        time.Now,
		logger:     logger,
	}
}

// Provider returns model.ProviderAnalytics.
func (a *Adapter) Provider() model.Provider { return provider }

// AuthorizationURL requests offline access so the exchange yields a refresh
// token. It makes no network call.
func (a *Adapter) AuthorizationURL(_ context.Context, state string) (string, error) {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode trades the code for a token bundle and probes the identity.
// A failed probe leaves the slice linked but pending; the identity is filled
// in by a later reconciliation.
func (a *Adapter) ExchangeCode(ctx context.Context, acct *model.Account, grant model.Grant) error {
	if grant.Code == "" {
		return model.Fatal(provider, errors.New("empty authorization code"))
	}

	tok, err := a.oauth.Exchange(a.withClient(ctx), grant.Code)
	if err != nil {
		return classifyTokenError(err)
	}

	cred := &model.AnalyticsCredential{Token: bundleFrom(tok)}
	if prev := acct.Credentials.Analytics; prev != nil {
		cred.DefaultResourceID = prev.DefaultResourceID
	}
	acct.Credentials.Analytics = cred

	a.fillIdentity(ctx, acct)
	return nil
}

// CheckSession is a pure expiry comparison. Expiry in the past is the only
// refresh trigger; a zero expiry never expires.
func (a *Adapter) CheckSession(_ context.Context, acct *model.Account) (bool, error) {
	cred := acct.Credentials.Analytics
	if !cred.Linked() || cred.Token.AccessToken == "" {
		return false, nil
	}
	if cred.Token.Expiry.IsZero() {
		return true, nil
	}
	return a.now().Before(cred.Token.Expiry), nil
}

// Refresh obtains a new access token with the stored refresh token. A
// rejected refresh token yields a fatal model.ErrRefreshImpossible. Refresh
// only touches the token; a missing identity is filled by reconciliation.
func (a *Adapter) Refresh(ctx context.Context, acct *model.Account) error {
	cred := acct.Credentials.Analytics
	if cred == nil || cred.Token.RefreshToken == "" {
		return model.Fatal(provider, fmt.Errorf("no refresh token: %w", model.ErrRefreshImpossible))
	}

	// An empty access token makes the token source refresh immediately.
	src := a.oauth.TokenSource(a.withClient(ctx), &oauth2.Token{RefreshToken: cred.Token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return classifyRefreshError(err)
	}

	bundle := bundleFrom(tok)
	if !bundle.Expiry.IsZero() && !bundle.Expiry.After(a.now()) {
		return model.Transient(provider, fmt.Errorf("refreshed token already expired at %s", bundle.Expiry))
	}
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = cred.Token.RefreshToken
	}

	cred.Token = bundle
	a.clients.Invalidate(acct.ID, provider)
	return nil
}

// Revoke revokes the grant at the provider. Revoking the refresh token
// revokes the access tokens issued from it as well.
func (a *Adapter) Revoke(ctx context.Context, acct *model.Account) error {
	cred := acct.Credentials.Analytics
	if !cred.Linked() {
		return nil
	}
	token := cred.Token.RefreshToken
	if token == "" {
		token = cred.Token.AccessToken
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return model.RemoteRevokeError(provider, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := providerhttp.DoJSON(a.httpClient, provider, req, providerhttp.AlwaysTransient, nil); err != nil {
		return model.RemoteRevokeError(provider, err)
	}
	a.clients.Invalidate(acct.ID, provider)
	return nil
}

type userInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Probe returns the Google account id and name.
func (a *Adapter) Probe(ctx context.Context, acct *model.Account) (model.Identity, error) {
	cred := acct.Credentials.Analytics
	if !cred.Linked() {
		return model.Identity{}, model.ErrNotLinked
	}

	var info userInfo
	err := providerhttp.GetJSON(ctx, a.authClient(ctx, acct), provider,
		a.apiBaseURL+"/oauth2/v2/userinfo", classifyAPIStatus, &info)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{ID: info.ID, DisplayName: providerhttp.CleanName(info.Name)}, nil
}

func (a *Adapter) fillIdentity(ctx context.Context, acct *model.Account) {
	id, err := a.Probe(ctx, acct)
	if err != nil {
		a.logger.Warn("analytics identity probe failed, will retry on next reconcile",
			"account_id", acct.ID, "error", err)
		return
	}
	acct.Credentials.Analytics.IdentityID = id.ID
	acct.Credentials.Analytics.DisplayName = id.DisplayName
}

// withClient makes the oauth2 package use the adapter's base client.
func (a *Adapter) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// authClient returns a client carrying the stored access token. It does not
// refresh on its own; refresh happens only through Refresh so the new token
// is persisted.
func (a *Adapter) authClient(ctx context.Context, acct *model.Account) *http.Client {
	tok := acct.Credentials.Analytics.Token
	fp := clientcache.Fingerprint(tok.AccessToken)
	return a.clients.Get(acct.ID, provider, fp, func() *http.Client {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken, TokenType: tok.TokenType})
		cached := providerhttp.NewCachingClient(a.httpClient)
		return oauth2.NewClient(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, cached), src)
	})
}

func bundleFrom(tok *oauth2.Token) model.TokenBundle {
	return model.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// classifyTokenError tags a failed code exchange. Any answer from the token
// endpoint means the single-use code is spent.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return model.Fatal(provider, fmt.Errorf("code exchange rejected: %w", err))
	}
	return providerhttp.TransportError(provider, err)
}

// classifyRefreshError separates a rejected refresh token from a provider
// that is merely unavailable.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return providerhttp.TransportError(provider, err)
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return model.Fatal(provider, fmt.Errorf("%w: %v", model.ErrRefreshImpossible, err))
	}
	if re.Response != nil {
		if status := re.Response.StatusCode; status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return model.Fatal(provider, fmt.Errorf("%w: %v", model.ErrRefreshImpossible, err))
		}
	}
	return model.Transient(provider, err)
}

// classifyAPIStatus treats a 401 on an unexpired token as revocation.
func classifyAPIStatus(status int, _ []byte) model.ErrorKind {
	if status == http.StatusUnauthorized {
		return model.ErrorKindFatal
	}
	return model.ErrorKindTransient
}
