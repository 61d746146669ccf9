// Package insights implements the ProviderAdapter port for the social
// insights provider (Facebook Graph). Its bearer token cannot be refreshed.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/clientcache"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

const provider = model.ProviderInsights

// DefaultGraphURL is the versioned Graph API root.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// Scopes requested at authorization time.
var Scopes = []string{"read_insights", "pages_show_list"}

var (
	_ driven.ProviderAdapter = (*Adapter)(nil)
	_ driven.Verifier        = (*Adapter)(nil)
)

// Config holds the app registration and endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	Endpoint oauth2.Endpoint
	GraphURL string
}

// Adapter talks to the insights provider.
type Adapter struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	clients    *clientcache.Cache
	graphURL   string
	logger     *slog.Logger
}

// New creates an Adapter.
func New(cfg Config, httpClient *http.Client, clients *clientcache.Cache, logger *slog.Logger) *Adapter {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = facebook.Endpoint
	}
	graphURL := cfg.GraphURL
	if graphURL == "" {
		graphURL = DefaultGraphURL
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
		graphURL:   strings.TrimRight(graphURL, "/"),
		logger:     logger,
	}
}

// Provider returns model.ProviderInsights.
func (a *Adapter) Provider() model.Provider { return provider }

// AuthorizationURL builds the dialog URL. It makes no network call.
func (a *Adapter) AuthorizationURL(_ context.Context, state string) (string, error) {
	return a.oauth.AuthCodeURL(state), nil
}

// ExchangeCode trades the code for a bearer token and probes the identity.
// Any failed exchange is fatal: the code is single use.
func (a *Adapter) ExchangeCode(ctx context.Context, acct *model.Account, grant model.Grant) error {
	if grant.Code == "" {
		return model.Fatal(provider, errors.New("empty authorization code"))
	}

	tok, err := a.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient), grant.Code)
	if err != nil {
		return model.Fatal(provider, fmt.Errorf("code exchange: %w", err))
	}

	cred := &model.InsightsCredential{AccessToken: tok.AccessToken}
	if prev := acct.Credentials.Insights; prev != nil {
		cred.DefaultResourceID = prev.DefaultResourceID
	}
	acct.Credentials.Insights = cred

	id, err := a.Probe(ctx, acct)
	if err != nil {
		a.logger.Warn("insights identity probe failed, will retry on next reconcile",
			"account_id", acct.ID, "error", err)
		return nil
	}
	cred.IdentityID = id.ID
	cred.DisplayName = id.DisplayName
	return nil
}

// CheckSession reports whether a token is present. Validity is only known by
// calling the provider, which Verify does.
func (a *Adapter) CheckSession(_ context.Context, acct *model.Account) (bool, error) {
	return acct.Credentials.Insights.Linked(), nil
}

// Verify calls the provider with the stored token. Every failure is
// transient: the Graph API does not distinguish a revoked token from a
// throttled one reliably enough to clear the slice.
func (a *Adapter) Verify(ctx context.Context, acct *model.Account) error {
	cred := acct.Credentials.Insights
	if !cred.Linked() {
		return model.ErrNotLinked
	}

	id, err := a.Probe(ctx, acct)
	if err != nil {
		return model.Transient(provider, err)
	}
	if cred.IdentityID == "" {
		cred.IdentityID = id.ID
		cred.DisplayName = id.DisplayName
	}
	return nil
}

// Revoke deletes the app's permissions for the user.
func (a *Adapter) Revoke(ctx context.Context, acct *model.Account) error {
	cred := acct.Credentials.Insights
	if !cred.Linked() {
		return nil
	}
	subject := cred.IdentityID
	if subject == "" {
		subject = "me"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		a.graphURL+"/"+url.PathEscape(subject)+"/permissions", nil)
	if err != nil {
		return model.RemoteRevokeError(provider, fmt.Errorf("create request: %w", err))
	}
	if err := providerhttp.DoJSON(a.authClient(ctx, acct), provider, req, providerhttp.AlwaysTransient, nil); err != nil {
		return model.RemoteRevokeError(provider, err)
	}
	a.clients.Invalidate(acct.ID, provider)
	return nil
}

type me struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Probe returns the user id and name.
func (a *Adapter) Probe(ctx context.Context, acct *model.Account) (model.Identity, error) {
	if !acct.Credentials.Insights.Linked() {
		return model.Identity{}, model.ErrNotLinked
	}

	var out me
	err := providerhttp.GetJSON(ctx, a.authClient(ctx, acct), provider,
		a.graphURL+"/me?fields=id,name", providerhttp.AlwaysTransient, &out)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{ID: out.ID, DisplayName: providerhttp.CleanName(out.Name)}, nil
}

type pagesResponse struct {
	Accounts pageList `json:"accounts"`
}

type pageList struct {
	Data   []page `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type page struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListResources returns the pages the user manages.
func (a *Adapter) ListResources(ctx context.Context, acct *model.Account) ([]model.Resource, error) {
	if !acct.Credentials.Insights.Linked() {
		return nil, model.ErrNotLinked
	}
	client := a.authClient(ctx, acct)

	var first pagesResponse
	if err := providerhttp.GetJSON(ctx, client, provider,
		a.graphURL+"/me?fields=accounts", providerhttp.AlwaysTransient, &first); err != nil {
		return nil, err
	}

	resources := []model.Resource{}
	list := first.Accounts
	for {
		for _, p := range list.Data {
			resources = append(resources, model.Resource{ID: p.ID, Name: providerhttp.CleanName(p.Name)})
		}
		if list.Paging.Next == "" {
			return resources, nil
		}
		next := list.Paging.Next
		list = pageList{}
		if err := providerhttp.GetJSON(ctx, client, provider, next, providerhttp.AlwaysTransient, &list); err != nil {
			return nil, err
		}
	}
}

func (a *Adapter) authClient(ctx context.Context, acct *model.Account) *http.Client {
	token := acct.Credentials.Insights.AccessToken
	return a.clients.Get(acct.ID, provider, clientcache.Fingerprint(token), func() *http.Client {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		cached := providerhttp.NewCachingClient(a.httpClient)
		return oauth2.NewClient(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, cached), src)
	})
}
