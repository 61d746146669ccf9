// Package microblog implements the ProviderAdapter port for the micro-blog
// provider (Twitter) over OAuth1. Tokens never expire; validity is learned
// by calling verify_credentials.
package microblog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/dghubble/oauth1/twitter"
	"github.com/patrickmn/go-cache"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/clientcache"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

const provider = model.ProviderMicroblog

// DefaultAPIBaseURL is the REST API root.
const DefaultAPIBaseURL = "https://api.twitter.com/1.1"

// RequestTokenTTL bounds how long an authorization may stay in flight.
const RequestTokenTTL = 15 * time.Minute

// Error codes carried in the provider's error body.
const (
	codeRateLimited  = 88
	codeInvalidToken = 89
)

var (
	_ driven.ProviderAdapter = (*Adapter)(nil)
	_ driven.Verifier        = (*Adapter)(nil)
)

// ErrUnknownRequestToken means the callback carried a request token this
// process never issued, or one that has aged out.
var ErrUnknownRequestToken = errors.New("unknown or expired request token")

// Config holds the consumer registration and endpoint overrides.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string

	Endpoint   oauth1.Endpoint
	APIBaseURL string
}

// Adapter talks to the micro-blog provider.
type Adapter struct {
	oauth      *oauth1.Config
	httpClient *http.Client
	clients    *clientcache.Cache
	pendingMu  sync.Mutex
	pending    *cache.Cache
	apiBaseURL string
	logger     *slog.Logger
}

// New creates an Adapter.
func New(cfg Config, httpClient *http.Client, clients *clientcache.Cache, logger *slog.Logger) *Adapter {
	endpoint := cfg.Endpoint
	if endpoint.RequestTokenURL == "" {
		endpoint = twitter.AuthorizeEndpoint
	}
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}

	return &Adapter{
		oauth: &oauth1.Config{
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
			CallbackURL:    cfg.CallbackURL,
			Endpoint:       endpoint,
		},
		httpClient: httpClient,
		clients:    clients,
		pending:    cache.New(RequestTokenTTL, 2*RequestTokenTTL),
		apiBaseURL: strings.TrimRight(apiBase, "/"),
		logger:     logger,
	}
}

// Provider returns model.ProviderMicroblog.
func (a *Adapter) Provider() model.Provider { return provider }

// AuthorizationURL obtains a request token and returns the page the user
// approves it on. The request secret is held until the callback arrives.
func (a *Adapter) AuthorizationURL(ctx context.Context, _ string) (string, error) {
	cfg, cancel := a.configFor(ctx)
	defer cancel()
	requestToken, requestSecret, err := cfg.RequestToken()
	if err != nil {
		return "", providerhttp.TransportError(provider, fmt.Errorf("request token: %w", err))
	}
	authURL, err := a.oauth.AuthorizationURL(requestToken)
	if err != nil {
		return "", fmt.Errorf("authorization url: %w", err)
	}

	a.pending.SetDefault(requestToken, requestSecret)
	return authURL.String(), nil
}

// ExchangeCode trades the request token and verifier for an access token
// pair. grant.Code carries the verifier.
func (a *Adapter) ExchangeCode(ctx context.Context, acct *model.Account, grant model.Grant) error {
	if grant.RequestToken == "" || grant.Code == "" {
		return model.Fatal(provider, errors.New("missing request token or verifier"))
	}
	secret, ok := a.takePending(grant.RequestToken)
	if !ok {
		return model.Fatal(provider, ErrUnknownRequestToken)
	}

	cfg, cancel := a.configFor(ctx)
	token, tokenSecret, err := cfg.AccessToken(grant.RequestToken, secret, grant.Code)
	cancel()
	if err != nil {
		err = fmt.Errorf("access token: %w", err)
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return providerhttp.TransportError(provider, err)
		}
		return model.Fatal(provider, err)
	}

	acct.Credentials.Microblog = &model.MicroblogCredential{Token: token, TokenSecret: tokenSecret}

	id, err := a.Probe(ctx, acct)
	if err != nil {
		a.logger.Warn("microblog identity probe failed, will retry on next reconcile",
			"account_id", acct.ID, "error", err)
		return nil
	}
	applyIdentity(acct.Credentials.Microblog, id)
	return nil
}

// takePending removes and returns the secret held for a request token. A
// request token is redeemed at most once.
func (a *Adapter) takePending(requestToken string) (string, bool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	v, ok := a.pending.Get(requestToken)
	if !ok {
		return "", false
	}
	a.pending.Delete(requestToken)
	return v.(string), true
}

// configFor returns a copy of the OAuth1 config whose token endpoint calls
// go through the base client and are bound to ctx, capped by the base
// client's timeout. The library builds those requests without a context of
// its own. cancel must be called once the call returns.
func (a *Adapter) configFor(ctx context.Context) (*oauth1.Config, context.CancelFunc) {
	next := http.DefaultTransport
	cancel := context.CancelFunc(func() {})
	if a.httpClient != nil {
		if a.httpClient.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, a.httpClient.Timeout)
		}
		if a.httpClient.Transport != nil {
			next = a.httpClient.Transport
		}
	}
	cfg := *a.oauth
	cfg.HTTPClient = &http.Client{Transport: contextTransport{ctx: ctx, next: next}}
	return &cfg, cancel
}

type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// CheckSession reports whether a token pair is present.
func (a *Adapter) CheckSession(_ context.Context, acct *model.Account) (bool, error) {
	return acct.Credentials.Microblog.Linked(), nil
}

// Verify calls verify_credentials. An invalid-token error code is fatal;
// rate limiting and everything else is transient.
func (a *Adapter) Verify(ctx context.Context, acct *model.Account) error {
	cred := acct.Credentials.Microblog
	if !cred.Linked() {
		return model.ErrNotLinked
	}
	id, err := a.Probe(ctx, acct)
	if err != nil {
		return err
	}
	if cred.IdentityID == "" {
		applyIdentity(cred, id)
	}
	return nil
}

// Revoke is local only; the provider offers no revocation call.
func (a *Adapter) Revoke(_ context.Context, acct *model.Account) error {
	a.clients.Invalidate(acct.ID, provider)
	return nil
}

type verifiedUser struct {
	ID         string `json:"id_str"`
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

// Probe returns the user id, name and handle.
func (a *Adapter) Probe(ctx context.Context, acct *model.Account) (model.Identity, error) {
	if !acct.Credentials.Microblog.Linked() {
		return model.Identity{}, model.ErrNotLinked
	}

	var user verifiedUser
	err := providerhttp.GetJSON(ctx, a.authClient(ctx, acct), provider,
		a.apiBaseURL+"/account/verify_credentials.json?skip_status=true", classifyAPIError, &user)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{
		ID:          user.ID,
		DisplayName: providerhttp.CleanName(user.Name),
		Handle:      providerhttp.CleanName(user.ScreenName),
	}, nil
}

// ListResources returns the linked timeline itself; the account is the only
// reportable resource.
func (a *Adapter) ListResources(_ context.Context, acct *model.Account) ([]model.Resource, error) {
	cred := acct.Credentials.Microblog
	if !cred.Linked() {
		return nil, model.ErrNotLinked
	}
	if cred.IdentityID == "" {
		return []model.Resource{}, nil
	}
	return []model.Resource{{ID: cred.IdentityID, Name: "@" + cred.Handle}}, nil
}

func (a *Adapter) authClient(ctx context.Context, acct *model.Account) *http.Client {
	cred := acct.Credentials.Microblog
	fp := clientcache.Fingerprint(cred.Token, cred.TokenSecret)
	return a.clients.Get(acct.ID, provider, fp, func() *http.Client {
		cached := providerhttp.NewCachingClient(a.httpClient)
		base := context.WithValue(context.WithoutCancel(ctx), oauth1.HTTPClient, cached)
		return a.oauth.Client(base, oauth1.NewToken(cred.Token, cred.TokenSecret))
	})
}

func applyIdentity(cred *model.MicroblogCredential, id model.Identity) {
	cred.IdentityID = id.ID
	cred.DisplayName = id.DisplayName
	cred.Handle = id.Handle
}

type apiErrors struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// classifyAPIError reads the provider error codes. Only an invalid or
// expired token proves the stored pair is dead.
func classifyAPIError(_ int, body []byte) model.ErrorKind {
	var parsed apiErrors
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.ErrorKindTransient
	}
	for _, e := range parsed.Errors {
		switch e.Code {
		case codeInvalidToken:
			return model.ErrorKindFatal
		case codeRateLimited:
			return model.ErrorKindTransient
		}
	}
	return model.ErrorKindTransient
}
