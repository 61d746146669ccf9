package httphandler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "mydatapanel_session"

// authStateTTL bounds how long a provider authorization may take.
const authStateTTL = 15 * time.Minute

// Sessions maps opaque session tokens to account ids and tracks in-flight
// provider authorizations. Both live in process memory only.
type Sessions struct {
	tokens *cache.Cache
	// stateMu makes consuming a state a single step, so one state
	// completes at most one authorization.
	stateMu sync.Mutex
	states  *cache.Cache
	ttl     time.Duration
	secure  bool
}

// NewSessions creates a session store whose sessions last ttl. secure marks
// the cookie Secure.
func NewSessions(ttl time.Duration, secure bool) *Sessions {
	return &Sessions{
		tokens: cache.New(ttl, ttl/4),
		states: cache.New(authStateTTL, authStateTTL),
		ttl:    ttl,
		secure: secure,
	}
}

// Start creates a session for the account and sets the cookie.
func (s *Sessions) Start(w http.ResponseWriter, accountID string) error {
	token, err := randomToken()
	if err != nil {
		return err
	}
	s.tokens.SetDefault(token, accountID)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// AccountID resolves the request's session to an account id.
func (s *Sessions) AccountID(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	v, ok := s.tokens.Get(c.Value)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// End destroys the request's session and clears the cookie.
func (s *Sessions) End(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		s.tokens.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type authState struct {
	accountID string
	provider  model.Provider
}

// BeginAuthorization records an authorization for the account and returns
// the state value to round-trip through the provider.
func (s *Sessions) BeginAuthorization(accountID string, p model.Provider) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.states.SetDefault(state, authState{accountID: accountID, provider: p})
	s.states.SetDefault(pendingKey(accountID, p), state)
	return state, nil
}

// CompleteAuthorization consumes the state. Providers that do not echo a
// state value are matched by the account's pending authorization.
func (s *Sessions) CompleteAuthorization(accountID string, p model.Provider, state string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	pending := pendingKey(accountID, p)
	if state == "" {
		v, ok := s.states.Get(pending)
		if !ok {
			return false
		}
		state = v.(string)
	}
	v, ok := s.states.Get(state)
	if !ok {
		return false
	}
	s.states.Delete(state)
	s.states.Delete(pending)

	st := v.(authState)
	return st.accountID == accountID && st.provider == p
}

func pendingKey(accountID string, p model.Provider) string {
	return "pending|" + accountID + "|" + string(p)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type accountKey struct{}

func withAccount(ctx context.Context, acct *model.Account) context.Context {
	return context.WithValue(ctx, accountKey{}, acct)
}

// accountFrom returns the account resolved by requireAccount.
func accountFrom(ctx context.Context) *model.Account {
	acct, _ := ctx.Value(accountKey{}).(*model.Account)
	return acct
}
