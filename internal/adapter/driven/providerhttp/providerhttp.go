// Package providerhttp holds the HTTP plumbing shared by the provider
// adapters: per-token caching clients, response classification and display
// name sanitizing.
package providerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

var namePolicy = bluemonday.StrictPolicy()

// NewClient builds the base client used by an adapter for unauthenticated
// calls such as code exchange and refresh. The caller's context bounds every
// call; timeout only guards against a context without a deadline.
func NewClient(base http.RoundTripper, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: base, Timeout: timeout}
}

// NewCachingClient wraps base with its own in-memory ETag cache. Provider
// endpoints answer the same URL differently per access token, so a caching
// client must only ever carry one token: build one per authenticated client,
// never share it.
func NewCachingClient(base *http.Client) *http.Client {
	next := http.DefaultTransport
	var timeout time.Duration
	if base != nil {
		timeout = base.Timeout
		if base.Transport != nil {
			next = base.Transport
		}
	}
	cacheTransport := httpcache.NewMemoryCacheTransport()
	cacheTransport.Transport = next
	return &http.Client{Transport: cacheTransport, Timeout: timeout}
}

// CleanName strips markup from provider-supplied display names before they
// are persisted and later rendered.
func CleanName(s string) string {
	return namePolicy.Sanitize(s)
}

// StatusError describes a non-success provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Classifier decides the kind of a non-success response.
type Classifier func(status int, body []byte) model.ErrorKind

// AlwaysTransient treats every failed response as saying nothing about the
// credential.
func AlwaysTransient(int, []byte) model.ErrorKind { return model.ErrorKindTransient }

// TransportError tags a failure to reach the provider at all. Network errors
// and deadlines are always transient.
func TransportError(p model.Provider, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.Transient(p, fmt.Errorf("provider call interrupted: %w", err))
	}
	return model.Transient(p, err)
}

// GetJSON performs a GET and decodes a 2xx JSON body into out. Failures are
// returned already tagged using classify.
func GetJSON(ctx context.Context, client *http.Client, p model.Provider, url string, classify Classifier, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return DoJSON(client, p, req, classify, out)
}

// DoJSON sends req and decodes a 2xx JSON body into out, which may be nil.
func DoJSON(client *http.Client, p model.Provider, req *http.Request, classify Classifier, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return TransportError(p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		return &model.ProviderError{Provider: p, Kind: classify(resp.StatusCode, body), Err: statusErr}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.Transient(p, fmt.Errorf("decode response: %w", err))
	}
	// The cache only stores a body that was read to EOF.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
