// Package clientcache holds short-lived authenticated HTTP clients per
// account and provider, outside the persisted credential model.
package clientcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// Cache maps (account, provider, credential fingerprint) to a live client.
// Entries expire after the configured TTL, so a client never outlives the
// request burst that created it by much.
type Cache struct {
	c *gocache.Cache
}

// New creates a Cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{c: gocache.New(ttl, 2*ttl)}
}

// Get returns the cached client for the key, building one when absent.
// fingerprint should change whenever the credential does, so a refreshed
// token never reuses a client holding the old one.
func (c *Cache) Get(accountID string, provider model.Provider, fingerprint string, build func() *http.Client) *http.Client {
	key := cacheKey(accountID, provider, fingerprint)
	if v, ok := c.c.Get(key); ok {
		if client, ok := v.(*http.Client); ok {
			return client
		}
	}
	client := build()
	c.c.SetDefault(key, client)
	return client
}

// Invalidate drops every client cached for the account and provider.
func (c *Cache) Invalidate(accountID string, provider model.Provider) {
	prefix := accountID + "|" + string(provider) + "|"
	for key := range c.c.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.c.Delete(key)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.c.ItemCount() }

// Fingerprint hashes credential material so it can be used in a key
// without keeping the secret itself in the key space.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func cacheKey(accountID string, provider model.Provider, fingerprint string) string {
	return accountID + "|" + string(provider) + "|" + fingerprint
}
