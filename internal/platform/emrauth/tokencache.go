package emrauth

import (
	"sync"
	"time"

	"github.com/headachemd/emr/internal/platform/emr"
)

// TokenCache is a single-slot, expiry-aware holder for one bearer token.
type TokenCache struct {
	mu    sync.RWMutex
	token *emr.AccessToken
	now   func() time.Time
}

// NewTokenCache creates an empty cache. now may be nil.
func NewTokenCache(now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{now: now}
}

// Get returns the cached token if it is still valid.
func (c *TokenCache) Get() (*emr.AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.ValidAt(c.now()) {
		return c.token, true
	}
	return nil, false
}

// Set replaces the cached token.
func (c *TokenCache) Set(t *emr.AccessToken) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// Clear empties the slot.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}
