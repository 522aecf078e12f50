package idp

import (
	"sync"
	"time"
)

// AccessToken is the decrypted access token JWS. It is only held in memory.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

func (t AccessToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresOn)
}

// TokenCache holds the access token of each profile.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]AccessToken
}

func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: map[string]AccessToken{}}
}

// Get returns the token of profile if it is still valid at now.
func (c *TokenCache) Get(profile string, now time.Time) (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[profile]
	if !ok || !t.Valid(now) {
		return AccessToken{}, false
	}
	return t, true
}

func (c *TokenCache) Put(profile string, t AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		c.tokens = map[string]AccessToken{}
	}
	c.tokens[profile] = t
}

func (c *TokenCache) Invalidate(profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, profile)
}
