package fetch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// StaticCredentials returns the same token forever; a refresh hands back the
// identical value. Useful for long-lived API tokens and in tests.
type StaticCredentials struct {
	token string
}

func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

func (c *StaticCredentials) Token(_ context.Context) (string, error) {
	return c.token, nil
}

func (c *StaticCredentials) Refresh(_ context.Context) (string, error) {
	return c.token, nil
}

// OAuthCredentials adapts an oauth2.TokenSource to the CredentialSource
// contract. Tokens are cached through oauth2.ReuseTokenSource; Refresh drops
// the cache so the next token is minted fresh, which is what the one-shot
// retry after a 403 needs.
type OAuthCredentials struct {
	base oauth2.TokenSource

	mu     sync.Mutex
	cached oauth2.TokenSource
}

func NewOAuthCredentials(ts oauth2.TokenSource) *OAuthCredentials {
	return &OAuthCredentials{
		base:   ts,
		cached: oauth2.ReuseTokenSource(nil, ts),
	}
}

func (c *OAuthCredentials) Token(_ context.Context) (string, error) {
	c.mu.Lock()
	source := c.cached
	c.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}

	return tok.AccessToken, nil
}

func (c *OAuthCredentials) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.cached = oauth2.ReuseTokenSource(nil, c.base)
	c.mu.Unlock()

	return c.Token(ctx)
}
