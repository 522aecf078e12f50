package idp

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appRedirect = "https://das-e-rezept-fuer-deutschland.de/extauth"

func TestExternalAuthentication(t *testing.T) {
	e, srv, store := newTestEngine(t)
	e.ExternalRedirectURI = appRedirect
	ctx := context.Background()

	pending, err := e.StartExternalAuthentication(ctx, testProfile, "kk-app-1", ScopeDefault)
	require.NoError(t, err)
	assert.Equal(t, "kk.example", pending.RedirectURL.Host)
	assert.Equal(t, pending.State, pending.RedirectURL.Query().Get("state"))

	token, err := e.CompleteExternalAuthentication(ctx, pending, srv.UniversalLink(pending.RedirectURL, appRedirect))
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	data, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	require.NotNil(t, data.SingleSignOnToken)
	assert.Equal(t, ScopeExternalAuthentication, data.SingleSignOnToken.Scope)
	assert.Equal(t, "kk-app-1", data.SingleSignOnToken.AuthenticatorID)
	assert.Equal(t, 1, store.saves)
}

func TestCompleteExternalAuthenticationFailures(t *testing.T) {
	e, srv, store := newTestEngine(t)
	e.ExternalRedirectURI = appRedirect
	ctx := context.Background()

	pending, err := e.StartExternalAuthentication(ctx, testProfile, "kk-app-1", ScopeDefault)
	require.NoError(t, err)
	good, err := url.Parse(srv.UniversalLink(pending.RedirectURL, appRedirect))
	require.NoError(t, err)

	variant := func(fn func(q url.Values)) string {
		u := *good
		q := u.Query()
		fn(q)
		u.RawQuery = q.Encode()
		return u.String()
	}
	tests := map[string]string{
		"no code":     variant(func(q url.Values) { q.Del("code") }),
		"no state":    variant(func(q url.Values) { q.Del("state") }),
		"wrong state": variant(func(q url.Values) { q.Set("state", "other") }),
		"bad code":    variant(func(q url.Values) { q.Set("code", "forged") }),
		"not a link":  "%zz",
	}
	for name, link := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.CompleteExternalAuthentication(ctx, pending, link)
			assert.ErrorIs(t, err, ErrUniversalLink)
		})
	}
	assert.Equal(t, 0, store.saves)
}
