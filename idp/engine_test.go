package idp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilikin/healthcard/idp/idptest"
)

const testProfile = "juna"

// countingStore counts the stored SSO tokens.
type countingStore struct {
	*MemoryStore
	saves int
}

func (s *countingStore) SaveSingleSignOnToken(profile string, token SingleSignOnToken) error {
	s.saves++
	return s.MemoryStore.SaveSingleSignOnToken(profile, token)
}

func newTestEngine(t *testing.T) (*Engine, *idptest.Server, *countingStore) {
	t.Helper()
	srv := idptest.NewServer(t)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	e := &Engine{
		DiscoveryURL: srv.DiscoveryURL(),
		ClientID:     "eRezeptApp",
		RedirectURI:  "https://redirect.gematik.de/erezept",
		UserAgent:    "healthcard-test",
		Store:        store,
		HTTPClient:   NewHTTPClient(5 * time.Second),
	}
	return e, srv, store
}

func TestAuthenticate(t *testing.T) {
	e, srv, store := newTestEngine(t)
	card := idptest.NewCard(t)

	token, err := e.Authenticate(context.Background(), testProfile, ScopeDefault, card.Certificate, card)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.True(t, token.Valid(time.Now()))
	assert.Equal(t, 1, store.saves)

	data, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	require.NotNil(t, data.SingleSignOnToken)
	assert.NotEmpty(t, data.SingleSignOnToken.Token)
	assert.Equal(t, ScopeDefault, data.SingleSignOnToken.Scope)
	assert.Equal(t, Blob(card.Certificate), data.SingleSignOnToken.HealthCardCertificate)

	assert.Equal(t, 1, srv.Hits("GET "+idptest.DiscoveryPath))
	assert.Equal(t, 1, srv.Hits("POST /token"))
}

func TestAuthenticateRejectedCertificate(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"2020", ErrInvalidCertificate},
		{"2021", ErrInvalidOCSP},
		{"2013", ErrCommunicationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e, srv, store := newTestEngine(t)
			srv.GematikCode = tt.code
			card := idptest.NewCard(t)

			_, err := e.Authenticate(context.Background(), testProfile, ScopeDefault, card.Certificate, card)
			require.ErrorIs(t, err, tt.want)
			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.code, ie.GematikCode)
			assert.Equal(t, 0, store.saves)
			assert.Equal(t, 0, srv.Hits("POST /token"))
		})
	}
}

func TestAuthenticateWrongNonce(t *testing.T) {
	e, srv, store := newTestEngine(t)
	srv.WrongNonce = true
	card := idptest.NewCard(t)

	_, err := e.Authenticate(context.Background(), testProfile, ScopeDefault, card.Certificate, card)
	require.ErrorIs(t, err, ErrDecryptAccessToken)
	assert.Equal(t, 0, store.saves)
}

func TestAuthenticateSigningFailure(t *testing.T) {
	e, _, store := newTestEngine(t)
	card := idptest.NewCard(t)
	failing := SignerFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("card removed")
	})

	_, err := e.Authenticate(context.Background(), testProfile, ScopeDefault, card.Certificate, failing)
	require.ErrorIs(t, err, ErrSigning)
	assert.ErrorContains(t, err, "card removed")
	assert.Equal(t, 0, store.saves)
}

func TestRefreshAccessTokenWithSSO(t *testing.T) {
	e, srv, store := newTestEngine(t)
	card := idptest.NewCard(t)
	ctx := context.Background()

	first, err := e.Authenticate(ctx, testProfile, ScopeDefault, card.Certificate, card)
	require.NoError(t, err)

	second, err := e.RefreshAccessTokenWithSSO(ctx, testProfile)
	require.NoError(t, err)
	assert.NotEmpty(t, second.Token)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 1, srv.Hits("POST /auth/sso"))
	assert.Equal(t, 1, store.saves)
}

func TestRefreshRejectedSSOToken(t *testing.T) {
	e, srv, store := newTestEngine(t)
	card := idptest.NewCard(t)
	ctx := context.Background()

	_, err := e.Authenticate(ctx, testProfile, ScopeDefault, card.Certificate, card)
	require.NoError(t, err)

	srv.SSOStatus = 401
	_, err = e.RefreshAccessTokenWithSSO(ctx, testProfile)
	require.ErrorIs(t, err, ErrSingleSignOnToken)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.UserActionRequired)
	assert.Equal(t, 401, ie.StatusCode)

	data, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	require.NotNil(t, data.SingleSignOnToken)
	assert.Empty(t, data.SingleSignOnToken.Token)
	assert.Equal(t, ScopeDefault, data.SingleSignOnToken.Scope)
	assert.NotEmpty(t, data.SingleSignOnToken.HealthCardCertificate)

	_, ok := e.tokens().Get(testProfile, time.Now())
	assert.False(t, ok)
}

func TestRefreshWithoutSSOToken(t *testing.T) {
	e, srv, _ := newTestEngine(t)

	_, err := e.RefreshAccessTokenWithSSO(context.Background(), testProfile)
	require.ErrorIs(t, err, ErrSingleSignOnToken)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.UserActionRequired)
	assert.Equal(t, 0, srv.Hits("GET "+idptest.DiscoveryPath))
}

func TestLoadAccessToken(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	card := idptest.NewCard(t)
	ctx := context.Background()

	token, err := e.Authenticate(ctx, testProfile, ScopeDefault, card.Certificate, card)
	require.NoError(t, err)

	cached, err := e.LoadAccessToken(ctx, testProfile, false)
	require.NoError(t, err)
	assert.Equal(t, token, cached)
	assert.Equal(t, 0, srv.Hits("POST /auth/sso"))

	refreshed, err := e.LoadAccessToken(ctx, testProfile, true)
	require.NoError(t, err)
	assert.NotEqual(t, token.Token, refreshed.Token)
	assert.Equal(t, 1, srv.Hits("POST /auth/sso"))

	// an expired token is refreshed as well
	e.Now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, ok := e.tokens().Get(testProfile, e.now())
	assert.False(t, ok)
}

func TestLogout(t *testing.T) {
	e, _, store := newTestEngine(t)
	card := idptest.NewCard(t)
	ctx := context.Background()

	_, err := e.Authenticate(ctx, testProfile, ScopeDefault, card.Certificate, card)
	require.NoError(t, err)
	require.NoError(t, e.Logout(testProfile))

	data, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	assert.Nil(t, data.SingleSignOnToken)
	_, err = e.LoadAccessToken(ctx, testProfile, false)
	require.ErrorIs(t, err, ErrSingleSignOnToken)
}

func TestInitializeReplacesInvalidConfiguration(t *testing.T) {
	e, srv, store := newTestEngine(t)
	require.NoError(t, store.SaveConfiguration("not.a.jws"))

	init, err := e.InitializeConfigurationAndKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/token", init.Config.TokenEndpoint)
	assert.Equal(t, 1, srv.Hits("GET "+idptest.DiscoveryPath))

	raw, err := store.LoadConfiguration()
	require.NoError(t, err)
	assert.Equal(t, init.Config.Raw, raw)

	assert.NotEqual(t, init.State, init.Nonce)
	assert.Equal(t, CodeChallenge(init.CodeVerifier), init.CodeChallenge)
}

func TestInitializeExpiredConfiguration(t *testing.T) {
	e, srv, store := newTestEngine(t)
	srv.DiscoveryIssuedAt = time.Now().Add(-30 * time.Hour)
	srv.DiscoveryExpires = time.Now().Add(-2 * time.Hour)

	_, err := e.InitializeConfigurationAndKeys(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Equal(t, 2, srv.Hits("GET "+idptest.DiscoveryPath))

	raw, err := store.LoadConfiguration()
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestCodeChallenge(t *testing.T) {
	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestTokenCacheConcurrentFirstUse(t *testing.T) {
	e := &Engine{}
	caches := make([]*TokenCache, 8)
	var wg sync.WaitGroup
	for i := range caches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caches[i] = e.tokens()
		}(i)
	}
	wg.Wait()
	for _, c := range caches {
		assert.Same(t, caches[0], c)
	}

	preset := NewTokenCache()
	e = &Engine{Tokens: preset}
	assert.Same(t, preset, e.tokens())
}
