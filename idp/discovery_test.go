package idp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilikin/healthcard/idp/idptest"
	"github.com/spilikin/healthcard/jose"
)

func TestCheckValidity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) int64 { return now.Add(d).Unix() }

	tests := []struct {
		name    string
		iat     int64
		exp     int64
		wantErr string
	}{
		{"valid", at(-time.Hour), at(23 * time.Hour), ""},
		{"issued within skew", at(59 * time.Second), at(time.Hour), ""},
		{"expired within skew", at(-time.Hour), at(-59 * time.Second), ""},
		{"missing iat", 0, at(time.Hour), "without iat or exp"},
		{"missing exp", at(-time.Hour), 0, "without iat or exp"},
		{"expired", at(-2 * time.Hour), at(-2 * time.Minute), "expired"},
		{"issued in the future", at(2 * time.Minute), at(time.Hour), "future"},
		{"issued too long ago", at(-25 * time.Hour), at(time.Hour), "too long ago"},
		{"valid too long", at(-time.Hour), at(25 * time.Hour), "too far"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Configuration{IssuedAt: tt.iat, Expires: tt.exp}
			err := c.CheckValidity(now)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseDiscoveryDocument(t *testing.T) {
	srv := idptest.NewServer(t)
	c := &client{http: NewHTTPClient(5 * time.Second)}

	raw, err := c.get(context.Background(), "discovery", srv.DiscoveryURL())
	require.NoError(t, err)

	config, err := ParseDiscoveryDocument(string(raw))
	require.NoError(t, err)
	assert.Equal(t, srv.URL, config.Issuer)
	assert.Equal(t, srv.URL+"/auth", config.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/auth/sso", config.SSOEndpoint)
	assert.Equal(t, srv.URL+"/pairings", config.PairingEndpoint)
	assert.NotNil(t, config.Certificate)
	assert.NoError(t, config.CheckValidity(time.Now()))

	// flip one character of the signature
	tampered := []byte(raw)
	if tampered[len(tampered)-2] == 'A' {
		tampered[len(tampered)-2] = 'B'
	} else {
		tampered[len(tampered)-2] = 'A'
	}
	_, err = ParseDiscoveryDocument(string(tampered))
	assert.ErrorIs(t, err, jose.ErrInvalidSignature)
}

func TestParsePukSig(t *testing.T) {
	srv := idptest.NewServer(t)
	c := &client{http: NewHTTPClient(5 * time.Second)}

	jwk, err := c.fetchJWK(context.Background(), "puk_idp_sig", srv.URL+"/puk_sig")
	require.NoError(t, err)
	key, err := parsePukSig(jwk)
	require.NoError(t, err)
	assert.True(t, key.Key.Equal(&srv.SigKey.PublicKey))

	other, err := jose.NewJWK(&srv.EncKey.PublicKey)
	require.NoError(t, err)
	other.X5c = jwk.X5c
	_, err = parsePukSig(*other)
	assert.ErrorContains(t, err, "doesn't match")

	jwk.X5c = nil
	_, err = parsePukSig(jwk)
	assert.ErrorContains(t, err, "missing x5c")
}
