// Package idp implements the client side of the gematik identity provider:
// discovery, challenge signing with the health card, token exchange, single
// sign-on refresh, device pairing and external authentication.
package idp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/jose"
)

const (
	codeVerifierSize = 60
	tokenKeySize     = 32
	randomValueSize  = 24
)

// Engine runs the authentication flows. It keeps no state between calls
// except the access token cache; everything else goes through Store.
type Engine struct {
	DiscoveryURL string
	ClientID     string
	RedirectURI  string
	// ExternalRedirectURI is the redirect of external authentication. It
	// defaults to RedirectURI.
	ExternalRedirectURI string
	UserAgent           string

	Store      Store
	HTTPClient *http.Client
	Tokens     *TokenCache
	// Now defaults to time.Now.
	Now func() time.Time

	tokensOnce sync.Once
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) client() *client {
	hc := e.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(30 * time.Second)
	}
	return &client{http: hc, userAgent: e.UserAgent}
}

// tokens returns Tokens, creating the cache on first use. Set Tokens
// before the first flow runs.
func (e *Engine) tokens() *TokenCache {
	e.tokensOnce.Do(func() {
		if e.Tokens == nil {
			e.Tokens = NewTokenCache()
		}
	})
	return e.Tokens
}

// InitialData is the per flow state produced by InitializeConfigurationAndKeys.
type InitialData struct {
	Config        *Configuration
	PukSig        *PublicKey
	PukEnc        *PublicKey
	State         string
	Nonce         string
	CodeVerifier  string
	CodeChallenge string
}

// InitializeConfigurationAndKeys loads and validates the discovery document,
// retrying once with a fresh document, fetches the IdP keys and generates
// state, nonce and PKCE values.
func (e *Engine) InitializeConfigurationAndKeys(ctx context.Context) (*InitialData, error) {
	if err := curves.Register(); err != nil {
		return nil, newError(KindInvalidConfiguration, "register curves", err)
	}
	c := e.client()

	config, err := e.loadConfiguration(ctx, c)
	if err != nil {
		slog.Warn("IdP configuration couldn't be validated", "err", err)
		if ierr := e.Store.InvalidateConfiguration(); ierr != nil {
			return nil, ierr
		}
		config, err = e.loadConfiguration(ctx, c)
		if err != nil {
			slog.Error("IdP configuration couldn't be validated again", "err", err)
			_ = e.Store.InvalidateConfiguration()
			return nil, err
		}
	}

	sigJWK, err := c.fetchJWK(ctx, "puk_idp_sig", config.PukIdpSigURI)
	if err != nil {
		return nil, err
	}
	pukSig, err := parsePukSig(sigJWK)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, "puk_idp_sig", err)
	}
	encJWK, err := c.fetchJWK(ctx, "puk_idp_enc", config.PukIdpEncURI)
	if err != nil {
		return nil, err
	}
	pukEnc, err := parsePukEnc(encJWK)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, "puk_idp_enc", err)
	}

	init := &InitialData{Config: config, PukSig: pukSig, PukEnc: pukEnc}
	if init.State, err = randomString(randomValueSize); err != nil {
		return nil, err
	}
	if init.Nonce, err = randomString(randomValueSize); err != nil {
		return nil, err
	}
	if init.CodeVerifier, err = randomString(codeVerifierSize); err != nil {
		return nil, err
	}
	init.CodeChallenge = CodeChallenge(init.CodeVerifier)
	return init, nil
}

func (e *Engine) loadConfiguration(ctx context.Context, c *client) (*Configuration, error) {
	raw, err := e.Store.LoadConfiguration()
	if err != nil {
		return nil, err
	}
	if raw == "" {
		body, err := c.get(ctx, "discovery", e.DiscoveryURL)
		if err != nil {
			return nil, err
		}
		raw = string(body)
		if err := e.Store.SaveConfiguration(raw); err != nil {
			return nil, err
		}
	}
	config, err := ParseDiscoveryDocument(raw)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, "discovery", err)
	}
	if err := config.CheckValidity(e.now()); err != nil {
		return nil, newError(KindInvalidConfiguration, "discovery", err)
	}
	return config, nil
}

// Challenge is the verified challenge of the authorization endpoint.
type Challenge struct {
	Scope   Scope
	Raw     string
	Payload []byte
	Expires int64
}

// ChallengeFlow requests a challenge and verifies its signature, state and
// nonce.
func (e *Engine) ChallengeFlow(ctx context.Context, init *InitialData, scope Scope, redirectURI string) (*Challenge, error) {
	q := url.Values{
		"client_id":             {e.ClientID},
		"state":                 {init.State},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {init.CodeChallenge},
		"code_challenge_method": {"S256"},
		"response_type":         {"code"},
		"nonce":                 {init.Nonce},
		"scope":                 {scope.Param()},
	}
	raw, err := e.client().fetchChallenge(ctx, init.Config.AuthorizationEndpoint, q)
	if err != nil {
		return nil, err
	}
	signed, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, newError(KindInvalidResponse, "challenge", err)
	}
	if err := signed.Verify(init.PukSig.Key); err != nil {
		return nil, newError(KindInvalidResponse, "challenge", err)
	}
	var claims struct {
		State string `json:"state"`
		Nonce string `json:"nonce"`
		Exp   int64  `json:"exp"`
	}
	if err := signed.Claims(&claims); err != nil {
		return nil, newError(KindInvalidResponse, "challenge", err)
	}
	if claims.State != init.State {
		return nil, newError(KindInvalidResponse, "challenge", errors.New("invalid state"))
	}
	if claims.Nonce != init.Nonce {
		return nil, newError(KindInvalidResponse, "challenge", errors.New("invalid nonce"))
	}
	return &Challenge{Scope: scope, Raw: raw, Payload: signed.Payload, Expires: claims.Exp}, nil
}

// IDToken holds the claims of the id_token used by the client.
type IDToken struct {
	Nonce            string `json:"nonce"`
	InsuranceID      string `json:"idNummer"`
	OrganizationIK   string `json:"organizationIK"`
	OrganizationName string `json:"organizationName"`
	GivenName        string `json:"given_name"`
	FamilyName       string `json:"family_name"`
}

// AuthFlowResult is the outcome of an authorization with card or secure element.
type AuthFlowResult struct {
	AccessToken AccessToken
	SSOToken    string
	IDToken     IDToken
}

type njwt struct {
	NJWT string `json:"njwt"`
}

// BasicAuthFlow signs the challenge with the health card, posts it
// encrypted to the IdP and exchanges the returned code for tokens.
func (e *Engine) BasicAuthFlow(ctx context.Context, init *InitialData, challenge *Challenge, cardCert []byte, signer Signer) (*AuthFlowResult, error) {
	alg, err := certificateAlgorithm(cardCert)
	if err != nil {
		return nil, newError(KindInvalidCertificate, "sign challenge", err)
	}
	payload, err := json.Marshal(njwt{NJWT: challenge.Raw})
	if err != nil {
		return nil, err
	}
	signed, err := jose.Sign(jose.Header{
		Alg: alg,
		Cty: jose.ContentTypeNJWT,
		X5c: []string{base64.StdEncoding.EncodeToString(cardCert)},
	}, payload, signFunc(ctx, signer))
	if err != nil {
		return nil, signingError("sign challenge", err)
	}
	encrypted, err := encryptNJWT(signed, challenge.Expires, init.PukEnc, "")
	if err != nil {
		return nil, err
	}

	loc, err := e.client().postRedirect(ctx, "signed challenge", init.Config.AuthorizationEndpoint, url.Values{
		"signed_challenge": {encrypted},
	})
	if err != nil {
		return nil, err
	}
	return e.completeRedirect(ctx, init, loc, e.RedirectURI)
}

// completeRedirect checks state, extracts code and SSO token and runs the
// token exchange.
func (e *Engine) completeRedirect(ctx context.Context, init *InitialData, loc *url.URL, redirectURI string) (*AuthFlowResult, error) {
	q := loc.Query()
	if q.Get("state") != init.State {
		return nil, newError(KindInvalidResponse, "redirect", errors.New("invalid state"))
	}
	code := q.Get("code")
	if code == "" {
		return nil, newError(KindInvalidResponse, "redirect", errors.New("missing code"))
	}
	result, err := e.exchangeCode(ctx, init.Config, init.PukSig, init.PukEnc, init.Nonce, init.CodeVerifier, code, redirectURI)
	if err != nil {
		return nil, err
	}
	result.SSOToken = q.Get("ssotoken")
	return result, nil
}

// certificateAlgorithm is the JWS algorithm matching the key of the card
// certificate, BP256R1 for the eGK.
func certificateAlgorithm(der []byte) (string, error) {
	_, pub, err := certificateKey(der)
	if err != nil {
		return "", err
	}
	c, err := curves.ByCurve(pub.Curve)
	if err != nil {
		return "", err
	}
	return c.Algorithm, nil
}

func encryptNJWT(token string, exp int64, pukEnc *PublicKey, typ string) (string, error) {
	payload, err := json.Marshal(njwt{NJWT: token})
	if err != nil {
		return "", err
	}
	jwe, err := jose.EncryptECDHES(jose.Header{Cty: jose.ContentTypeNJWT, Typ: typ, Exp: exp}, payload, pukEnc.Key)
	if err != nil {
		return "", newError(KindSigning, "encrypt", err)
	}
	return jwe, nil
}

// exchangeCode posts the code with a key verifier carrying a fresh token key
// and decrypts the returned tokens with it.
func (e *Engine) exchangeCode(ctx context.Context, config *Configuration, pukSig, pukEnc *PublicKey, nonce, codeVerifier, code, redirectURI string) (*AuthFlowResult, error) {
	tokenKey := make([]byte, tokenKeySize)
	if _, err := rand.Read(tokenKey); err != nil {
		return nil, err
	}
	defer func() {
		for i := range tokenKey {
			tokenKey[i] = 0
		}
	}()

	verifier, err := json.Marshal(struct {
		TokenKey     string `json:"token_key"`
		CodeVerifier string `json:"code_verifier"`
	}{base64.RawURLEncoding.EncodeToString(tokenKey), codeVerifier})
	if err != nil {
		return nil, err
	}
	keyVerifier, err := jose.EncryptECDHES(jose.Header{Cty: jose.ContentTypeJSON}, verifier, pukEnc.Key)
	if err != nil {
		return nil, newError(KindSigning, "key verifier", err)
	}

	tr, err := e.client().postToken(ctx, config.TokenEndpoint, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {e.ClientID},
		"code":         {code},
		"key_verifier": {keyVerifier},
		"redirect_uri": {redirectURI},
	})
	if err != nil {
		return nil, err
	}

	idToken, err := decryptNJWT(tr.IDToken, tokenKey)
	if err != nil {
		return nil, newError(KindDecryptAccessToken, "id_token", err)
	}
	signedID, err := jose.ParseSigned(idToken)
	if err != nil {
		return nil, newError(KindDecryptAccessToken, "id_token", err)
	}
	if err := signedID.Verify(pukSig.Key); err != nil {
		return nil, newError(KindDecryptAccessToken, "id_token", err)
	}
	var claims IDToken
	if err := signedID.Claims(&claims); err != nil {
		return nil, newError(KindDecryptAccessToken, "id_token", err)
	}
	if claims.Nonce != nonce {
		return nil, newError(KindDecryptAccessToken, "id_token", errors.New("invalid nonce"))
	}

	accessToken, err := decryptNJWT(tr.AccessToken, tokenKey)
	if err != nil {
		return nil, newError(KindDecryptAccessToken, "access_token", err)
	}
	return &AuthFlowResult{
		AccessToken: AccessToken{
			Token:     accessToken,
			ExpiresOn: e.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		},
		IDToken: claims,
	}, nil
}

func decryptNJWT(jwe string, key []byte) (string, error) {
	plain, _, err := jose.DecryptDirect(jwe, key)
	if err != nil {
		return "", err
	}
	var n njwt
	if err := json.Unmarshal(plain, &n); err != nil {
		return "", err
	}
	if n.NJWT == "" {
		return "", errors.New("empty njwt")
	}
	return n.NJWT, nil
}

// Authenticate runs the health card flow for profile and stores the SSO
// token. Nothing is stored if any step fails.
func (e *Engine) Authenticate(ctx context.Context, profile string, scope Scope, cardCert []byte, signer Signer) (AccessToken, error) {
	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	challenge, err := e.ChallengeFlow(ctx, init, scope, e.RedirectURI)
	if err != nil {
		return AccessToken{}, err
	}
	result, err := e.BasicAuthFlow(ctx, init, challenge, cardCert, signer)
	if err != nil {
		return AccessToken{}, err
	}
	if result.SSOToken == "" {
		return AccessToken{}, newError(KindSingleSignOnToken, "authenticate", errors.New("missing ssotoken"))
	}
	if err := e.Store.SaveSingleSignOnToken(profile, SingleSignOnToken{
		Token:                 result.SSOToken,
		Scope:                 scope,
		ValidOn:               e.now(),
		HealthCardCertificate: cardCert,
	}); err != nil {
		return AccessToken{}, err
	}
	e.tokens().Put(profile, result.AccessToken)
	slog.Info("Authenticated with health card", "profile", profile, "scope", scope)
	return result.AccessToken, nil
}

// RefreshAccessTokenWithSSO gets a new access token with the stored SSO
// token. If the IdP rejects the token it is invalidated and the returned
// error has UserActionRequired set.
func (e *Engine) RefreshAccessTokenWithSSO(ctx context.Context, profile string) (AccessToken, error) {
	data, err := e.Store.LoadAuthData(profile)
	if err != nil {
		return AccessToken{}, err
	}
	sso := data.SingleSignOnToken
	if sso == nil || sso.Token == "" {
		e.tokens().Invalidate(profile)
		return AccessToken{}, &Error{Kind: KindSingleSignOnToken, Op: "refresh", UserActionRequired: true, Err: errNoSingleSignOnToken}
	}

	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	challenge, err := e.ChallengeFlow(ctx, init, sso.Scope, e.RedirectURI)
	if err != nil {
		return AccessToken{}, err
	}
	loc, err := e.client().postRedirect(ctx, "sso", init.Config.SSOEndpoint, url.Values{
		"ssotoken":           {sso.Token},
		"unsigned_challenge": {challenge.Raw},
	})
	if err != nil {
		var ie *Error
		if errors.As(err, &ie) && rejectsSSOToken(ie.StatusCode) {
			slog.Warn("IdP rejected SSO token", "profile", profile, "status", ie.StatusCode)
			e.tokens().Invalidate(profile)
			if ierr := e.Store.InvalidateSingleSignOnToken(profile); ierr != nil {
				return AccessToken{}, ierr
			}
			return AccessToken{}, &Error{Kind: KindSingleSignOnToken, Op: "refresh", StatusCode: ie.StatusCode, UserActionRequired: true, Err: err}
		}
		return AccessToken{}, err
	}
	result, err := e.completeRedirect(ctx, init, loc, e.RedirectURI)
	if err != nil {
		return AccessToken{}, err
	}
	e.tokens().Put(profile, result.AccessToken)
	return result.AccessToken, nil
}

func rejectsSSOToken(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden
}

// LoadAccessToken returns the cached access token of profile, refreshing it
// with the SSO token if it is missing, expired or refresh is set.
func (e *Engine) LoadAccessToken(ctx context.Context, profile string, refresh bool) (AccessToken, error) {
	if !refresh {
		if t, ok := e.tokens().Get(profile, e.now()); ok {
			return t, nil
		}
	}
	return e.RefreshAccessTokenWithSSO(ctx, profile)
}

// Logout forgets everything stored for profile.
func (e *Engine) Logout(profile string) error {
	e.tokens().Invalidate(profile)
	if err := e.Store.ClearAuthData(profile); err != nil {
		return fmt.Errorf("clearing auth data: %w", err)
	}
	return nil
}

// CodeChallenge is the S256 PKCE challenge of verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
