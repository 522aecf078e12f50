package idp

import (
	"context"
	"errors"
	"net/url"
)

// ExternalAuthentication is a pending authentication with the app of a
// health insurance. The caller keeps it until the app calls back with the
// universal link.
type ExternalAuthentication struct {
	Profile         string
	AuthenticatorID string
	Scope           Scope
	// RedirectURL is opened to start the insurance app.
	RedirectURL *url.URL

	State        string
	Nonce        string
	CodeVerifier string
}

func (e *Engine) externalRedirectURI() string {
	if e.ExternalRedirectURI != "" {
		return e.ExternalRedirectURI
	}
	return e.RedirectURI
}

// StartExternalAuthentication requests the authorization redirect of the
// federation for authenticatorID.
func (e *Engine) StartExternalAuthentication(ctx context.Context, profile, authenticatorID string, scope Scope) (*ExternalAuthentication, error) {
	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, err
	}
	if init.Config.FederationAuthorizationEndpoint == "" {
		return nil, newError(KindInvalidConfiguration, "external authentication", errors.New("no federation authorization endpoint"))
	}
	loc, err := e.client().getRedirect(ctx, "external authentication", init.Config.FederationAuthorizationEndpoint, url.Values{
		"client_id":             {e.ClientID},
		"kk_app_id":             {authenticatorID},
		"state":                 {init.State},
		"redirect_uri":          {e.externalRedirectURI()},
		"code_challenge":        {init.CodeChallenge},
		"code_challenge_method": {"S256"},
		"response_type":         {"code"},
		"nonce":                 {init.Nonce},
		"scope":                 {scope.Param()},
	})
	if err != nil {
		return nil, err
	}
	return &ExternalAuthentication{
		Profile:         profile,
		AuthenticatorID: authenticatorID,
		Scope:           scope,
		RedirectURL:     loc,
		State:           init.State,
		Nonce:           init.Nonce,
		CodeVerifier:    init.CodeVerifier,
	}, nil
}

// universalLink holds the parameters of the link the insurance app returns
// with.
type universalLink struct {
	code       string
	state      string
	kkRedirect string
}

func parseUniversalLink(link string) (*universalLink, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	ul := &universalLink{code: q.Get("code"), state: q.Get("state"), kkRedirect: q.Get("kk_app_redirect_uri")}
	if ul.code == "" || ul.state == "" {
		return nil, errors.New("universal link without code or state")
	}
	return ul, nil
}

// CompleteExternalAuthentication finishes pending with the universal link of
// the insurance app and stores the SSO token. Every failure is reported as
// an ErrUniversalLink.
func (e *Engine) CompleteExternalAuthentication(ctx context.Context, pending *ExternalAuthentication, link string) (AccessToken, error) {
	token, err := e.completeExternalAuthentication(ctx, pending, link)
	if err != nil {
		return AccessToken{}, newError(KindUniversalLink, "complete external authentication", err)
	}
	return token, nil
}

func (e *Engine) completeExternalAuthentication(ctx context.Context, pending *ExternalAuthentication, link string) (AccessToken, error) {
	ul, err := parseUniversalLink(link)
	if err != nil {
		return AccessToken{}, err
	}
	if ul.state != pending.State {
		return AccessToken{}, errors.New("invalid state")
	}

	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	form := url.Values{"code": {ul.code}, "state": {ul.state}}
	if ul.kkRedirect != "" {
		form.Set("kk_app_redirect_uri", ul.kkRedirect)
	}
	loc, err := e.client().postRedirect(ctx, "authorize external", init.Config.FederationAuthorizationEndpoint, form)
	if err != nil {
		return AccessToken{}, err
	}
	q := loc.Query()
	if q.Get("state") != pending.State {
		return AccessToken{}, errors.New("invalid state in redirect")
	}
	code := q.Get("code")
	if code == "" {
		return AccessToken{}, errors.New("redirect without code")
	}
	result, err := e.exchangeCode(ctx, init.Config, init.PukSig, init.PukEnc, pending.Nonce, pending.CodeVerifier, code, e.externalRedirectURI())
	if err != nil {
		return AccessToken{}, err
	}

	sso := q.Get("ssotoken")
	if sso == "" {
		return AccessToken{}, ErrSingleSignOnToken
	}
	if err := e.Store.SaveSingleSignOnToken(pending.Profile, SingleSignOnToken{
		Token:           sso,
		Scope:           ScopeExternalAuthentication,
		ValidOn:         e.now(),
		AuthenticatorID: pending.AuthenticatorID,
	}); err != nil {
		return AccessToken{}, err
	}
	e.tokens().Put(pending.Profile, result.AccessToken)
	return result.AccessToken, nil
}
