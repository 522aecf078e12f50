package idp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spilikin/healthcard/jose"
)

const maxResponseSize = 1 << 20

// NewHTTPClient returns a client that does not follow redirects. The IdP
// answers authorization requests with a 302 whose Location carries the
// code.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type client struct {
	http      *http.Client
	userAgent string
}

// errorBody is the JSON error answer of the IdP.
type errorBody struct {
	Error       string `json:"error"`
	GematikCode string `json:"gematik_code"`
	GematikText string `json:"gematik_error_text"`
}

func (c *client) do(ctx context.Context, op string, req *http.Request) (*http.Response, []byte, error) {
	req = req.WithContext(ctx)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	slog.Debug("IdP request", "op", op, "method", req.Method, "url", req.URL.Redacted())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, newError(KindCommunicationFailure, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, newError(KindCommunicationFailure, op, err)
	}
	slog.Debug("IdP response", "op", op, "status", resp.StatusCode)
	if resp.StatusCode >= 400 {
		return nil, nil, statusError(op, resp.StatusCode, body)
	}
	return resp, body, nil
}

func statusError(op string, status int, body []byte) *Error {
	e := &Error{Kind: KindCommunicationFailure, Op: op, StatusCode: status}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.GematikCode != "" {
		e.GematikCode = eb.GematikCode
		e.Kind = kindForGematikCode(eb.GematikCode)
		e.Err = errors.New(strings.TrimSpace(eb.Error + " " + eb.GematikText))
	}
	return e
}

func (c *client) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, op, err)
	}
	_, body, err := c.do(ctx, op, req)
	return body, err
}

func (c *client) getJSON(ctx context.Context, op, rawURL string, v any) error {
	body, err := c.get(ctx, op, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return newError(KindInvalidResponse, op, err)
	}
	return nil
}

func formRequest(rawURL string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *client) postForm(ctx context.Context, op, rawURL string, form url.Values, header http.Header) (*http.Response, []byte, error) {
	req, err := formRequest(rawURL, form)
	if err != nil {
		return nil, nil, newError(KindInvalidConfiguration, op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.do(ctx, op, req)
}

// redirect sends req and returns the parsed Location of the 302 answer.
func (c *client) redirect(ctx context.Context, op string, req *http.Request) (*url.URL, error) {
	resp, _, err := c.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusFound {
		return nil, &Error{Kind: KindInvalidResponse, Op: op, StatusCode: resp.StatusCode, Err: errors.New("expected redirect")}
	}
	loc, err := resp.Location()
	if err != nil {
		return nil, newError(KindInvalidResponse, op, err)
	}
	if code := loc.Query().Get("gematik_code"); code != "" {
		return nil, &Error{Kind: kindForGematikCode(code), Op: op, StatusCode: resp.StatusCode, GematikCode: code,
			Err: errors.New(loc.Query().Get("error"))}
	}
	return loc, nil
}

func (c *client) postRedirect(ctx context.Context, op, endpoint string, form url.Values) (*url.URL, error) {
	req, err := formRequest(endpoint, form)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, op, err)
	}
	return c.redirect(ctx, op, req)
}

func (c *client) getRedirect(ctx context.Context, op, endpoint string, q url.Values) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, op, err)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, op, err)
	}
	return c.redirect(ctx, op, req)
}

// fetchChallenge runs the authorization request and returns the raw
// challenge JWS.
func (c *client) fetchChallenge(ctx context.Context, endpoint string, q url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", newError(KindInvalidConfiguration, "challenge", err)
	}
	u.RawQuery = q.Encode()
	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := c.getJSON(ctx, "challenge", u.String(), &body); err != nil {
		return "", err
	}
	if body.Challenge == "" {
		return "", newError(KindInvalidResponse, "challenge", errors.New("empty challenge"))
	}
	return body.Challenge, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *client) postToken(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	_, body, err := c.postForm(ctx, "token", endpoint, form, nil)
	if err != nil {
		return nil, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, newError(KindInvalidResponse, "token", err)
	}
	return &tr, nil
}

func (c *client) fetchJWK(ctx context.Context, op, endpoint string) (jose.JWK, error) {
	var jwk jose.JWK
	err := c.getJSON(ctx, op, endpoint, &jwk)
	return jwk, err
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
