// Package idptest provides an in-process identity provider for tests. It
// speaks the discovery, challenge, SSO, token, pairing and federation
// endpoints with real JWS/JWE on P-256 keys.
package idptest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/jose"
)

const (
	DiscoveryPath  = "/.well-known/openid-configuration"
	tokenExpiresIn = 300
)

// Server is a fake IdP. Its exported fields may be changed between requests
// to inject failures.
type Server struct {
	*httptest.Server

	SigKey  *ecdsa.PrivateKey
	SigCert []byte
	EncKey  *ecdsa.PrivateKey

	// Now defaults to time.Now.
	Now func() time.Time
	// DiscoveryIssuedAt and DiscoveryExpires override the validity of the
	// discovery document.
	DiscoveryIssuedAt time.Time
	DiscoveryExpires  time.Time
	// GematikCode rejects signed challenges with this gematik_code.
	GematikCode string
	// SSOStatus rejects SSO requests with this HTTP status.
	SSOStatus int
	// WrongNonce makes the id_token carry a different nonce.
	WrongNonce bool

	mu        sync.Mutex
	hits      map[string]int
	sessions  map[string]*session // by challenge token
	external  map[string]*session // by state
	codes     map[string]*session
	ssoTokens map[string]*session
	pairings  map[string]pairing // by key identifier
}

type session struct {
	clientID      string
	state         string
	nonce         string
	codeChallenge string
	redirectURI   string
	scope         string
}

type pairing struct {
	entry     map[string]any
	publicKey *ecdsa.PublicKey
}

// NewServer starts a fake IdP that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	if err := curves.Register(); err != nil {
		t.Fatal(err)
	}
	sigKey, sigCert := newCertificate(t, "IDP Sig 1")
	encKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{
		SigKey:    sigKey,
		SigCert:   sigCert,
		EncKey:    encKey,
		hits:      map[string]int{},
		sessions:  map[string]*session{},
		external:  map[string]*session{},
		codes:     map[string]*session{},
		ssoTokens: map[string]*session{},
		pairings:  map[string]pairing{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+DiscoveryPath, s.discovery)
	mux.HandleFunc("GET /puk_sig", s.pukSig)
	mux.HandleFunc("GET /puk_enc", s.pukEnc)
	mux.HandleFunc("GET /auth", s.challenge)
	mux.HandleFunc("POST /auth", s.signedChallenge)
	mux.HandleFunc("POST /auth/sso", s.sso)
	mux.HandleFunc("POST /auth/alternative", s.alternative)
	mux.HandleFunc("POST /token", s.token)
	mux.HandleFunc("POST /pairings", s.pair)
	mux.HandleFunc("GET /pairings", s.listPairings)
	mux.HandleFunc("DELETE /pairings/{alias}", s.deletePairing)
	mux.HandleFunc("GET /federation", s.federationStart)
	mux.HandleFunc("POST /federation", s.federationAuthorize)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) DiscoveryURL() string {
	return s.URL + DiscoveryPath
}

// Hits counts requests by "METHOD /path".
func (s *Server) Hits(methodPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[methodPath]
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// UniversalLink is the link the insurance app returns with after the user
// confirmed the authorization started at redirect.
func (s *Server) UniversalLink(redirect *url.URL, appRedirect string) string {
	q := url.Values{
		"code":                {"kk-" + randomString()},
		"state":               {redirect.Query().Get("state")},
		"kk_app_redirect_uri": {redirect.Query().Get("redirect_uri")},
	}
	return appRedirect + "?" + q.Encode()
}

// Card is a software health card with a P-256 authentication certificate.
type Card struct {
	Certificate []byte
	key         *ecdsa.PrivateKey
}

func NewCard(t testing.TB) *Card {
	t.Helper()
	key, der := newCertificate(t, "Juna Fuchs")
	return &Card{Certificate: der, key: key}
}

func (c *Card) Sign(_ context.Context, hash []byte) ([]byte, error) {
	return jose.ECDSASigner(c.key)(hash)
}

func newCertificate(t testing.TB, cn string) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		Issuer:       pkix.Name{CommonName: "Test CA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return key, der
}

func (s *Server) sign(claims any, typ string) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	jws, err := jose.Sign(jose.Header{
		Alg: jose.AlgES256,
		Typ: typ,
		Kid: "puk_idp_sig",
		X5c: []string{base64.StdEncoding.EncodeToString(s.SigCert)},
	}, payload, jose.ECDSASigner(s.SigKey))
	if err != nil {
		panic(err)
	}
	return jws
}

func (s *Server) discovery(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	iat, exp := s.DiscoveryIssuedAt, s.DiscoveryExpires
	if iat.IsZero() {
		iat = now
	}
	if exp.IsZero() {
		exp = now.Add(23 * time.Hour)
	}
	w.Header().Set("Content-Type", "application/jwt")
	fmt.Fprint(w, s.sign(map[string]any{
		"issuer":                            s.URL,
		"authorization_endpoint":            s.URL + "/auth",
		"sso_endpoint":                      s.URL + "/auth/sso",
		"auth_pair_endpoint":                s.URL + "/auth/alternative",
		"token_endpoint":                    s.URL + "/token",
		"uri_pair":                          s.URL + "/pairings",
		"federation_authorization_endpoint": s.URL + "/federation",
		"uri_puk_idp_enc":                   s.URL + "/puk_enc",
		"uri_puk_idp_sig":                   s.URL + "/puk_sig",
		"iat":                               iat.Unix(),
		"exp":                               exp.Unix(),
	}, "JWT"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, text string) {
	writeJSON(w, status, map[string]string{"error": "invalid_request", "gematik_code": code, "gematik_error_text": text})
}

func redirect(w http.ResponseWriter, target string, q url.Values) {
	w.Header().Set("Location", target+"?"+q.Encode())
	w.WriteHeader(http.StatusFound)
}

func (s *Server) pukSig(w http.ResponseWriter, _ *http.Request) {
	jwk, err := jose.NewJWK(&s.SigKey.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jwk.Use = "sig"
	jwk.Kid = "puk_idp_sig"
	jwk.X5c = []string{base64.StdEncoding.EncodeToString(s.SigCert)}
	writeJSON(w, http.StatusOK, jwk)
}

func (s *Server) pukEnc(w http.ResponseWriter, _ *http.Request) {
	jwk, err := jose.NewJWK(&s.EncKey.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jwk.Use = "enc"
	jwk.Kid = "puk_idp_enc"
	writeJSON(w, http.StatusOK, jwk)
}

func sessionFrom(q url.Values) *session {
	return &session{
		clientID:      q.Get("client_id"),
		state:         q.Get("state"),
		nonce:         q.Get("nonce"),
		codeChallenge: q.Get("code_challenge"),
		redirectURI:   q.Get("redirect_uri"),
		scope:         q.Get("scope"),
	}
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, "2004", "invalid authorization request")
		return
	}
	sess := sessionFrom(q)
	challenge := s.sign(map[string]any{
		"iss":            s.URL,
		"token_type":     "challenge",
		"jti":            randomString(),
		"client_id":      sess.clientID,
		"state":          sess.state,
		"nonce":          sess.nonce,
		"code_challenge": sess.codeChallenge,
		"redirect_uri":   sess.redirectURI,
		"scope":          sess.scope,
		"exp":            s.now().Add(3 * time.Minute).Unix(),
	}, "JWT")
	s.mu.Lock()
	s.sessions[challenge] = sess
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
}

// openNJWT decrypts an ECDH-ES token addressed to the IdP and returns the
// nested token.
func (s *Server) openNJWT(jwe string) (string, *jose.Header, error) {
	plain, hdr, err := jose.DecryptECDHES(jwe, s.EncKey)
	if err != nil {
		return "", nil, err
	}
	var n struct {
		NJWT string `json:"njwt"`
	}
	if err := json.Unmarshal(plain, &n); err != nil {
		return "", nil, err
	}
	return n.NJWT, hdr, nil
}

func certificateKey(b64 string, enc *base64.Encoding) (*ecdsa.PublicKey, error) {
	der, err := enc.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	cert, err := curves.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("no EC key")
	}
	return pub, nil
}

// issue completes an authorization of sess with a fresh code and, if
// withSSO is set, a new SSO token.
func (s *Server) issue(w http.ResponseWriter, sess *session, withSSO bool) {
	code := randomString()
	q := url.Values{"code": {code}, "state": {sess.state}}
	s.mu.Lock()
	s.codes[code] = sess
	if withSSO {
		sso := "sso-" + randomString()
		s.ssoTokens[sso] = sess
		q.Set("ssotoken", sso)
	}
	s.mu.Unlock()
	redirect(w, sess.redirectURI, q)
}

func (s *Server) takeSession(challenge string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[challenge]
	if ok {
		delete(s.sessions, challenge)
	}
	return sess
}

func (s *Server) signedChallenge(w http.ResponseWriter, r *http.Request) {
	inner, hdr, err := s.openNJWT(r.PostFormValue("signed_challenge"))
	if err != nil || hdr.Cty != jose.ContentTypeNJWT || hdr.Exp == 0 {
		writeError(w, http.StatusBadRequest, "2030", "signed challenge could not be decrypted")
		return
	}
	signed, err := jose.ParseSigned(inner)
	if err != nil || len(signed.Header.X5c) == 0 {
		writeError(w, http.StatusBadRequest, "2030", "signed challenge malformed")
		return
	}
	pub, err := certificateKey(signed.Header.X5c[0], base64.StdEncoding)
	if err != nil || signed.Verify(pub) != nil {
		writeError(w, http.StatusBadRequest, "2013", "signature of signed challenge invalid")
		return
	}
	if s.GematikCode != "" {
		writeError(w, http.StatusBadRequest, s.GematikCode, "health card certificate rejected")
		return
	}
	var claims struct {
		NJWT string `json:"njwt"`
	}
	if err := signed.Claims(&claims); err != nil {
		writeError(w, http.StatusBadRequest, "2030", "signed challenge malformed")
		return
	}
	sess := s.takeSession(claims.NJWT)
	if sess == nil {
		writeError(w, http.StatusBadRequest, "2032", "unknown challenge")
		return
	}
	s.issue(w, sess, true)
}

func (s *Server) sso(w http.ResponseWriter, r *http.Request) {
	if s.SSOStatus != 0 {
		writeError(w, s.SSOStatus, "2040", "sso token rejected")
		return
	}
	s.mu.Lock()
	_, known := s.ssoTokens[r.PostFormValue("ssotoken")]
	s.mu.Unlock()
	if !known {
		writeError(w, http.StatusBadRequest, "2040", "unknown sso token")
		return
	}
	sess := s.takeSession(r.PostFormValue("unsigned_challenge"))
	if sess == nil {
		writeError(w, http.StatusBadRequest, "2032", "unknown challenge")
		return
	}
	s.issue(w, sess, false)
}

func (s *Server) alternative(w http.ResponseWriter, r *http.Request) {
	inner, hdr, err := s.openNJWT(r.PostFormValue("encrypted_signed_authentication_data"))
	if err != nil || hdr.Exp == 0 {
		writeError(w, http.StatusBadRequest, "2030", "authentication data could not be decrypted")
		return
	}
	signed, err := jose.ParseSigned(inner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "2030", "authentication data malformed")
		return
	}
	var data struct {
		Challenge     string `json:"challenge_token"`
		KeyIdentifier string `json:"key_identifier"`
	}
	if err := signed.Claims(&data); err != nil {
		writeError(w, http.StatusBadRequest, "2030", "authentication data malformed")
		return
	}
	s.mu.Lock()
	p, ok := s.pairings[data.KeyIdentifier]
	s.mu.Unlock()
	if !ok || signed.Verify(p.publicKey) != nil {
		writeError(w, http.StatusBadRequest, "2000", "device not paired")
		return
	}
	sess := s.takeSession(data.Challenge)
	if sess == nil {
		writeError(w, http.StatusBadRequest, "2032", "unknown challenge")
		return
	}
	s.issue(w, sess, true)
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if r.PostFormValue("grant_type") != "authorization_code" {
		writeError(w, http.StatusBadRequest, "3001", "unsupported grant type")
		return
	}
	s.mu.Lock()
	sess, ok := s.codes[r.PostFormValue("code")]
	delete(s.codes, r.PostFormValue("code"))
	s.mu.Unlock()
	if !ok || sess.redirectURI != r.PostFormValue("redirect_uri") || sess.clientID != r.PostFormValue("client_id") {
		writeError(w, http.StatusBadRequest, "3011", "invalid code")
		return
	}
	plain, _, err := jose.DecryptECDHES(r.PostFormValue("key_verifier"), s.EncKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "3012", "key verifier could not be decrypted")
		return
	}
	var verifier struct {
		TokenKey     string `json:"token_key"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := json.Unmarshal(plain, &verifier); err != nil {
		writeError(w, http.StatusBadRequest, "3012", "key verifier malformed")
		return
	}
	sum := sha256.Sum256([]byte(verifier.CodeVerifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != sess.codeChallenge {
		writeError(w, http.StatusBadRequest, "3000", "code verifier does not match")
		return
	}
	key, err := base64.RawURLEncoding.DecodeString(verifier.TokenKey)
	if err != nil || len(key) != 32 {
		writeError(w, http.StatusBadRequest, "3012", "invalid token key")
		return
	}

	now := s.now()
	exp := now.Add(tokenExpiresIn * time.Second).Unix()
	nonce := sess.nonce
	if s.WrongNonce {
		nonce = "not-" + nonce
	}
	accessToken := s.sign(map[string]any{
		"iss":       s.URL,
		"sub":       "X110411675",
		"client_id": sess.clientID,
		"scope":     sess.scope,
		"acr":       "gematik-ehealth-loa-high",
		"iat":       now.Unix(),
		"exp":       exp,
	}, "at+JWT")
	idToken := s.sign(map[string]any{
		"iss":              s.URL,
		"nonce":            nonce,
		"idNummer":         "X110411675",
		"given_name":       "Juna",
		"family_name":      "Fuchs",
		"organizationName": "Test GKV-SV",
		"organizationIK":   "109500969",
		"iat":              now.Unix(),
		"exp":              exp,
	}, "JWT")

	wrap := func(token string) (string, error) {
		payload, err := json.Marshal(map[string]string{"njwt": token})
		if err != nil {
			return "", err
		}
		return jose.EncryptDirect(jose.Header{Cty: jose.ContentTypeNJWT, Exp: exp}, payload, key)
	}
	encAccess, err := wrap(accessToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encID, err := wrap(idToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": encAccess,
		"id_token":     encID,
		"expires_in":   tokenExpiresIn,
		"token_type":   "Bearer",
	})
}

// authorize checks the encrypted access token of the pairing endpoints.
func (s *Server) authorize(r *http.Request) bool {
	jwe, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	token, _, err := s.openNJWT(jwe)
	if err != nil {
		return false
	}
	signed, err := jose.ParseSigned(token)
	return err == nil && signed.Verify(&s.SigKey.PublicKey) == nil
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "4001", "access token invalid")
		return
	}
	plain, _, err := jose.DecryptECDHES(r.PostFormValue("encrypted_registration_data"), s.EncKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "4002", "registration data could not be decrypted")
		return
	}
	var reg struct {
		SignedPairingData string `json:"signed_pairing_data"`
		AuthCertificate   string `json:"auth_cert"`
		DeviceInformation struct {
			Name string `json:"name"`
		} `json:"device_information"`
	}
	if err := json.Unmarshal(plain, &reg); err != nil {
		writeError(w, http.StatusBadRequest, "4002", "registration data malformed")
		return
	}
	cardKey, err := certificateKey(reg.AuthCertificate, base64.RawURLEncoding)
	if err != nil {
		writeError(w, http.StatusBadRequest, "4003", "auth certificate invalid")
		return
	}
	signed, err := jose.ParseSigned(reg.SignedPairingData)
	if err != nil || signed.Verify(cardKey) != nil {
		writeError(w, http.StatusBadRequest, "4004", "pairing data signature invalid")
		return
	}
	var data struct {
		KeyIdentifier string `json:"key_identifier"`
		SEKey         string `json:"se_subject_public_key_info"`
	}
	if err := signed.Claims(&data); err != nil {
		writeError(w, http.StatusBadRequest, "4004", "pairing data malformed")
		return
	}
	spki, err := base64.RawURLEncoding.DecodeString(data.SEKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "4004", "pairing data malformed")
		return
	}
	seKey, err := curves.ParsePublicKeyInfo(spki)
	if err != nil {
		writeError(w, http.StatusBadRequest, "4004", "secure element key invalid")
		return
	}
	entry := map[string]any{
		"name":                  reg.DeviceInformation.Name,
		"creation_time":         s.now().Unix(),
		"signed_pairing_data":   reg.SignedPairingData,
		"pairing_entry_version": "1.0",
	}
	s.mu.Lock()
	s.pairings[data.KeyIdentifier] = pairing{entry: entry, publicKey: seKey}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) listPairings(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "4001", "access token invalid")
		return
	}
	s.mu.Lock()
	entries := make([]map[string]any, 0, len(s.pairings))
	for _, p := range s.pairings {
		entries = append(entries, p.entry)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"pairing_entries": entries})
}

func (s *Server) deletePairing(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "4001", "access token invalid")
		return
	}
	alias := r.PathValue("alias")
	s.mu.Lock()
	_, ok := s.pairings[alias]
	delete(s.pairings, alias)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "4005", "unknown pairing")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) federationStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("kk_app_id") == "" {
		writeError(w, http.StatusBadRequest, "2004", "missing kk_app_id")
		return
	}
	sess := sessionFrom(q)
	s.mu.Lock()
	s.external[sess.state] = sess
	s.mu.Unlock()
	redirect(w, "https://kk.example/"+q.Get("kk_app_id")+"/authorize", url.Values{
		"state":        {sess.state},
		"redirect_uri": {s.URL + "/federation"},
	})
}

func (s *Server) federationAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.PostFormValue("state")
	s.mu.Lock()
	sess, ok := s.external[state]
	delete(s.external, state)
	s.mu.Unlock()
	if !ok || !strings.HasPrefix(r.PostFormValue("code"), "kk-") {
		writeError(w, http.StatusBadRequest, "2050", "unknown authorization")
		return
	}
	s.issue(w, sess, true)
}

func randomString() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
