package idp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/jose"
)

const (
	discoveryClockSkew   = 60 * time.Second
	discoveryMaxValidity = 24 * time.Hour
)

// Configuration is the verified content of the discovery document.
type Configuration struct {
	Issuer                          string `json:"issuer"`
	AuthorizationEndpoint           string `json:"authorization_endpoint"`
	SSOEndpoint                     string `json:"sso_endpoint"`
	TokenEndpoint                   string `json:"token_endpoint"`
	PairingEndpoint                 string `json:"uri_pair"`
	AuthenticationEndpoint          string `json:"auth_pair_endpoint"`
	FederationAuthorizationEndpoint string `json:"federation_authorization_endpoint,omitempty"`
	PukIdpEncURI                    string `json:"uri_puk_idp_enc"`
	PukIdpSigURI                    string `json:"uri_puk_idp_sig"`
	IssuedAt                        int64  `json:"iat"`
	Expires                         int64  `json:"exp"`

	Certificate *x509.Certificate `json:"-"`
	Raw         string            `json:"-"`
}

// ParseDiscoveryDocument verifies the discovery JWS against the certificate
// in its x5c header and decodes the claims.
func ParseDiscoveryDocument(raw string) (*Configuration, error) {
	signed, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, err
	}
	cert, pub, err := leafKey(signed.Header.X5c)
	if err != nil {
		return nil, err
	}
	if err := signed.Verify(pub); err != nil {
		return nil, fmt.Errorf("verifying discovery document: %w", err)
	}
	var config Configuration
	if err := signed.Claims(&config); err != nil {
		return nil, err
	}
	config.Certificate = cert
	config.Raw = raw
	return &config, nil
}

// CheckValidity requires iat and exp and accepts a document issued at most
// 24 hours ago and valid for at most 24 hours, with 60 seconds of clock skew.
func (c *Configuration) CheckValidity(now time.Time) error {
	if c.IssuedAt == 0 || c.Expires == 0 {
		return errors.New("discovery document without iat or exp")
	}
	iat := time.Unix(c.IssuedAt, 0)
	exp := time.Unix(c.Expires, 0)
	switch {
	case now.After(exp.Add(discoveryClockSkew)):
		return fmt.Errorf("discovery document expired at %s", exp.UTC())
	case iat.After(now.Add(discoveryClockSkew)):
		return fmt.Errorf("discovery document issued in the future at %s", iat.UTC())
	case iat.Before(now.Add(-discoveryMaxValidity - discoveryClockSkew)):
		return fmt.Errorf("discovery document issued too long ago at %s", iat.UTC())
	case exp.After(now.Add(discoveryMaxValidity + discoveryClockSkew)):
		return fmt.Errorf("discovery document valid too far into the future until %s", exp.UTC())
	}
	return nil
}

// PublicKey is a key of the IdP fetched as JWK.
type PublicKey struct {
	JWK         jose.JWK
	Key         *ecdsa.PublicKey
	Certificate *x509.Certificate
}

// parsePukSig decodes the signature key. Its x5c certificate must carry the
// same key.
func parsePukSig(jwk jose.JWK) (*PublicKey, error) {
	pub, err := jwk.PublicKey()
	if err != nil {
		return nil, err
	}
	cert, certKey, err := leafKey(jwk.X5c)
	if err != nil {
		return nil, err
	}
	if !certKey.Equal(pub) {
		return nil, errors.New("public key of puk_idp_sig doesn't match its certificate")
	}
	return &PublicKey{JWK: jwk, Key: pub, Certificate: cert}, nil
}

func parsePukEnc(jwk jose.JWK) (*PublicKey, error) {
	pub, err := jwk.PublicKey()
	if err != nil {
		return nil, err
	}
	return &PublicKey{JWK: jwk, Key: pub}, nil
}

func leafKey(x5c []string) (*x509.Certificate, *ecdsa.PublicKey, error) {
	if len(x5c) == 0 {
		return nil, nil, errors.New("missing x5c header")
	}
	der, err := base64.StdEncoding.DecodeString(x5c[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding x5c: %w", err)
	}
	return certificateKey(der)
}

func certificateKey(der []byte) (*x509.Certificate, *ecdsa.PublicKey, error) {
	cert, err := curves.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported certificate key %T", cert.PublicKey)
	}
	return cert, pub, nil
}
