// Package jose implements the compact JWS and JWE serializations used by
// the gematik identity provider: ECDSA signatures on brainpool and NIST
// curves, ECDH-ES key agreement and direct AES-256-GCM encryption.
package jose

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/spilikin/healthcard/curves"
)

// Algorithm identifiers.
const (
	AlgBP256R1 = "BP256R1"
	AlgES256   = "ES256"
	AlgECDHES  = "ECDH-ES"
	AlgDir     = "dir"
	EncA256GCM = "A256GCM"

	ContentTypeNJWT = "NJWT"
	ContentTypeJSON = "JSON"
	TypeJWT         = "JWT"
)

var (
	ErrMalformed        = errors.New("jose: malformed compact serialization")
	ErrInvalidSignature = errors.New("jose: invalid signature")
	ErrUnsupported      = errors.New("jose: unsupported algorithm")
	ErrDecryption       = errors.New("jose: decryption failed")
)

var b64 = base64.RawURLEncoding

// Header is the protected header of a JWS or JWE.
type Header struct {
	Alg string   `json:"alg"`
	Enc string   `json:"enc,omitempty"`
	Typ string   `json:"typ,omitempty"`
	Cty string   `json:"cty,omitempty"`
	Kid string   `json:"kid,omitempty"`
	X5c []string `json:"x5c,omitempty"`
	Exp int64    `json:"exp,omitempty"`
	Epk *JWK     `json:"epk,omitempty"`
}

// JWK is an elliptic curve JSON web key.
type JWK struct {
	Kty string   `json:"kty"`
	Crv string   `json:"crv,omitempty"`
	X   string   `json:"x,omitempty"`
	Y   string   `json:"y,omitempty"`
	Use string   `json:"use,omitempty"`
	Kid string   `json:"kid,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

func NewJWK(pub *ecdsa.PublicKey) (*JWK, error) {
	c, err := curves.ByCurve(pub.Curve)
	if err != nil {
		return nil, err
	}
	size := c.Size()
	return &JWK{
		Kty: "EC",
		Crv: c.JWKName,
		X:   b64.EncodeToString(pub.X.FillBytes(make([]byte, size))),
		Y:   b64.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
	}, nil
}

// PublicKey decodes the key and checks that it lies on its curve.
func (k *JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" {
		return nil, fmt.Errorf("%w: key type %q", ErrUnsupported, k.Kty)
	}
	c, err := curves.ByJWKName(k.Crv)
	if err != nil {
		return nil, err
	}
	x, err := b64.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decoding x: %w", err)
	}
	y, err := b64.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding y: %w", err)
	}
	pub := &ecdsa.PublicKey{Curve: c.Curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	if !c.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("jose: key is not on the curve")
	}
	return pub, nil
}

// SignFunc returns the signature over digest as r || s.
type SignFunc func(digest []byte) ([]byte, error)

// ECDSASigner signs with a local private key.
func ECDSASigner(priv *ecdsa.PrivateKey) SignFunc {
	return func(digest []byte) ([]byte, error) {
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
		if err != nil {
			return nil, err
		}
		size := (priv.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sig, nil
	}
}

// SigningInput returns the bytes a JWS signature is computed over and the
// digest the signer receives.
func SigningInput(h Header, payload []byte) (string, []byte, error) {
	c, err := curves.ByAlgorithm(h.Alg)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %w", ErrUnsupported, h.Alg, err)
	}
	hdr, err := json.Marshal(h)
	if err != nil {
		return "", nil, err
	}
	input := b64.EncodeToString(hdr) + "." + b64.EncodeToString(payload)
	hash := c.Hash.New()
	hash.Write([]byte(input))
	return input, hash.Sum(nil), nil
}

// Sign produces a compact JWS. The signer receives the hash of the signing
// input, selected by the algorithm of h.
func Sign(h Header, payload []byte, sign SignFunc) (string, error) {
	c, err := curves.ByAlgorithm(h.Alg)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnsupported, h.Alg, err)
	}
	input, digest, err := SigningInput(h, payload)
	if err != nil {
		return "", err
	}
	sig, err := sign(digest)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	if len(sig) != 2*c.Size() {
		return "", fmt.Errorf("%w: signature has %d bytes", ErrInvalidSignature, len(sig))
	}
	return input + "." + b64.EncodeToString(sig), nil
}

// Signed is a parsed compact JWS.
type Signed struct {
	Header  Header
	Payload []byte
	Raw     string

	signingInput string
	signature    []byte
}

func ParseSigned(compact string) (*Signed, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %d parts", ErrMalformed, len(parts))
	}
	hdr, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	s := &Signed{Raw: compact, signingInput: parts[0] + "." + parts[1]}
	if err := json.Unmarshal(hdr, &s.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	if s.Payload, err = b64.DecodeString(parts[1]); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	if s.signature, err = b64.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformed, err)
	}
	return s, nil
}

// Verify checks the signature against pub. The curve of pub must match the
// algorithm in the header.
func (s *Signed) Verify(pub *ecdsa.PublicKey) error {
	c, err := curves.ByAlgorithm(s.Header.Alg)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsupported, s.Header.Alg, err)
	}
	if pub == nil || !curves.Same(pub.Curve, c.Curve) {
		return fmt.Errorf("%w: key does not match %s", ErrInvalidSignature, s.Header.Alg)
	}
	size := c.Size()
	if len(s.signature) != 2*size {
		return fmt.Errorf("%w: signature has %d bytes", ErrInvalidSignature, len(s.signature))
	}
	hash := c.Hash.New()
	hash.Write([]byte(s.signingInput))
	r := new(big.Int).SetBytes(s.signature[:size])
	ss := new(big.Int).SetBytes(s.signature[size:])
	if !ecdsa.Verify(pub, hash.Sum(nil), r, ss) {
		return ErrInvalidSignature
	}
	return nil
}

// Claims decodes the payload as JSON into v.
func (s *Signed) Claims(v any) error {
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	return nil
}
