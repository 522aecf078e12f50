package idp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/spilikin/healthcard/jose"
)

// Signer signs a digest and returns the signature as r || s. The health card
// and the secure element both satisfy it.
type Signer interface {
	Sign(ctx context.Context, hash []byte) ([]byte, error)
}

type SignerFunc func(ctx context.Context, hash []byte) ([]byte, error)

func (f SignerFunc) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	return f(ctx, hash)
}

func signFunc(ctx context.Context, s Signer) jose.SignFunc {
	return func(digest []byte) ([]byte, error) {
		sig, err := s.Sign(ctx, digest)
		if err != nil {
			return nil, newError(KindSigning, "sign", err)
		}
		return sig, nil
	}
}

const secureElementAliasSize = 32

// SecureElement is a software key store holding one P-256 key under a
// random 32 byte alias.
type SecureElement struct {
	Alias []byte
	key   *ecdsa.PrivateKey
}

func NewSecureElement() (*SecureElement, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	alias := make([]byte, secureElementAliasSize)
	if _, err := rand.Read(alias); err != nil {
		return nil, err
	}
	return &SecureElement{Alias: alias, key: key}, nil
}

// LoadSecureElement restores a secure element from its alias and SEC 1
// private key.
func LoadSecureElement(alias, der []byte) (*SecureElement, error) {
	if len(alias) != secureElementAliasSize {
		return nil, fmt.Errorf("secure element alias must be %d bytes", secureElementAliasSize)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, err
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("secure element key must be on P-256")
	}
	return &SecureElement{Alias: append([]byte(nil), alias...), key: key}, nil
}

func (s *SecureElement) MarshalPrivateKey() ([]byte, error) {
	return x509.MarshalECPrivateKey(s.key)
}

func (s *SecureElement) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

func (s *SecureElement) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return jose.ECDSASigner(s.key)(hash)
}
