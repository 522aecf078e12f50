// Package curves keeps the table of elliptic curves and ECDSA algorithms
// that the JOSE operations of the identity provider flow resolve against.
//
// The table holds the brainpool curves required by the gematik IdP
// (BP256R1, BP384R1, BP512R1) and NIST P-256 for secure element keys. It
// must be initialized once with Register before any signature operation.
package curves

import (
	"crypto"
	"crypto/elliptic"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spilikin/go-brainpool"
)

var (
	ErrNotRegistered = errors.New("curves: registry not initialized")
	ErrUnknownCurve  = errors.New("curves: unknown curve")
)

// IllegalStateError reports that the registry could not be initialized.
// No signature operation can run afterwards.
type IllegalStateError struct {
	Err error
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("curves: illegal state: %v", e.Err)
}

func (e *IllegalStateError) Unwrap() error {
	return e.Err
}

// Curve describes one registered curve.
type Curve struct {
	// Name is the curve name, e.g. brainpoolP256r1.
	Name string
	// Algorithm is the JWS "alg" value.
	Algorithm string
	// JWKName is the JWK "crv" value.
	JWKName string
	OID     asn1.ObjectIdentifier
	Hash    crypto.Hash
	Curve   elliptic.Curve
}

// Size is the byte length of one coordinate or scalar.
func (c *Curve) Size() int {
	return (c.Curve.Params().BitSize + 7) / 8
}

var (
	OIDBrainpoolP256r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}
	OIDBrainpoolP384r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 11}
	OIDBrainpoolP512r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 13}
	OIDNISTP256        = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
)

// BrainpoolP256r1 returns the curve used by the eGK for PACE and signatures.
func BrainpoolP256r1() elliptic.Curve {
	return brainpool.P256r1()
}

func builtin() []Curve {
	return []Curve{
		{Name: "brainpoolP256r1", Algorithm: "BP256R1", JWKName: "BP-256", OID: OIDBrainpoolP256r1, Hash: crypto.SHA256, Curve: brainpool.P256r1()},
		{Name: "brainpoolP384r1", Algorithm: "BP384R1", JWKName: "BP-384", OID: OIDBrainpoolP384r1, Hash: crypto.SHA384, Curve: brainpool.P384r1()},
		{Name: "brainpoolP512r1", Algorithm: "BP512R1", JWKName: "BP-512", OID: OIDBrainpoolP512r1, Hash: crypto.SHA512, Curve: brainpool.P512r1()},
		{Name: "P-256", Algorithm: "ES256", JWKName: "P-256", OID: OIDNISTP256, Hash: crypto.SHA256, Curve: elliptic.P256()},
	}
}

type table struct {
	byAlgorithm map[string]*Curve
	byJWKName   map[string]*Curve
	byOID       map[string]*Curve
	byCurve     map[elliptic.Curve]*Curve
}

var (
	once        sync.Once
	registerErr error
	registered  atomic.Pointer[table]
)

// Register initializes the registry. Only the first call does any work;
// later calls return its result.
func Register() error {
	once.Do(func() {
		t, err := build(builtin())
		if err != nil {
			registerErr = &IllegalStateError{Err: err}
			return
		}
		registered.Store(t)
	})
	return registerErr
}

// MustRegister is like Register but panics with an *IllegalStateError.
func MustRegister() {
	if err := Register(); err != nil {
		panic(err)
	}
}

func build(entries []Curve) (*table, error) {
	t := &table{
		byAlgorithm: map[string]*Curve{},
		byJWKName:   map[string]*Curve{},
		byOID:       map[string]*Curve{},
		byCurve:     map[elliptic.Curve]*Curve{},
	}
	for i := range entries {
		c := &entries[i]
		if c.Curve == nil || c.Curve.Params() == nil {
			return nil, fmt.Errorf("%s: no curve parameters", c.Name)
		}
		if !c.Hash.Available() {
			return nil, fmt.Errorf("%s: hash %v not linked into the binary", c.Name, c.Hash)
		}
		p := c.Curve.Params()
		if !c.Curve.IsOnCurve(p.Gx, p.Gy) {
			return nil, fmt.Errorf("%s: generator is not on the curve", c.Name)
		}
		if _, dup := t.byAlgorithm[c.Algorithm]; dup {
			return nil, fmt.Errorf("%s: algorithm %s registered twice", c.Name, c.Algorithm)
		}
		t.byAlgorithm[c.Algorithm] = c
		t.byJWKName[c.JWKName] = c
		t.byOID[c.OID.String()] = c
		t.byCurve[c.Curve] = c
	}
	return t, nil
}

func lookup(m func(*table) map[string]*Curve, key string) (*Curve, error) {
	t := registered.Load()
	if t == nil {
		return nil, ErrNotRegistered
	}
	c, ok := m(t)[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurve, key)
	}
	return c, nil
}

// ByAlgorithm resolves a JWS algorithm such as BP256R1 or ES256.
func ByAlgorithm(alg string) (*Curve, error) {
	return lookup(func(t *table) map[string]*Curve { return t.byAlgorithm }, alg)
}

// ByJWKName resolves a JWK curve name such as BP-256.
func ByJWKName(crv string) (*Curve, error) {
	return lookup(func(t *table) map[string]*Curve { return t.byJWKName }, crv)
}

func ByOID(oid asn1.ObjectIdentifier) (*Curve, error) {
	return lookup(func(t *table) map[string]*Curve { return t.byOID }, oid.String())
}

// ByCurve resolves the registry entry of an elliptic.Curve. Curves are
// matched by identity, so a key must carry the curve value returned by the
// registry or by the curve package itself.
func ByCurve(c elliptic.Curve) (*Curve, error) {
	t := registered.Load()
	if t == nil {
		return nil, ErrNotRegistered
	}
	if c == nil {
		return nil, ErrUnknownCurve
	}
	entry, ok := t.byCurve[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurve, c.Params().Name)
	}
	return entry, nil
}

// Same reports whether a and b are the same registered curve.
func Same(a, b elliptic.Curve) bool {
	ca, err := ByCurve(a)
	if err != nil {
		return false
	}
	cb, err := ByCurve(b)
	return err == nil && ca == cb
}
