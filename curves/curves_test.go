package curves

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	MustRegister()
	m.Run()
}

func TestLookup(t *testing.T) {
	tests := []struct {
		alg, crv, name string
		hash           crypto.Hash
		size           int
	}{
		{"BP256R1", "BP-256", "brainpoolP256r1", crypto.SHA256, 32},
		{"BP384R1", "BP-384", "brainpoolP384r1", crypto.SHA384, 48},
		{"BP512R1", "BP-512", "brainpoolP512r1", crypto.SHA512, 64},
		{"ES256", "P-256", "P-256", crypto.SHA256, 32},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			byAlg, err := ByAlgorithm(tt.alg)
			require.NoError(t, err)
			assert.Equal(t, tt.name, byAlg.Name)
			assert.Equal(t, tt.hash, byAlg.Hash)
			assert.Equal(t, tt.size, byAlg.Size())

			byCrv, err := ByJWKName(tt.crv)
			require.NoError(t, err)
			assert.Same(t, byAlg, byCrv)

			byOID, err := ByOID(byAlg.OID)
			require.NoError(t, err)
			assert.Same(t, byAlg, byOID)

			byCurve, err := ByCurve(byAlg.Curve)
			require.NoError(t, err)
			assert.Same(t, byAlg, byCurve)
		})
	}
}

func TestByCurveKeepsBrainpoolCurvesApart(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range builtin() {
		name := c.Curve.Params().Name
		assert.NotEmpty(t, name)
		assert.False(t, seen[name], "duplicate curve name %s", name)
		seen[name] = true

		got, err := ByCurve(c.Curve)
		require.NoError(t, err)
		assert.Equal(t, c.Algorithm, got.Algorithm)
	}

	p256, err := ByJWKName("BP-256")
	require.NoError(t, err)
	assert.Same(t, BrainpoolP256r1(), p256.Curve)

	assert.True(t, Same(BrainpoolP256r1(), p256.Curve))
	assert.False(t, Same(BrainpoolP256r1(), elliptic.P256()))
	assert.False(t, Same(elliptic.P384(), elliptic.P384()))
}

func TestLookupUnknown(t *testing.T) {
	_, err := ByAlgorithm("RS256")
	assert.ErrorIs(t, err, ErrUnknownCurve)
	_, err = ByJWKName("secp256k1")
	assert.ErrorIs(t, err, ErrUnknownCurve)
	_, err = ByCurve(elliptic.P384())
	assert.ErrorIs(t, err, ErrUnknownCurve)
	_, err = ByCurve(nil)
	assert.ErrorIs(t, err, ErrUnknownCurve)
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NoError(t, Register())
	assert.NotPanics(t, MustRegister)
}

func TestBuildRejectsBrokenEntries(t *testing.T) {
	entries := builtin()
	entries = append(entries, entries[0])
	_, err := build(entries)
	assert.ErrorContains(t, err, "registered twice")

	_, err = build([]Curve{{Name: "none", Algorithm: "X"}})
	assert.ErrorContains(t, err, "no curve parameters")

	_, err = build([]Curve{{Name: "nohash", Algorithm: "X", Curve: elliptic.P256(), Hash: crypto.Hash(999)}})
	assert.ErrorContains(t, err, "not linked")
}

func TestIllegalStateError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&IllegalStateError{Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "curves: illegal state: boom", err.Error())
}

func TestPublicKeyInfo(t *testing.T) {
	for _, c := range []elliptic.Curve{BrainpoolP256r1(), elliptic.P256()} {
		t.Run(c.Params().Name, func(t *testing.T) {
			key, err := ecdsa.GenerateKey(c, rand.Reader)
			require.NoError(t, err)

			spki, err := MarshalPublicKeyInfo(&key.PublicKey)
			require.NoError(t, err)
			pub, err := ParsePublicKeyInfo(spki)
			require.NoError(t, err)
			assert.True(t, pub.Equal(&key.PublicKey))
		})
	}
}

func TestPublicKeyInfoMatchesX509(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	want, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	got, err := MarshalPublicKeyInfo(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParsePublicKeyInfoErrors(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := MarshalPublicKeyInfo(&key.PublicKey)
	require.NoError(t, err)

	_, err = ParsePublicKeyInfo(spki[:len(spki)-4])
	assert.ErrorContains(t, err, "malformed")

	offCurve := append([]byte(nil), spki...)
	offCurve[len(offCurve)-1] ^= 0x01
	_, err = ParsePublicKeyInfo(offCurve)
	assert.ErrorContains(t, err, "not on the curve")

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&p384.PublicKey)
	require.NoError(t, err)
	_, err = ParsePublicKeyInfo(der)
	assert.ErrorIs(t, err, ErrUnknownCurve)
}

func TestParseCertificate(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Juna Fuchs"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := ParseCertificate(der)
	require.NoError(t, err)
	assert.Equal(t, "Juna Fuchs", cert.Subject.CommonName)
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = ParseCertificate(der[:20])
	assert.Error(t, err)
}
