package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilikin/healthcard/curves"
)

func TestMain(m *testing.M) {
	curves.MustRegister()
	m.Run()
}

func generateKey(t *testing.T, c elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(c, rand.Reader)
	require.NoError(t, err)
	return key
}

func TestSignVerify(t *testing.T) {
	tests := []struct {
		alg   string
		curve elliptic.Curve
	}{
		{AlgBP256R1, curves.BrainpoolP256r1()},
		{AlgES256, elliptic.P256()},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			key := generateKey(t, tt.curve)
			payload := []byte(`{"njwt":"challenge"}`)

			jws, err := Sign(Header{Alg: tt.alg, Cty: ContentTypeNJWT}, payload, ECDSASigner(key))
			require.NoError(t, err)
			assert.Len(t, strings.Split(jws, "."), 3)

			signed, err := ParseSigned(jws)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, signed.Header.Alg)
			assert.Equal(t, ContentTypeNJWT, signed.Header.Cty)
			assert.Equal(t, payload, signed.Payload)
			assert.Equal(t, jws, signed.Raw)
			require.NoError(t, signed.Verify(&key.PublicKey))

			var claims map[string]string
			require.NoError(t, signed.Claims(&claims))
			assert.Equal(t, "challenge", claims["njwt"])

			other := generateKey(t, tt.curve)
			assert.ErrorIs(t, signed.Verify(&other.PublicKey), ErrInvalidSignature)
		})
	}
}

func TestVerifyRejectsWrongCurve(t *testing.T) {
	key := generateKey(t, elliptic.P256())
	jws, err := Sign(Header{Alg: AlgES256}, []byte("{}"), ECDSASigner(key))
	require.NoError(t, err)

	// same header, key on brainpool
	signed, err := ParseSigned(jws)
	require.NoError(t, err)
	bp := generateKey(t, curves.BrainpoolP256r1())
	assert.ErrorIs(t, signed.Verify(&bp.PublicKey), ErrInvalidSignature)
	assert.ErrorIs(t, signed.Verify(nil), ErrInvalidSignature)
}

func TestVerifyTampered(t *testing.T) {
	key := generateKey(t, curves.BrainpoolP256r1())
	jws, err := Sign(Header{Alg: AlgBP256R1}, []byte(`{"a":1}`), ECDSASigner(key))
	require.NoError(t, err)
	parts := strings.Split(jws, ".")

	otherPayload := b64.EncodeToString([]byte(`{"a":2}`))
	signed, err := ParseSigned(parts[0] + "." + otherPayload + "." + parts[2])
	require.NoError(t, err)
	assert.ErrorIs(t, signed.Verify(&key.PublicKey), ErrInvalidSignature)

	signed, err = ParseSigned(parts[0] + "." + parts[1] + "." + parts[2][:40])
	require.NoError(t, err)
	assert.ErrorIs(t, signed.Verify(&key.PublicKey), ErrInvalidSignature)
}

func TestParseSignedMalformed(t *testing.T) {
	for _, in := range []string{"", "a.b", "a.b.c.d", "!!.e30.AA", "e30.!!.AA", "bm90IGpzb24.e30.AA"} {
		_, err := ParseSigned(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestSignUnsupported(t *testing.T) {
	key := generateKey(t, elliptic.P256())
	_, err := Sign(Header{Alg: "RS256"}, []byte("{}"), ECDSASigner(key))
	assert.ErrorIs(t, err, ErrUnsupported)

	short := func([]byte) ([]byte, error) { return make([]byte, 10), nil }
	_, err = Sign(Header{Alg: AlgES256}, []byte("{}"), short)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSigningInput(t *testing.T) {
	input, digest, err := SigningInput(Header{Alg: AlgES256, Typ: TypeJWT}, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOiJFUzI1NiIsInR5cCI6IkpXVCJ9.e30", input)
	sum := sha256.Sum256([]byte(input))
	assert.Equal(t, sum[:], digest)
}

func TestJWK(t *testing.T) {
	for _, c := range []elliptic.Curve{curves.BrainpoolP256r1(), elliptic.P256()} {
		t.Run(c.Params().Name, func(t *testing.T) {
			key := generateKey(t, c)
			jwk, err := NewJWK(&key.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, "EC", jwk.Kty)

			data, err := json.Marshal(jwk)
			require.NoError(t, err)
			var decoded JWK
			require.NoError(t, json.Unmarshal(data, &decoded))
			pub, err := decoded.PublicKey()
			require.NoError(t, err)
			assert.True(t, pub.Equal(&key.PublicKey))
		})
	}

	key := generateKey(t, curves.BrainpoolP256r1())
	jwk, err := NewJWK(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "BP-256", jwk.Crv)
	jwk.Y = jwk.X
	_, err = jwk.PublicKey()
	assert.ErrorContains(t, err, "not on the curve")

	_, err = (&JWK{Kty: "RSA"}).PublicKey()
	assert.ErrorIs(t, err, ErrUnsupported)
}
