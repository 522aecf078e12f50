package jose

import (
	"crypto/elliptic"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilikin/healthcard/curves"
)

func TestECDHES(t *testing.T) {
	for _, c := range []elliptic.Curve{curves.BrainpoolP256r1(), elliptic.P256()} {
		t.Run(c.Params().Name, func(t *testing.T) {
			key := generateKey(t, c)
			payload := []byte(`{"njwt":"signed.challenge.token"}`)

			jwe, err := EncryptECDHES(Header{Cty: ContentTypeNJWT, Exp: 1700000000}, payload, &key.PublicKey)
			require.NoError(t, err)
			parts := strings.Split(jwe, ".")
			require.Len(t, parts, 5)
			assert.Empty(t, parts[1])

			plain, hdr, err := DecryptECDHES(jwe, key)
			require.NoError(t, err)
			assert.Equal(t, payload, plain)
			assert.Equal(t, AlgECDHES, hdr.Alg)
			assert.Equal(t, EncA256GCM, hdr.Enc)
			assert.Equal(t, ContentTypeNJWT, hdr.Cty)
			assert.Equal(t, int64(1700000000), hdr.Exp)
			require.NotNil(t, hdr.Epk)

			other := generateKey(t, c)
			_, _, err = DecryptECDHES(jwe, other)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestECDHESCurveMismatch(t *testing.T) {
	bp := generateKey(t, curves.BrainpoolP256r1())
	jwe, err := EncryptECDHES(Header{}, []byte("x"), &bp.PublicKey)
	require.NoError(t, err)

	p256 := generateKey(t, elliptic.P256())
	_, _, err = DecryptECDHES(jwe, p256)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDirect(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	jwe, err := EncryptDirect(Header{Cty: ContentTypeNJWT}, []byte(`{"njwt":"at"}`), key)
	require.NoError(t, err)

	plain, hdr, err := DecryptDirect(jwe, key)
	require.NoError(t, err)
	assert.Equal(t, `{"njwt":"at"}`, string(plain))
	assert.Equal(t, AlgDir, hdr.Alg)
	assert.Nil(t, hdr.Epk)

	wrong := append([]byte(nil), key...)
	wrong[0] ^= 0xff
	_, _, err = DecryptDirect(jwe, wrong)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = EncryptDirect(Header{}, []byte("x"), key[:16])
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecryptTampered(t *testing.T) {
	key := make([]byte, 32)
	jwe, err := EncryptDirect(Header{}, []byte("payload"), key)
	require.NoError(t, err)
	parts := strings.Split(jwe, ".")

	tamper := func(i int) string {
		p := append([]string(nil), parts...)
		b, err := b64.DecodeString(p[i])
		require.NoError(t, err)
		b[0] ^= 0x01
		p[i] = b64.EncodeToString(b)
		return strings.Join(p, ".")
	}
	for name, in := range map[string]string{
		"header":     tamper(0),
		"iv":         tamper(2),
		"ciphertext": tamper(3),
		"tag":        tamper(4),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecryptDirect(in, key)
			assert.Error(t, err)
		})
	}
}

func TestDecryptMalformed(t *testing.T) {
	key := make([]byte, 32)
	jwe, err := EncryptDirect(Header{}, []byte("payload"), key)
	require.NoError(t, err)
	parts := strings.Split(jwe, ".")

	_, _, err = DecryptDirect(strings.Join(parts[:4], "."), key)
	assert.ErrorIs(t, err, ErrMalformed)

	withKey := append([]string(nil), parts...)
	withKey[1] = "AAAA"
	_, _, err = DecryptDirect(strings.Join(withKey, "."), key)
	assert.ErrorIs(t, err, ErrUnsupported)

	shortIV := append([]string(nil), parts...)
	shortIV[2] = "AAAA"
	_, _, err = DecryptDirect(strings.Join(shortIV, "."), key)
	assert.ErrorIs(t, err, ErrMalformed)

	// an ECDH-ES token is not accepted as dir
	ec := generateKey(t, elliptic.P256())
	ecJWE, err := EncryptECDHES(Header{}, []byte("x"), &ec.PublicKey)
	require.NoError(t, err)
	_, _, err = DecryptDirect(ecJWE, key)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestConcatKDF(t *testing.T) {
	z := make([]byte, 32)
	a := concatKDF(z, EncA256GCM, 256)
	assert.Len(t, a, 32)
	assert.Equal(t, a, concatKDF(z, EncA256GCM, 256))
	assert.NotEqual(t, a, concatKDF(z, "A128GCM", 256))
	assert.Len(t, concatKDF(z, EncA256GCM, 512), 64)
}
