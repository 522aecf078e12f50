package jose

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spilikin/healthcard/curves"
)

const (
	gcmIVSize  = 12
	gcmTagSize = 16
	cekSize    = 32
)

// EncryptECDHES encrypts payload to pub with ECDH-ES direct key agreement and
// A256GCM. Alg, Enc and Epk of h are set by this function.
func EncryptECDHES(h Header, payload []byte, pub *ecdsa.PublicKey) (string, error) {
	eph, err := ecdsa.GenerateKey(pub.Curve, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer eph.D.SetInt64(0)

	epk, err := NewJWK(&eph.PublicKey)
	if err != nil {
		return "", err
	}
	h.Alg = AlgECDHES
	h.Enc = EncA256GCM
	h.Epk = epk

	cek, err := agree(eph, pub)
	if err != nil {
		return "", err
	}
	defer zero(cek)
	return encrypt(h, cek, payload)
}

// EncryptDirect encrypts payload with the shared 256 bit key.
func EncryptDirect(h Header, payload, key []byte) (string, error) {
	if len(key) != cekSize {
		return "", fmt.Errorf("%w: key has %d bytes", ErrUnsupported, len(key))
	}
	h.Alg = AlgDir
	h.Enc = EncA256GCM
	h.Epk = nil
	return encrypt(h, key, payload)
}

// DecryptDirect decrypts a dir / A256GCM token.
func DecryptDirect(compact string, key []byte) ([]byte, *Header, error) {
	p, err := parseEncrypted(compact)
	if err != nil {
		return nil, nil, err
	}
	if p.header.Alg != AlgDir {
		return nil, nil, fmt.Errorf("%w: alg %q", ErrUnsupported, p.header.Alg)
	}
	plain, err := p.open(key)
	if err != nil {
		return nil, nil, err
	}
	return plain, &p.header, nil
}

// DecryptECDHES decrypts an ECDH-ES / A256GCM token addressed to priv.
func DecryptECDHES(compact string, priv *ecdsa.PrivateKey) ([]byte, *Header, error) {
	p, err := parseEncrypted(compact)
	if err != nil {
		return nil, nil, err
	}
	if p.header.Alg != AlgECDHES || p.header.Epk == nil {
		return nil, nil, fmt.Errorf("%w: alg %q", ErrUnsupported, p.header.Alg)
	}
	epk, err := p.header.Epk.PublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: epk: %w", ErrDecryption, err)
	}
	if !curves.Same(epk.Curve, priv.Curve) {
		return nil, nil, fmt.Errorf("%w: epk curve does not match", ErrDecryption)
	}
	cek, err := agree(priv, epk)
	if err != nil {
		return nil, nil, err
	}
	defer zero(cek)
	plain, err := p.open(cek)
	if err != nil {
		return nil, nil, err
	}
	return plain, &p.header, nil
}

// agree computes the ECDH shared secret and derives the A256GCM key with the
// Concat KDF of RFC 7518, section 4.6.2.
func agree(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if !priv.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("%w: peer key is not on the curve", ErrDecryption)
	}
	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	size := (priv.Curve.Params().BitSize + 7) / 8
	z := x.FillBytes(make([]byte, size))
	defer zero(z)
	return concatKDF(z, EncA256GCM, cekSize*8), nil
}

func concatKDF(z []byte, algorithmID string, keyBits int) []byte {
	lengthPrefixed := func(b []byte) []byte {
		out := binary.BigEndian.AppendUint32(nil, uint32(len(b)))
		return append(out, b...)
	}
	otherInfo := lengthPrefixed([]byte(algorithmID))
	otherInfo = append(otherInfo, lengthPrefixed(nil)...) // apu
	otherInfo = append(otherInfo, lengthPrefixed(nil)...) // apv
	otherInfo = binary.BigEndian.AppendUint32(otherInfo, uint32(keyBits))

	var out []byte
	for counter := uint32(1); len(out) < keyBits/8; counter++ {
		h := sha256.New()
		_ = binary.Write(h, binary.BigEndian, counter)
		h.Write(z)
		h.Write(otherInfo)
		out = h.Sum(out)
	}
	return out[:keyBits/8]
}

func encrypt(h Header, cek, payload []byte) (string, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	protected := b64.EncodeToString(hdr)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, payload, []byte(protected))
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		protected,
		"",
		b64.EncodeToString(iv),
		b64.EncodeToString(ct),
		b64.EncodeToString(tag),
	}, "."), nil
}

type encrypted struct {
	protected string
	header    Header
	iv        []byte
	ct        []byte
	tag       []byte
}

func parseEncrypted(compact string) (*encrypted, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %d parts", ErrMalformed, len(parts))
	}
	if parts[1] != "" {
		return nil, fmt.Errorf("%w: unexpected encrypted key", ErrUnsupported)
	}
	e := &encrypted{protected: parts[0]}
	hdr, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	if err := json.Unmarshal(hdr, &e.header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	if e.header.Enc != EncA256GCM {
		return nil, fmt.Errorf("%w: enc %q", ErrUnsupported, e.header.Enc)
	}
	for i, dst := range []*[]byte{&e.iv, &e.ct, &e.tag} {
		if *dst, err = b64.DecodeString(parts[i+2]); err != nil {
			return nil, fmt.Errorf("%w: part %d: %w", ErrMalformed, i+2, err)
		}
	}
	if len(e.iv) != gcmIVSize || len(e.tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: iv or tag size", ErrMalformed)
	}
	return e, nil
}

func (e *encrypted) open(cek []byte) ([]byte, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	plain, err := gcm.Open(nil, e.iv, append(append([]byte(nil), e.ct...), e.tag...), []byte(e.protected))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plain, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
