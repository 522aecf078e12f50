package cardsim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/aead/cmac"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// oidPACE is id-PACE-ECDH-GM-AES-CBC-CMAC-128.
var oidPACE = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x04, 0x02, 0x02}

// paceState is the PICC side of one PACE run.
type paceState struct {
	step     int
	nonce    []byte
	gx, gy   *big.Int
	ephemera []byte // own ephemeral public key
	pcdKey   []byte
	enc, mac []byte
}

func (c *Card) generalAuthenticate(cmd apdu) ([]byte, uint16) {
	p := c.pace
	if p == nil {
		return nil, swConditionsOfUse
	}
	in := cryptobyte.String(cmd.data)
	var dyn cryptobyte.String
	if !in.ReadASN1(&dyn, cryptobyte_asn1.Tag(0x7C)) || !in.Empty() {
		c.pace = nil
		return nil, swWrongData
	}
	chained := cmd.cla&0x10 != 0
	if chained != (p.step < 3) {
		c.pace = nil
		return nil, swConditionsOfUse
	}

	data, err := c.paceStep(p, dyn)
	if err != nil {
		c.pace = nil
		if errors.Is(err, errToken) {
			return nil, swAuthenticationFailed
		}
		return nil, swWrongData
	}
	p.step++
	return data, swSuccess
}

var errToken = errors.New("cardsim: authentication token mismatch")

func (c *Card) paceStep(p *paceState, dyn cryptobyte.String) ([]byte, error) {
	curve := brainpoolP256r1()
	params := curve.Params()
	switch p.step {
	case 0:
		if !dyn.Empty() {
			return nil, errLength
		}
		p.nonce = make([]byte, 16)
		if _, err := rand.Read(p.nonce); err != nil {
			return nil, err
		}
		z, err := cbcEncrypt(kdf([]byte(c.can), 3), make([]byte, aes.BlockSize), p.nonce)
		if err != nil {
			return nil, err
		}
		return dynamicAuthData(0x80, z)

	case 1:
		pcdMap, ok := findTag(dyn, 0x81)
		if !ok {
			return nil, errLength
		}
		x, y, err := decodePoint(pcdMap)
		if err != nil {
			return nil, err
		}
		sk, err := scalar(params.N)
		if err != nil {
			return nil, err
		}
		pkx, pky := curve.ScalarBaseMult(sk.Bytes())
		hx, hy := curve.ScalarMult(x, y, sk.Bytes())
		sx, sy := curve.ScalarBaseMult(p.nonce)
		p.gx, p.gy = curve.Add(sx, sy, hx, hy)
		return dynamicAuthData(0x82, encodePoint(pkx, pky))

	case 2:
		pcdEph, ok := findTag(dyn, 0x83)
		if !ok {
			return nil, errLength
		}
		x, y, err := decodePoint(pcdEph)
		if err != nil {
			return nil, err
		}
		sk, err := scalar(params.N)
		if err != nil {
			return nil, err
		}
		pkx, pky := curve.ScalarMult(p.gx, p.gy, sk.Bytes())
		p.ephemera = encodePoint(pkx, pky)
		kx, _ := curve.ScalarMult(x, y, sk.Bytes())
		shared := kx.FillBytes(make([]byte, 32))
		p.enc, p.mac = kdf(shared, 1), kdf(shared, 2)
		p.pcdKey = append([]byte(nil), pcdEph...)
		return dynamicAuthData(0x84, p.ephemera)

	case 3:
		token, ok := findTag(dyn, 0x85)
		if !ok || p.mac == nil {
			return nil, errLength
		}
		expected, err := authToken(p.mac, p.ephemera)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(token, expected) != 1 {
			return nil, errToken
		}
		own, err := authToken(p.mac, p.pcdKey)
		if err != nil {
			return nil, err
		}
		c.sm = &session{enc: p.enc, mac: p.mac}
		c.pace = nil
		return dynamicAuthData(0x86, own)
	}
	return nil, errLength
}

func authToken(kmac, publicKey []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(0x7F)
	b.AddASN1(cryptobyte_asn1.Tag(0x49), func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
			b.AddBytes(oidPACE)
		})
		b.AddASN1(cryptobyte_asn1.Tag(0x86), func(b *cryptobyte.Builder) {
			b.AddBytes(publicKey)
		})
	})
	input, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return mac(kmac, input)
}

func kdf(secret []byte, counter uint32) []byte {
	h := sha1.New()
	h.Write(secret)
	_ = binary.Write(h, binary.BigEndian, counter)
	return h.Sum(nil)[:16]
}

func scalar(n *big.Int) (*big.Int, error) {
	k, err := rand.Int(rand.Reader, new(big.Int).Sub(n, big.NewInt(1)))
	if err != nil {
		return nil, err
	}
	return k.Add(k, big.NewInt(1)), nil
}

func encodePoint(x, y *big.Int) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:])
	return out
}

func decodePoint(b []byte) (*big.Int, *big.Int, error) {
	if len(b) != 65 || b[0] != 0x04 {
		return nil, nil, errors.New("cardsim: not an uncompressed point")
	}
	x, y := new(big.Int).SetBytes(b[1:33]), new(big.Int).SetBytes(b[33:])
	if !brainpoolP256r1().IsOnCurve(x, y) {
		return nil, nil, errors.New("cardsim: point not on curve")
	}
	return x, y, nil
}

func cbcEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func mac(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, 8)
}

func pad(data []byte) []byte {
	out := append(append([]byte(nil), data...), 0x80)
	for len(out)%aes.BlockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
		case 0x80:
			return data[:i], nil
		default:
			return nil, errLength
		}
	}
	return nil, errLength
}
