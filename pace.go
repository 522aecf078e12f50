package healthcard

import (
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/spilikin/healthcard/curves"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// OIDPACEECDHGMAESCBCCMAC128 is the DER content of id-PACE-ECDH-GM-AES-CBC-CMAC-128
// (0.4.0.127.0.7.2.2.4.2.2).
var OIDPACEECDHGMAESCBCCMAC128 = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x04, 0x02, 0x02}

var ErrAuthenticationFailed = errors.New("pace: authentication failed")

// Tags of the dynamic authentication data objects of GENERAL AUTHENTICATE.
const (
	tagEncryptedNonce  byte = 0x80
	tagMappingPCD      byte = 0x81
	tagMappingPICC     byte = 0x82
	tagEphemeralPCD    byte = 0x83
	tagEphemeralPICC   byte = 0x84
	tagAuthTokenPCD    byte = 0x85
	tagAuthTokenPICC   byte = 0x86
	authTokenLength         = 8
	encryptedNonceSize      = 16
)

// EstablishSecureChannel runs PACE with generic mapping on brainpoolP256r1
// using the card access number can. The handshake is not retried. When ctx
// is cancelled a transport implementing io.Closer is closed, and all key
// material derived so far is discarded.
func EstablishSecureChannel(ctx context.Context, t Transport, can string) (*SecureMessaging, error) {
	p := &pace{
		t:     t,
		curve: curves.BrainpoolP256r1(),
	}
	defer p.wipe()

	sm, err := p.run(ctx, can)
	if err != nil {
		if ctx.Err() != nil {
			if c, ok := t.(io.Closer); ok {
				_ = c.Close()
			}
		}
		slog.Warn("PACE failed", "err", err)
		return nil, err
	}
	slog.Info("PACE established")
	return sm, nil
}

type pace struct {
	t     Transport
	curve elliptic.Curve

	passwordKey []byte
	nonce       []byte
	sharedK     []byte
	kenc, kmac  []byte
	mapSK       *big.Int
	ephSK       *big.Int
}

func (p *pace) run(ctx context.Context, can string) (*SecureMessaging, error) {
	mse, err := ManageSecurityEnvironmentPACECommand(OIDPACEECDHGMAESCBCCMAC128, CAN)
	if err != nil {
		return nil, err
	}
	resp, err := transceive(ctx, p.t, mse)
	if err != nil {
		return nil, err
	}
	if err := checkStatus("MSE:Set AT", resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	// step 1: encrypted nonce
	z, err := p.generalAuthenticate(ctx, "nonce", true, 0, nil, tagEncryptedNonce)
	if err != nil {
		return nil, err
	}
	if len(z) != encryptedNonceSize {
		return nil, fmt.Errorf("%w: encrypted nonce has %d bytes", ErrAuthenticationFailed, len(z))
	}
	p.passwordKey = deriveKey([]byte(can), kdfCounterPassword)
	p.nonce, err = aesCBCDecrypt(p.passwordKey, make([]byte, 16), z)
	if err != nil {
		return nil, err
	}

	// step 2: generic mapping
	params := p.curve.Params()
	p.mapSK, err = randomScalar(params.N)
	if err != nil {
		return nil, err
	}
	mapPKx, mapPKy := p.curve.ScalarBaseMult(p.mapSK.Bytes())
	piccMap, err := p.generalAuthenticate(ctx, "map nonce", true, tagMappingPCD, encodePoint(p.curve, mapPKx, mapPKy), tagMappingPICC)
	if err != nil {
		return nil, err
	}
	piccMapX, piccMapY, err := decodePoint(p.curve, piccMap)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping key: %w", ErrAuthenticationFailed, err)
	}
	hx, hy := p.curve.ScalarMult(piccMapX, piccMapY, p.mapSK.Bytes())
	sgx, sgy := p.curve.ScalarBaseMult(p.nonce)
	gx, gy := p.curve.Add(sgx, sgy, hx, hy)

	// step 3: key agreement on the mapped generator
	p.ephSK, err = randomScalar(params.N)
	if err != nil {
		return nil, err
	}
	ephPKx, ephPKy := p.curve.ScalarMult(gx, gy, p.ephSK.Bytes())
	ephPK := encodePoint(p.curve, ephPKx, ephPKy)
	piccEph, err := p.generalAuthenticate(ctx, "perform key agreement", true, tagEphemeralPCD, ephPK, tagEphemeralPICC)
	if err != nil {
		return nil, err
	}
	piccEphX, piccEphY, err := decodePoint(p.curve, piccEph)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %w", ErrAuthenticationFailed, err)
	}
	if subtle.ConstantTimeCompare(piccEph, ephPK) == 1 {
		return nil, fmt.Errorf("%w: card echoed the terminal key", ErrAuthenticationFailed)
	}
	kx, _ := p.curve.ScalarMult(piccEphX, piccEphY, p.ephSK.Bytes())
	p.sharedK = kx.FillBytes(make([]byte, coordinateSize(p.curve)))
	p.kenc = deriveKey(p.sharedK, kdfCounterEnc)
	p.kmac = deriveKey(p.sharedK, kdfCounterMac)

	// step 4: mutual authentication
	tokenPCD, err := authenticationToken(p.kmac, piccEph)
	if err != nil {
		return nil, err
	}
	tokenPICC, err := p.generalAuthenticate(ctx, "mutual authentication", false, tagAuthTokenPCD, tokenPCD, tagAuthTokenPICC)
	if err != nil {
		return nil, err
	}
	expected, err := authenticationToken(p.kmac, ephPK)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(tokenPICC, expected) != 1 {
		return nil, fmt.Errorf("%w: card authentication token mismatch", ErrAuthenticationFailed)
	}

	return NewSecureMessaging(SessionKeys{Enc: p.kenc, Mac: p.kmac}), nil
}

// generalAuthenticate sends one handshake step and returns the value of
// respTag from the dynamic authentication data of the answer.
func (p *pace) generalAuthenticate(ctx context.Context, step string, chained bool, tag byte, value []byte, respTag byte) ([]byte, error) {
	var data []byte
	if tag != 0 {
		var err error
		data, err = encodeTLV(BerTag{tag}, value)
		if err != nil {
			return nil, err
		}
	}
	cmd, err := GeneralAuthenticateCommand(chained, data)
	if err != nil {
		return nil, err
	}
	slog.Debug("PACE step", "step", step)
	resp, err := transceive(ctx, p.t, cmd)
	if err != nil {
		return nil, err
	}
	if err := checkStatus("GENERAL AUTHENTICATE "+step, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	tlvs, err := ParseTLV(resp.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, step, err)
	}
	obj := tlvs.FindFirstWithTag(BerTag{tagDynamicAuthData}).FirstChild(BerTag{respTag})
	if obj == nil {
		return nil, fmt.Errorf("%w: %s: data object %02X missing", ErrAuthenticationFailed, step, respTag)
	}
	return obj.Value, nil
}

func (p *pace) wipe() {
	zeroize(p.passwordKey)
	zeroize(p.nonce)
	zeroize(p.sharedK)
	zeroize(p.kenc)
	zeroize(p.kmac)
	if p.mapSK != nil {
		p.mapSK.SetInt64(0)
	}
	if p.ephSK != nil {
		p.ephSK.SetInt64(0)
	}
}

// authenticationToken computes the 8 byte PACE token over the public key of
// the other party.
func authenticationToken(kmac, publicKey []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(0x7F)
	b.AddASN1(cryptobyte_asn1.Tag(0x49), func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
			b.AddBytes(OIDPACEECDHGMAESCBCCMAC128)
		})
		b.AddASN1(cryptobyte_asn1.Tag(tagAuthTokenPICC), func(b *cryptobyte.Builder) {
			b.AddBytes(publicKey)
		})
	})
	input, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return aesCMAC(kmac, input, authTokenLength)
}

func randomScalar(n *big.Int) (*big.Int, error) {
	max := new(big.Int).Sub(n, big.NewInt(1))
	k, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	return k.Add(k, big.NewInt(1)), nil
}

func coordinateSize(c elliptic.Curve) int {
	return (c.Params().BitSize + 7) / 8
}

// encodePoint returns the uncompressed encoding 04 || x || y.
func encodePoint(c elliptic.Curve, x, y *big.Int) []byte {
	size := coordinateSize(c)
	out := make([]byte, 1+2*size)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+size])
	y.FillBytes(out[1+size:])
	return out
}

func decodePoint(c elliptic.Curve, b []byte) (*big.Int, *big.Int, error) {
	size := coordinateSize(c)
	if len(b) != 1+2*size || b[0] != 0x04 {
		return nil, nil, errors.New("not an uncompressed point")
	}
	x := new(big.Int).SetBytes(b[1 : 1+size])
	y := new(big.Int).SetBytes(b[1+size:])
	if !c.IsOnCurve(x, y) {
		return nil, nil, errors.New("point is not on the curve")
	}
	return x, y, nil
}
