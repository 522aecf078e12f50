package curves

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/spilikin/go-brainpool"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

// ParseCertificate parses a DER certificate. For brainpool keys, which
// crypto/x509 does not know, the public key is decoded from the raw subject
// public key info using the registry.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := brainpool.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	if cert.PublicKey == nil {
		pub, err := ParsePublicKeyInfo(cert.RawSubjectPublicKeyInfo)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate key: %w", err)
		}
		cert.PublicKey = pub
		cert.PublicKeyAlgorithm = x509.ECDSA
	}
	return cert, nil
}

// ParsePublicKeyInfo decodes an EC SubjectPublicKeyInfo on any registered
// curve.
func ParsePublicKeyInfo(spki []byte) (*ecdsa.PublicKey, error) {
	if err := Register(); err != nil {
		return nil, err
	}
	input := cryptobyte.String(spki)
	var info, algorithm cryptobyte.String
	var keyOID, curveOID asn1.ObjectIdentifier
	var key asn1.BitString
	if !input.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) ||
		!info.ReadASN1(&algorithm, cryptobyte_asn1.SEQUENCE) ||
		!algorithm.ReadASN1ObjectIdentifier(&keyOID) ||
		!algorithm.ReadASN1ObjectIdentifier(&curveOID) ||
		!info.ReadASN1BitString(&key) {
		return nil, errors.New("malformed subject public key info")
	}
	if !keyOID.Equal(oidPublicKeyECDSA) {
		return nil, fmt.Errorf("unsupported public key algorithm %s", keyOID)
	}
	c, err := ByOID(curveOID)
	if err != nil {
		return nil, err
	}
	size := c.Size()
	b := key.RightAlign()
	if len(b) != 1+2*size || b[0] != 0x04 {
		return nil, errors.New("public key is not an uncompressed point")
	}
	pub := &ecdsa.PublicKey{
		Curve: c.Curve,
		X:     new(big.Int).SetBytes(b[1 : 1+size]),
		Y:     new(big.Int).SetBytes(b[1+size:]),
	}
	if !c.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("public key is not on the curve")
	}
	return pub, nil
}

// MarshalPublicKeyInfo encodes an EC public key on a registered curve as
// SubjectPublicKeyInfo.
func MarshalPublicKeyInfo(pub *ecdsa.PublicKey) ([]byte, error) {
	if err := Register(); err != nil {
		return nil, err
	}
	c, err := ByCurve(pub.Curve)
	if err != nil {
		return nil, err
	}
	size := c.Size()
	point := make([]byte, 1+2*size)
	point[0] = 0x04
	pub.X.FillBytes(point[1 : 1+size])
	pub.Y.FillBytes(point[1+size:])

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyECDSA)
			b.AddASN1ObjectIdentifier(c.OID)
		})
		b.AddASN1BitString(point)
	})
	return b.Bytes()
}
