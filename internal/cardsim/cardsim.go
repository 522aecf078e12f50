// Package cardsim simulates the contactless interface of an eGK: select,
// PACE with generic mapping on brainpoolP256r1, secure messaging, PIN
// management, certificate read and signing. It implements the Transmit
// method of healthcard.Transport without importing the package.
package cardsim

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/spilikin/go-brainpool"
)

var ErrClosed = errors.New("cardsim: card removed")

// Status words answered by the simulator.
const (
	swSuccess              uint16 = 0x9000
	swAuthenticationFailed uint16 = 0x6300
	swWrongLength          uint16 = 0x6700
	swSecurityStatus       uint16 = 0x6982
	swPasswordBlocked      uint16 = 0x6983
	swConditionsOfUse      uint16 = 0x6985
	swSMObjectsIncorrect   uint16 = 0x6988
	swWrongData            uint16 = 0x6A80
	swFileNotFound         uint16 = 0x6A82
	swWrongP1P2            uint16 = 0x6A86
	swInsNotSupported      uint16 = 0x6D00
)

const (
	pinRetries = 3
	pukRetries = 10
)

var (
	aidEGK   = []byte{0xD2, 0x76, 0x00, 0x01, 0x44, 0x80, 0x00}
	aidESIGN = []byte{0xA0, 0x00, 0x00, 0x01, 0x67, 0x45, 0x53, 0x49, 0x47, 0x4E}
)

const (
	sfiAutCertificate = 0x04
	refPIN            = 0x01
	refPrkAut         = 0x84
)

// Options configures a simulated card. Empty fields get defaults.
type Options struct {
	CAN string
	PIN string
	PUK string
	// Key signs with PrK.CH.AUT. Certificate is EF.C.CH.AUT and must carry
	// the public key of Key. Both are generated on P-256 if Key is nil.
	Key         *ecdsa.PrivateKey
	Certificate []byte
}

// Card is one simulated eGK. Its exported hooks may be set before a
// Transmit call.
type Card struct {
	// Force answers the given instruction with a fixed status word. The
	// answer is protected by secure messaging if a session is active.
	Force map[byte]uint16
	// Fail is called with every command; an error is returned as transport
	// error and the command is not processed.
	Fail func(apdu []byte) error
	// Tamper may change every response before it is returned.
	Tamper func(resp []byte) []byte

	mu          sync.Mutex
	can         string
	pin         [8]byte
	puk         [8]byte
	pinRetries  int
	pukRetries  int
	key         *ecdsa.PrivateKey
	certificate []byte

	closed      bool
	transmits   int
	esign       bool
	pinVerified bool
	keySelected bool
	pace        *paceState
	sm          *session
}

func New(opts Options) (*Card, error) {
	if opts.CAN == "" {
		opts.CAN = "123123"
	}
	if opts.PIN == "" {
		opts.PIN = "123456"
	}
	if opts.PUK == "" {
		opts.PUK = "12345678"
	}
	if opts.Key == nil {
		key, cert, err := generateCertificate()
		if err != nil {
			return nil, err
		}
		opts.Key, opts.Certificate = key, cert
	}
	pin, err := pinBlock(opts.PIN)
	if err != nil {
		return nil, err
	}
	puk, err := pinBlock(opts.PUK)
	if err != nil {
		return nil, err
	}
	return &Card{
		can:         opts.CAN,
		pin:         pin,
		puk:         puk,
		pinRetries:  pinRetries,
		pukRetries:  pukRetries,
		key:         opts.Key,
		certificate: opts.Certificate,
	}, nil
}

func generateCertificate() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Juna Fuchs", SerialNumber: "X110411675"},
		Issuer:       pkix.Name{CommonName: "GEM.EGK-CA51 TEST-ONLY"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// pinBlock encodes a PIN in ISO 9564 format 2.
func pinBlock(pin string) ([8]byte, error) {
	var b [8]byte
	if len(pin) < 4 || len(pin) > 12 {
		return b, fmt.Errorf("cardsim: pin length %d", len(pin))
	}
	nibbles := [14]byte{}
	for i := range nibbles {
		nibbles[i] = 0x0F
	}
	for i, r := range pin {
		if r < '0' || r > '9' {
			return b, errors.New("cardsim: pin must be numeric")
		}
		nibbles[i] = byte(r - '0')
	}
	b[0] = 0x20 | byte(len(pin))
	for i := 0; i < 7; i++ {
		b[i+1] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return b, nil
}

// Certificate returns EF.C.CH.AUT.
func (c *Card) Certificate() []byte {
	return append([]byte(nil), c.certificate...)
}

func (c *Card) PublicKey() *ecdsa.PublicKey {
	return &c.key.PublicKey
}

// RetryCounters returns the remaining PIN and PUK attempts.
func (c *Card) RetryCounters() (pin, puk int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinRetries, c.pukRetries
}

// Transmits counts the commands received.
func (c *Card) Transmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transmits
}

// SecureMessaging reports whether a PACE session is active.
func (c *Card) SecureMessaging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm != nil
}

func (c *Card) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close removes the card from the field.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reset()
	return nil
}

// Insert puts a removed card back into the field. PINs and retry counters
// are kept.
func (c *Card) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}

func (c *Card) reset() {
	c.pace = nil
	if c.sm != nil {
		c.sm.wipe()
		c.sm = nil
	}
	c.esign = false
	c.pinVerified = false
	c.keySelected = false
}

// Transmit processes one command APDU.
func (c *Card) Transmit(ctx context.Context, raw []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.transmits++
	if c.Fail != nil {
		if err := c.Fail(raw); err != nil {
			return nil, err
		}
	}
	resp := c.process(raw)
	if c.Tamper != nil {
		resp = c.Tamper(resp)
	}
	return resp, nil
}

func (c *Card) process(raw []byte) []byte {
	cmd, err := parseAPDU(raw)
	if err != nil {
		return status(swWrongLength)
	}
	if cmd.cla&0x0C != 0x0C {
		if c.sm != nil {
			// a plain command ends the session
			c.reset()
		}
		data, sw := c.execute(cmd)
		return append(data, byte(sw>>8), byte(sw))
	}

	if c.sm == nil {
		return status(swSMObjectsIncorrect)
	}
	plain, err := c.sm.unwrap(cmd)
	if err != nil {
		c.reset()
		return status(swSMObjectsIncorrect)
	}
	data, sw := c.execute(plain)
	if c.sm == nil {
		return append(data, byte(sw>>8), byte(sw))
	}
	if len(data) > plain.ne {
		data = data[:plain.ne]
	}
	resp, err := c.sm.wrap(data, sw)
	if err != nil {
		c.reset()
		return status(swSMObjectsIncorrect)
	}
	return resp
}

// execute runs a plain command. Secure messaging state is already handled.
func (c *Card) execute(cmd apdu) ([]byte, uint16) {
	if sw, ok := c.Force[cmd.ins]; ok {
		return nil, sw
	}
	secured := c.sm != nil
	switch cmd.ins {
	case 0xA4:
		return c.selectFile(cmd)
	case 0x22:
		return c.manageSecurityEnvironment(cmd, secured)
	case 0x86:
		return c.generalAuthenticate(cmd)
	}
	if !secured {
		return nil, swSecurityStatus
	}
	switch cmd.ins {
	case 0x20:
		return c.verify(cmd)
	case 0x24:
		return c.changeReferenceData(cmd)
	case 0x2C:
		return c.resetRetryCounter(cmd)
	case 0xB0:
		return c.readBinary(cmd)
	case 0x2A:
		return c.computeSignature(cmd)
	default:
		return nil, swInsNotSupported
	}
}

func (c *Card) selectFile(cmd apdu) ([]byte, uint16) {
	if cmd.p1 != 0x04 {
		return nil, swWrongP1P2
	}
	switch {
	case len(cmd.data) == 0 || bytes.Equal(cmd.data, aidEGK):
		c.esign = false
		c.keySelected = false
		if cmd.p2 == 0x0C {
			return nil, swSuccess
		}
		return fcp(aidEGK), swSuccess
	case bytes.Equal(cmd.data, aidESIGN):
		c.esign = true
		c.keySelected = false
		if cmd.p2 == 0x0C {
			return nil, swSuccess
		}
		return fcp(aidESIGN), swSuccess
	default:
		return nil, swFileNotFound
	}
}

func fcp(aid []byte) []byte {
	inner := append([]byte{0x82, 0x01, 0x38, 0x84, byte(len(aid))}, aid...)
	return append([]byte{0x62, byte(len(inner))}, inner...)
}

func (c *Card) manageSecurityEnvironment(cmd apdu, secured bool) ([]byte, uint16) {
	switch {
	case cmd.p1 == 0xC1 && cmd.p2 == 0xA4:
		oid, ok := findTag(cmd.data, 0x80)
		ref, ok2 := findTag(cmd.data, 0x83)
		if !ok || !ok2 || !bytes.Equal(oid, oidPACE) || len(ref) != 1 || ref[0] != 0x02 {
			return nil, swWrongData
		}
		c.pace = &paceState{}
		return nil, swSuccess
	case cmd.p1 == 0x41 && cmd.p2 == 0xB6:
		if !secured {
			return nil, swSecurityStatus
		}
		ref, ok := findTag(cmd.data, 0x84)
		if !ok || len(ref) != 1 || ref[0] != refPrkAut || !c.esign {
			return nil, swWrongData
		}
		c.keySelected = true
		return nil, swSuccess
	default:
		return nil, swWrongP1P2
	}
}

// wrongSecret counts a failed attempt down and returns its status word.
func wrongSecret(retries *int) uint16 {
	if *retries > 0 {
		*retries--
	}
	if *retries == 0 {
		return swPasswordBlocked
	}
	return 0x63C0 | uint16(*retries)
}

func (c *Card) verify(cmd apdu) ([]byte, uint16) {
	if cmd.p2 != refPIN {
		return nil, swWrongP1P2
	}
	if len(cmd.data) != 8 {
		return nil, swWrongLength
	}
	if c.pinRetries == 0 {
		return nil, swPasswordBlocked
	}
	if !bytes.Equal(cmd.data, c.pin[:]) {
		c.pinVerified = false
		return nil, wrongSecret(&c.pinRetries)
	}
	c.pinRetries = pinRetries
	c.pinVerified = true
	return nil, swSuccess
}

func (c *Card) changeReferenceData(cmd apdu) ([]byte, uint16) {
	if cmd.p1 != 0x00 || cmd.p2 != refPIN {
		return nil, swWrongP1P2
	}
	if len(cmd.data) != 16 {
		return nil, swWrongLength
	}
	if c.pinRetries == 0 {
		return nil, swPasswordBlocked
	}
	if !bytes.Equal(cmd.data[:8], c.pin[:]) {
		return nil, wrongSecret(&c.pinRetries)
	}
	copy(c.pin[:], cmd.data[8:])
	c.pinRetries = pinRetries
	return nil, swSuccess
}

func (c *Card) resetRetryCounter(cmd apdu) ([]byte, uint16) {
	if cmd.p2 != refPIN {
		return nil, swWrongP1P2
	}
	var want int
	switch cmd.p1 {
	case 0x00:
		want = 16
	case 0x01:
		want = 8
	default:
		return nil, swWrongP1P2
	}
	if len(cmd.data) != want {
		return nil, swWrongLength
	}
	if c.pukRetries == 0 {
		return nil, swPasswordBlocked
	}
	if !bytes.Equal(cmd.data[:8], c.puk[:]) {
		return nil, wrongSecret(&c.pukRetries)
	}
	if cmd.p1 == 0x00 {
		copy(c.pin[:], cmd.data[8:])
	}
	c.pinRetries = pinRetries
	return nil, swSuccess
}

func (c *Card) readBinary(cmd apdu) ([]byte, uint16) {
	if cmd.p1&0x80 == 0 || cmd.p1&0x1F != sfiAutCertificate {
		return nil, swFileNotFound
	}
	if !c.esign {
		return nil, swFileNotFound
	}
	offset := int(cmd.p2)
	if offset > len(c.certificate) {
		return nil, swWrongP1P2
	}
	return append([]byte(nil), c.certificate[offset:]...), swSuccess
}

func (c *Card) computeSignature(cmd apdu) ([]byte, uint16) {
	if cmd.p1 != 0x9E || cmd.p2 != 0x9A {
		return nil, swWrongP1P2
	}
	if !c.pinVerified || !c.keySelected {
		return nil, swSecurityStatus
	}
	r, s, err := ecdsa.Sign(rand.Reader, c.key, cmd.data)
	if err != nil {
		return nil, swConditionsOfUse
	}
	size := (c.key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, swSuccess
}

func status(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// brainpoolP256r1 is the PACE domain of the eGK.
func brainpoolP256r1() elliptic.Curve {
	return brainpool.P256r1()
}
