package healthcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrMacVerificationFailed        = errors.New("secure messaging: MAC verification failed")
	ErrCounterOverflow              = errors.New("secure messaging: send sequence counter exhausted")
	ErrMalformedSecureMessagingAPDU = errors.New("secure messaging: malformed secure messaging APDU")
	ErrSessionClosed                = errors.New("secure messaging: session closed")
)

const (
	claSecureMessaging byte = 0x0C
	macLength               = 8

	doEncryptedData = 0x87
	doPlainData     = 0x81
	doExpectedLen   = 0x97
	doStatusWord    = 0x99
	doMAC           = 0x8E

	paddingIndicator byte = 0x01
)

// SessionKeys are the AES-128 keys derived by PACE.
type SessionKeys struct {
	Enc []byte
	Mac []byte
}

// SecureMessaging wraps commands and unwraps responses of one card session.
// It exclusively owns the session keys and the send sequence counter, which
// is incremented once per wrapped command and once per unwrapped response.
// A SecureMessaging is not safe for concurrent use.
type SecureMessaging struct {
	enc    []byte
	mac    []byte
	ssc    [16]byte
	closed bool
}

// NewSecureMessaging takes ownership of keys: the key material is copied and
// the slices passed in are zeroized.
func NewSecureMessaging(keys SessionKeys) *SecureMessaging {
	sm := &SecureMessaging{
		enc: append([]byte(nil), keys.Enc...),
		mac: append([]byte(nil), keys.Mac...),
	}
	zeroize(keys.Enc)
	zeroize(keys.Mac)
	return sm
}

// Close zeroizes the session keys and the counter. It is safe to call more
// than once.
func (sm *SecureMessaging) Close() {
	zeroize(sm.enc)
	zeroize(sm.mac)
	zeroize(sm.ssc[:])
	sm.closed = true
}

func (sm *SecureMessaging) Closed() bool {
	return sm.closed
}

func (sm *SecureMessaging) incrementSSC() error {
	for i := len(sm.ssc) - 1; i >= 0; i-- {
		if sm.ssc[i] != 0xFF {
			break
		}
		if i == 0 {
			return ErrCounterOverflow
		}
	}
	for i := len(sm.ssc) - 1; i >= 0; i-- {
		sm.ssc[i]++
		if sm.ssc[i] != 0 {
			break
		}
	}
	return nil
}

// Encrypt wraps a plain command: the body is encrypted into DO87, the
// expected length moves into DO97 and a DO8E MAC over the header and data
// objects is appended.
func (sm *SecureMessaging) Encrypt(cmd CommandAPDU) (CommandAPDU, error) {
	if sm.closed {
		return CommandAPDU{}, ErrSessionClosed
	}
	header := cmd.Header()
	if header.Cla&claSecureMessaging == claSecureMessaging {
		return CommandAPDU{}, fmt.Errorf("%w: class byte %02X already indicates secure messaging", ErrMalformedSecureMessagingAPDU, header.Cla)
	}
	if err := sm.incrementSSC(); err != nil {
		return CommandAPDU{}, err
	}
	header.Cla |= claSecureMessaging

	var dos cryptobyte.Builder
	if cmd.Nc() > 0 {
		encrypted, err := sm.encryptData(cmd.Data())
		if err != nil {
			return CommandAPDU{}, err
		}
		dos.AddASN1(cryptobyte_asn1.Tag(doEncryptedData), func(b *cryptobyte.Builder) {
			b.AddUint8(paddingIndicator)
			b.AddBytes(encrypted)
		})
	}
	ne, hasNe := cmd.Ne()
	if hasNe {
		dos.AddASN1(cryptobyte_asn1.Tag(doExpectedLen), func(b *cryptobyte.Builder) {
			if ne <= ExpectedLengthWildcardShort {
				b.AddUint8(byte(ne))
			} else {
				b.AddUint16(uint16(ne))
			}
		})
	}
	dataObjects, err := dos.Bytes()
	if err != nil {
		return CommandAPDU{}, fmt.Errorf("encoding data objects: %w", err)
	}

	macInput := append([]byte(nil), sm.ssc[:]...)
	macInput = append(macInput, padISO9797M2(header.Bytes())...)
	if len(dataObjects) > 0 {
		macInput = append(macInput, padISO9797M2(dataObjects)...)
	}
	mac, err := aesCMAC(sm.mac, macInput, macLength)
	if err != nil {
		return CommandAPDU{}, err
	}

	body := cryptobyte.NewBuilder(dataObjects)
	body.AddASN1(cryptobyte_asn1.Tag(doMAC), func(b *cryptobyte.Builder) {
		b.AddBytes(mac)
	})
	data, err := body.Bytes()
	if err != nil {
		return CommandAPDU{}, fmt.Errorf("encoding MAC object: %w", err)
	}

	newNe := ExpectedLengthWildcardExtended
	if !hasNe && len(data) <= maxShortNc {
		newNe = ExpectedLengthWildcardShort
	}
	return EncodeCommand(int(header.Cla), int(header.Ins), int(header.P1), int(header.P2), data, newNe)
}

func (sm *SecureMessaging) iv() ([]byte, error) {
	return aesECBEncrypt(sm.enc, sm.ssc[:])
}

func (sm *SecureMessaging) encryptData(data []byte) ([]byte, error) {
	iv, err := sm.iv()
	if err != nil {
		return nil, err
	}
	return aesCBCEncrypt(sm.enc, iv, padISO9797M2(data))
}

// Decrypt checks the MAC of a secured response and returns the plain
// response consisting of the decrypted data and the protected status word.
// A MAC mismatch closes the session.
//
// Data objects that cannot be framed are reported as
// ErrMalformedSecureMessagingAPDU before any MAC is computed. The trailing
// status word of the response is not covered by the MAC and is ignored; the
// status word of the plain response is the one from DO99.
func (sm *SecureMessaging) Decrypt(resp ResponseAPDU) (ResponseAPDU, error) {
	if sm.closed {
		return ResponseAPDU{}, ErrSessionClosed
	}
	if err := sm.incrementSSC(); err != nil {
		return ResponseAPDU{}, err
	}

	raw := resp.Bytes()
	if len(raw) < 2 {
		return ResponseAPDU{}, ErrMalformedSecureMessagingAPDU
	}
	s := cryptobyte.String(raw[:len(raw)-2])

	var dataObject cryptobyte.String
	switch {
	case s.PeekASN1Tag(cryptobyte_asn1.Tag(doEncryptedData)):
		if !s.ReadASN1Element(&dataObject, cryptobyte_asn1.Tag(doEncryptedData)) {
			return ResponseAPDU{}, fmt.Errorf("%w: DO87", ErrMalformedSecureMessagingAPDU)
		}
	case s.PeekASN1Tag(cryptobyte_asn1.Tag(doPlainData)):
		if !s.ReadASN1Element(&dataObject, cryptobyte_asn1.Tag(doPlainData)) {
			return ResponseAPDU{}, fmt.Errorf("%w: DO81", ErrMalformedSecureMessagingAPDU)
		}
	}

	var statusObject, sw cryptobyte.String
	if !s.ReadASN1Element(&statusObject, cryptobyte_asn1.Tag(doStatusWord)) {
		return ResponseAPDU{}, fmt.Errorf("%w: missing DO99", ErrMalformedSecureMessagingAPDU)
	}
	status := statusObject
	if !status.ReadASN1(&sw, cryptobyte_asn1.Tag(doStatusWord)) || len(sw) != 2 {
		return ResponseAPDU{}, fmt.Errorf("%w: DO99", ErrMalformedSecureMessagingAPDU)
	}

	var mac cryptobyte.String
	if !s.ReadASN1(&mac, cryptobyte_asn1.Tag(doMAC)) || len(mac) != macLength {
		return ResponseAPDU{}, fmt.Errorf("%w: missing DO8E", ErrMalformedSecureMessagingAPDU)
	}
	if !s.Empty() {
		return ResponseAPDU{}, fmt.Errorf("%w: trailing data objects", ErrMalformedSecureMessagingAPDU)
	}

	macInput := append([]byte(nil), sm.ssc[:]...)
	macInput = append(macInput, padISO9797M2(append(append([]byte(nil), dataObject...), statusObject...))...)
	ok, err := aesCMACVerify(sm.mac, mac, macInput)
	if err != nil {
		return ResponseAPDU{}, err
	}
	if !ok {
		sm.Close()
		return ResponseAPDU{}, ErrMacVerificationFailed
	}

	var plain []byte
	if len(dataObject) > 0 {
		var tag cryptobyte_asn1.Tag
		var value cryptobyte.String
		if !dataObject.ReadAnyASN1(&value, &tag) {
			return ResponseAPDU{}, fmt.Errorf("%w: data object", ErrMalformedSecureMessagingAPDU)
		}
		if tag == cryptobyte_asn1.Tag(doPlainData) {
			plain = value
		} else {
			plain, err = sm.decryptData(value)
			if err != nil {
				return ResponseAPDU{}, fmt.Errorf("%w: %v", ErrMalformedSecureMessagingAPDU, err)
			}
		}
	}
	return DecodeResponse(append(plain, sw...))
}

func (sm *SecureMessaging) decryptData(value []byte) ([]byte, error) {
	if len(value) < 1 || value[0] != paddingIndicator {
		return nil, errors.New("unexpected padding indicator")
	}
	iv, err := sm.iv()
	if err != nil {
		return nil, err
	}
	padded, err := aesCBCDecrypt(sm.enc, iv, value[1:])
	if err != nil {
		return nil, err
	}
	return unpadISO9797M2(padded)
}

// Transmit wraps cmd, exchanges it over t and unwraps the answer. Any
// cryptographic or framing failure of the response tears the session down.
func (sm *SecureMessaging) Transmit(ctx context.Context, t Transport, cmd CommandAPDU) (ResponseAPDU, error) {
	wrapped, err := sm.Encrypt(cmd)
	if err != nil {
		if errors.Is(err, ErrCounterOverflow) {
			sm.Close()
		}
		return ResponseAPDU{}, err
	}
	slog.Debug("Secure messaging command", "plain", cmd.Header().String(), "apdu", prettyHex(wrapped.Bytes()))

	resp, err := transceive(ctx, t, wrapped)
	if err != nil {
		return ResponseAPDU{}, err
	}
	plain, err := sm.Decrypt(resp)
	if err != nil {
		sm.Close()
		return ResponseAPDU{}, err
	}
	return plain, nil
}
