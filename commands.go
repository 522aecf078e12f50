package healthcard

import (
	"errors"
	"fmt"
)

// Instruction bytes of the commands in this catalog.
const (
	insVerify                 = 0x20
	insManageSecurityEnv      = 0x22
	insChangeReferenceData    = 0x24
	insPerformSecurityOp      = 0x2A
	insResetRetryCounter      = 0x2C
	insGeneralAuthenticate    = 0x86
	insSelect                 = 0xA4
	insReadBinary             = 0xB0
	claCommandChaining        = 0x10
	tagDynamicAuthData   byte = 0x7C
)

var ErrInvalidPIN = errors.New("pin must consist of 4 to 12 digits")

// EncryptedPINFormat2 is a PIN in ISO 9564-1 format 2: control nibble 2,
// length nibble, BCD digits and F padding.
type EncryptedPINFormat2 [8]byte

func NewEncryptedPINFormat2(pin string) (EncryptedPINFormat2, error) {
	var block EncryptedPINFormat2
	if len(pin) < 4 || len(pin) > 12 {
		return block, fmt.Errorf("%w: length %d", ErrInvalidPIN, len(pin))
	}
	nibbles := make([]byte, 14)
	for i := range nibbles {
		nibbles[i] = 0x0F
	}
	for i, r := range pin {
		if r < '0' || r > '9' {
			return block, ErrInvalidPIN
		}
		nibbles[i] = byte(r - '0')
	}
	block[0] = 0x20 | byte(len(pin))
	for i := 0; i < 7; i++ {
		block[i+1] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return block, nil
}

func (p EncryptedPINFormat2) Bytes() []byte {
	return append([]byte(nil), p[:]...)
}

// VerifyCommand builds VERIFY for a format-2 PIN block.
func VerifyCommand(ref PasswordReference, pin EncryptedPINFormat2) (CommandAPDU, error) {
	return VerifyCommandRaw(ref.P2(), pin[:])
}

// VerifyCommandRaw builds VERIFY with already encoded verification data.
func VerifyCommandRaw(p2 byte, data []byte) (CommandAPDU, error) {
	return Command(APDUHeader{0x00, insVerify, 0x00, p2}).Body(data...).APDU()
}

// ChangeReferenceDataCommand replaces oldPIN by newPIN.
func ChangeReferenceDataCommand(ref PasswordReference, oldPIN, newPIN EncryptedPINFormat2) (CommandAPDU, error) {
	return Command(APDUHeader{0x00, insChangeReferenceData, 0x00, ref.P2()}).
		Body(oldPIN[:]...).
		RawBytes(newPIN[:]...).
		APDU()
}

// ChangeReferenceDataWithoutOldCommand sets a new secret on a password in
// transport state, where no old secret is sent.
func ChangeReferenceDataWithoutOldCommand(ref PasswordReference, newPIN EncryptedPINFormat2) (CommandAPDU, error) {
	return Command(APDUHeader{0x00, insChangeReferenceData, 0x01, ref.P2()}).
		Body(newPIN[:]...).
		APDU()
}

// ResetRetryCounterCommand builds RESET RETRY COUNTER. A nil puk or
// newSecret is left out and selects the matching P1 variant.
func ResetRetryCounterCommand(ref PasswordReference, puk, newSecret []byte) (CommandAPDU, error) {
	var p1 byte
	switch {
	case puk != nil && newSecret != nil:
		p1 = 0x00
	case puk != nil:
		p1 = 0x01
	case newSecret != nil:
		p1 = 0x02
	default:
		p1 = 0x03
	}
	return Command(APDUHeader{0x00, insResetRetryCounter, p1, ref.P2()}).
		Body(puk...).
		RawBytes(newSecret...).
		APDU()
}

// GeneralAuthenticateCommand wraps data into dynamic authentication data
// (tag 7C). Chaining sets the class byte to 10.
func GeneralAuthenticateCommand(chained bool, data []byte) (CommandAPDU, error) {
	body, err := encodeTLV(BerTag{tagDynamicAuthData}, data)
	if err != nil {
		return CommandAPDU{}, fmt.Errorf("encoding dynamic authentication data: %w", err)
	}
	var cla byte
	if chained {
		cla = claCommandChaining
	}
	return Command(APDUHeader{cla, insGeneralAuthenticate, 0x00, 0x00}).
		Body(body...).
		ExpectedLength(ExpectedLengthWildcardShort).
		APDU()
}

// ManageSecurityEnvironmentPACECommand selects the PACE protocol given by
// the DER content of its object identifier, authenticated with password.
func ManageSecurityEnvironmentPACECommand(oid []byte, password PasswordReference) (CommandAPDU, error) {
	o, err := encodeTLV(BerTag{0x80}, oid)
	if err != nil {
		return CommandAPDU{}, err
	}
	p, err := encodeTLV(BerTag{0x83}, []byte{password.ID})
	if err != nil {
		return CommandAPDU{}, err
	}
	return Command(APDUHeader{0x00, insManageSecurityEnv, 0xC1, 0xA4}).
		Body(o...).
		RawBytes(p...).
		APDU()
}

// Signature algorithm identifiers for MANAGE SECURITY ENVIRONMENT.
const (
	AlgorithmSignECDSA byte = 0x00
)

// ManageSecurityEnvironmentSigningCommand selects key for PSO COMPUTE
// DIGITAL SIGNATURE.
func ManageSecurityEnvironmentSigningCommand(key KeyReference, algorithm byte) (CommandAPDU, error) {
	return Command(APDUHeader{0x00, insManageSecurityEnv, 0x41, 0xB6}).
		Body(0x84, 0x01, key.Byte()).
		RawBytes(0x80, 0x01, algorithm).
		APDU()
}

// PSOComputeDigitalSignatureCommand signs hash with the key selected
// before.
func PSOComputeDigitalSignatureCommand(hash []byte) (CommandAPDU, error) {
	return Command(APDUHeader{0x00, insPerformSecurityOp, 0x9E, 0x9A}).
		Body(hash...).
		ExpectedLength(ExpectedLengthWildcardShort).
		APDU()
}

// SelectRootCommand selects the MF and requests its FCP.
func SelectRootCommand() (CommandAPDU, error) {
	return Command(selectMF).ExpectedLength(ExpectedLengthWildcardExtended).APDU()
}

// SelectCommand selects a DF by AID. With fcp set the card returns the file
// control parameters.
func SelectCommand(aid []byte, fcp bool) (CommandAPDU, error) {
	if !fcp {
		return Command(selectDF).Body(aid...).APDU()
	}
	return Command(APDUHeader{0x00, insSelect, 0x04, 0x04}).
		Body(aid...).
		ExpectedLength(ExpectedLengthWildcardShort).
		APDU()
}

// ReadBinarySFICommand reads a transparent EF by short file identifier.
func ReadBinarySFICommand(ef ElementaryFile, offset int) (CommandAPDU, error) {
	if offset < 0 || offset > 0xFF {
		return CommandAPDU{}, fmt.Errorf("%w: offset %d does not fit P2", ErrInvalidHeaderField, offset)
	}
	return Command(APDUHeader{0x00, insReadBinary, 0x80 | ef.ShortIdentifier, byte(offset)}).
		ExpectedLength(ExpectedLengthWildcardExtended).
		APDU()
}

// ReadBinaryCommand continues reading the currently selected EF at offset.
func ReadBinaryCommand(offset int) (CommandAPDU, error) {
	if offset < 0 || offset > 0x7FFF {
		return CommandAPDU{}, fmt.Errorf("%w: offset %d", ErrInvalidHeaderField, offset)
	}
	return Command(APDUHeader{0x00, insReadBinary, byte(offset >> 8), byte(offset)}).
		ExpectedLength(ExpectedLengthWildcardExtended).
		APDU()
}
