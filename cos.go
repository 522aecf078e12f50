package healthcard

import (
	"errors"
	"fmt"
	"strings"
)

// Encoding limits of ISO/IEC 7816-4 command APDUs.
const (
	// ExpectedLengthWildcardShort requests up to 256 response bytes and is
	// encoded as a single 00 byte.
	ExpectedLengthWildcardShort = 256
	// ExpectedLengthWildcardExtended requests up to 65536 response bytes and
	// is encoded as 00 00 in the extended length field.
	ExpectedLengthWildcardExtended = 65536

	maxShortNc    = 255
	maxExtendedNc = 65535
)

var (
	ErrInvalidHeaderField    = errors.New("apdu: header field out of range")
	ErrBodyTooLarge          = errors.New("apdu: body exceeds 65535 bytes")
	ErrInvalidExpectedLength = errors.New("apdu: invalid expected length")
	ErrMalformedCommand      = errors.New("apdu: malformed command")
	ErrResponseTooShort      = errors.New("apdu: response shorter than 2 bytes")
)

// Case is one of the seven command encodings of ISO/IEC 7816-3.
type Case int

const (
	Case1 Case = iota + 1
	Case2s
	Case2e
	Case3s
	Case3e
	Case4s
	Case4e
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "1"
	case Case2s:
		return "2s"
	case Case2e:
		return "2e"
	case Case3s:
		return "3s"
	case Case3e:
		return "3e"
	case Case4s:
		return "4s"
	case Case4e:
		return "4e"
	default:
		return fmt.Sprintf("Case(%d)", int(c))
	}
}

// Extended reports whether the case uses three byte length fields.
func (c Case) Extended() bool {
	return c == Case2e || c == Case3e || c == Case4e
}

type APDUHeader struct {
	Cla byte
	Ins byte
	P1  byte
	P2  byte
}

var DO_FCP = BerTag{0x62}
var DO_AID = BerTag{0x84}

func (a APDUHeader) Bytes() []byte {
	return []byte{a.Cla, a.Ins, a.P1, a.P2}
}

func (a APDUHeader) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X", a.Cla, a.Ins, a.P1, a.P2)
}

var selectMF = APDUHeader{0x00, 0xA4, 0x04, 0x04}
var selectDF = APDUHeader{0x00, 0xA4, 0x04, 0x0C}

// CommandAPDU is an encoded command. The zero value is not valid; use
// EncodeCommand, ParseCommand or the Command builder.
type CommandAPDU struct {
	raw        []byte
	nc         int
	ne         int
	hasNe      bool
	dataOffset int
	c          Case
}

// EncodeCommand encodes a command APDU. The expected response length is
// optional; pass at most one value in [1, 65536]. Short or extended length
// fields are chosen from the body length and the expected length alone.
func EncodeCommand(cla, ins, p1, p2 int, data []byte, ne ...int) (CommandAPDU, error) {
	for _, v := range [...]int{cla, ins, p1, p2} {
		if v < 0 || v > 0xFF {
			return CommandAPDU{}, fmt.Errorf("%w: %d", ErrInvalidHeaderField, v)
		}
	}
	nc := len(data)
	if nc > maxExtendedNc {
		return CommandAPDU{}, fmt.Errorf("%w: %d", ErrBodyTooLarge, nc)
	}
	if len(ne) > 1 {
		return CommandAPDU{}, fmt.Errorf("%w: more than one value", ErrInvalidExpectedLength)
	}
	hasNe := len(ne) == 1
	le := 0
	if hasNe {
		le = ne[0]
		if le < 1 || le > ExpectedLengthWildcardExtended {
			return CommandAPDU{}, fmt.Errorf("%w: %d", ErrInvalidExpectedLength, le)
		}
	}

	extended := nc > maxShortNc || (hasNe && le > ExpectedLengthWildcardShort)

	raw := make([]byte, 4, 4+3+nc+3)
	raw[0], raw[1], raw[2], raw[3] = byte(cla), byte(ins), byte(p1), byte(p2)

	cmd := CommandAPDU{nc: nc, ne: le, hasNe: hasNe}
	switch {
	case nc == 0 && !hasNe:
		cmd.c = Case1
	case nc == 0 && !extended:
		cmd.c = Case2s
		raw = append(raw, byte(le))
	case nc == 0:
		cmd.c = Case2e
		raw = append(raw, 0x00, byte(le>>8), byte(le))
	case !hasNe && !extended:
		cmd.c = Case3s
		raw = append(raw, byte(nc))
		cmd.dataOffset = len(raw)
		raw = append(raw, data...)
	case !hasNe:
		cmd.c = Case3e
		raw = append(raw, 0x00, byte(nc>>8), byte(nc))
		cmd.dataOffset = len(raw)
		raw = append(raw, data...)
	case !extended:
		cmd.c = Case4s
		raw = append(raw, byte(nc))
		cmd.dataOffset = len(raw)
		raw = append(raw, data...)
		raw = append(raw, byte(le))
	default:
		cmd.c = Case4e
		raw = append(raw, 0x00, byte(nc>>8), byte(nc))
		cmd.dataOffset = len(raw)
		raw = append(raw, data...)
		raw = append(raw, byte(le>>8), byte(le))
	}
	cmd.raw = raw
	return cmd, nil
}

// ParseCommand decodes raw command bytes back into a CommandAPDU.
func ParseCommand(b []byte) (CommandAPDU, error) {
	n := len(b)
	raw := append([]byte(nil), b...)
	switch {
	case n < 4:
		return CommandAPDU{}, fmt.Errorf("%w: %d bytes", ErrMalformedCommand, n)
	case n == 4:
		return CommandAPDU{raw: raw, c: Case1}, nil
	case n == 5:
		return CommandAPDU{raw: raw, c: Case2s, hasNe: true, ne: shortNe(b[4])}, nil
	case b[4] != 0:
		nc := int(b[4])
		switch n {
		case 5 + nc:
			return CommandAPDU{raw: raw, c: Case3s, nc: nc, dataOffset: 5}, nil
		case 6 + nc:
			return CommandAPDU{raw: raw, c: Case4s, nc: nc, dataOffset: 5, hasNe: true, ne: shortNe(b[n-1])}, nil
		}
	case n == 7:
		return CommandAPDU{raw: raw, c: Case2e, hasNe: true, ne: extendedNe(b[5], b[6])}, nil
	case n > 7:
		nc := int(b[5])<<8 | int(b[6])
		if nc == 0 {
			break
		}
		switch n {
		case 7 + nc:
			return CommandAPDU{raw: raw, c: Case3e, nc: nc, dataOffset: 7}, nil
		case 9 + nc:
			return CommandAPDU{raw: raw, c: Case4e, nc: nc, dataOffset: 7, hasNe: true, ne: extendedNe(b[n-2], b[n-1])}, nil
		}
	}
	return CommandAPDU{}, fmt.Errorf("%w: inconsistent length fields in %s", ErrMalformedCommand, prettyHex(b))
}

func shortNe(b byte) int {
	if b == 0 {
		return ExpectedLengthWildcardShort
	}
	return int(b)
}

func extendedNe(hi, lo byte) int {
	v := int(hi)<<8 | int(lo)
	if v == 0 {
		return ExpectedLengthWildcardExtended
	}
	return v
}

// Bytes returns a copy of the encoded command.
func (a CommandAPDU) Bytes() []byte {
	return append([]byte(nil), a.raw...)
}

func (a CommandAPDU) Header() APDUHeader {
	if len(a.raw) < 4 {
		return APDUHeader{}
	}
	return APDUHeader{a.raw[0], a.raw[1], a.raw[2], a.raw[3]}
}

// Data returns a copy of the command body.
func (a CommandAPDU) Data() []byte {
	if a.nc == 0 {
		return nil
	}
	return append([]byte(nil), a.raw[a.dataOffset:a.dataOffset+a.nc]...)
}

// Nc is the length of the command body.
func (a CommandAPDU) Nc() int { return a.nc }

// Ne returns the expected response length and whether one is present.
func (a CommandAPDU) Ne() (int, bool) { return a.ne, a.hasNe }

func (a CommandAPDU) DataOffset() int { return a.dataOffset }

func (a CommandAPDU) Case() Case { return a.c }

func (a CommandAPDU) String() string {
	return prettyHex(a.raw)
}

// ResponseAPDU is a response body followed by the two status bytes.
type ResponseAPDU struct {
	raw []byte
}

func DecodeResponse(b []byte) (ResponseAPDU, error) {
	if len(b) < 2 {
		return ResponseAPDU{}, fmt.Errorf("%w: %d bytes", ErrResponseTooShort, len(b))
	}
	return ResponseAPDU{raw: append([]byte(nil), b...)}, nil
}

func (r ResponseAPDU) Bytes() []byte {
	return append([]byte(nil), r.raw...)
}

// Data returns a copy of all bytes except the status word.
func (r ResponseAPDU) Data() []byte {
	if len(r.raw) < 2 {
		return nil
	}
	return append([]byte(nil), r.raw[:len(r.raw)-2]...)
}

func (r ResponseAPDU) SW1() byte {
	if len(r.raw) < 2 {
		return 0
	}
	return r.raw[len(r.raw)-2]
}

func (r ResponseAPDU) SW2() byte {
	if len(r.raw) < 2 {
		return 0
	}
	return r.raw[len(r.raw)-1]
}

func (r ResponseAPDU) SW() StatusWord {
	return StatusWord(r.SW1())<<8 | StatusWord(r.SW2())
}

func (r ResponseAPDU) String() string {
	return prettyHex(r.raw)
}

// prettyHex returns a pretty-printed hex string of the given data.
// each byte is separated by a space.
func prettyHex(data []byte) string {
	var sb strings.Builder
	for ind, b := range data {
		sb.WriteString(fmt.Sprintf("%02X", b))
		if ind < len(data)-1 {
			sb.WriteString(" ")
		}
	}

	return sb.String()
}

type apduBuilder struct {
	header APDUHeader
	body   []byte
	ne     []int
}

// Body replaces the command body.
func (a *apduBuilder) Body(body ...byte) *apduBuilder {
	a.body = append([]byte(nil), body...)
	return a
}

// RawBytes appends to the command body.
func (a *apduBuilder) RawBytes(b ...byte) *apduBuilder {
	a.body = append(a.body, b...)
	return a
}

func (a *apduBuilder) ExpectedLength(ne int) *apduBuilder {
	a.ne = []int{ne}
	return a
}

func (a *apduBuilder) APDU() (CommandAPDU, error) {
	h := a.header
	return EncodeCommand(int(h.Cla), int(h.Ins), int(h.P1), int(h.P2), a.body, a.ne...)
}

func Command(header APDUHeader) *apduBuilder {
	return &apduBuilder{header: header}
}
