package cardsim

import (
	"crypto/aes"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var errMAC = errors.New("cardsim: command MAC invalid")

// session is the PICC side of secure messaging.
type session struct {
	enc, mac []byte
	ssc      [16]byte
}

func (s *session) increment() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *session) iv() ([]byte, error) {
	block, err := aes.NewCipher(s.enc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, s.ssc[:])
	return out, nil
}

func (s *session) wipe() {
	for _, b := range [][]byte{s.enc, s.mac, s.ssc[:]} {
		for i := range b {
			b[i] = 0
		}
	}
}

// unwrap checks the MAC of a protected command and returns the plain
// command.
func (s *session) unwrap(cmd apdu) (apdu, error) {
	s.increment()
	in := cryptobyte.String(cmd.data)
	var do87, do97, checksum cryptobyte.String
	if in.PeekASN1Tag(cryptobyte_asn1.Tag(0x87)) && !in.ReadASN1Element(&do87, cryptobyte_asn1.Tag(0x87)) {
		return apdu{}, errLength
	}
	if in.PeekASN1Tag(cryptobyte_asn1.Tag(0x97)) && !in.ReadASN1Element(&do97, cryptobyte_asn1.Tag(0x97)) {
		return apdu{}, errLength
	}
	if !in.ReadASN1(&checksum, cryptobyte_asn1.Tag(0x8E)) || !in.Empty() {
		return apdu{}, errLength
	}

	input := append([]byte(nil), s.ssc[:]...)
	input = append(input, pad([]byte{cmd.cla, cmd.ins, cmd.p1, cmd.p2})...)
	if objects := append(append([]byte(nil), do87...), do97...); len(objects) > 0 {
		input = append(input, pad(objects)...)
	}
	expected, err := mac(s.mac, input)
	if err != nil {
		return apdu{}, err
	}
	if subtle.ConstantTimeCompare(checksum, expected) != 1 {
		return apdu{}, errMAC
	}

	plain := apdu{cla: cmd.cla &^ 0x0C, ins: cmd.ins, p1: cmd.p1, p2: cmd.p2}
	if len(do87) > 0 {
		var value cryptobyte.String
		if !do87.ReadASN1(&value, cryptobyte_asn1.Tag(0x87)) || len(value) < 1 || value[0] != 0x01 {
			return apdu{}, errLength
		}
		iv, err := s.iv()
		if err != nil {
			return apdu{}, err
		}
		padded, err := cbcDecrypt(s.enc, iv, value[1:])
		if err != nil {
			return apdu{}, err
		}
		if plain.data, err = unpad(padded); err != nil {
			return apdu{}, err
		}
	}
	if len(do97) > 0 {
		var le cryptobyte.String
		if !do97.ReadASN1(&le, cryptobyte_asn1.Tag(0x97)) {
			return apdu{}, errLength
		}
		switch len(le) {
		case 1:
			plain.ne = shortLe(le[0])
		case 2:
			plain.ne = extendedLe(le[0], le[1])
		default:
			return apdu{}, errLength
		}
	}
	return plain, nil
}

// wrap protects a response: encrypted data in DO87, the status word in DO99
// and the MAC in DO8E, followed by 9000.
func (s *session) wrap(data []byte, sw uint16) ([]byte, error) {
	s.increment()
	var objects cryptobyte.Builder
	if len(data) > 0 {
		iv, err := s.iv()
		if err != nil {
			return nil, err
		}
		encrypted, err := cbcEncrypt(s.enc, iv, pad(data))
		if err != nil {
			return nil, err
		}
		objects.AddASN1(cryptobyte_asn1.Tag(0x87), func(b *cryptobyte.Builder) {
			b.AddUint8(0x01)
			b.AddBytes(encrypted)
		})
	}
	objects.AddASN1(cryptobyte_asn1.Tag(0x99), func(b *cryptobyte.Builder) {
		b.AddUint16(sw)
	})
	dos, err := objects.Bytes()
	if err != nil {
		return nil, err
	}
	input := append(append([]byte(nil), s.ssc[:]...), pad(dos)...)
	tag, err := mac(s.mac, input)
	if err != nil {
		return nil, err
	}
	out := append(dos, 0x8E, byte(len(tag)))
	out = append(out, tag...)
	return append(out, 0x90, 0x00), nil
}
