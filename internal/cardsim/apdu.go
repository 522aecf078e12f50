package cardsim

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

type apdu struct {
	cla, ins, p1, p2 byte
	data             []byte
	ne               int
}

var errLength = errors.New("cardsim: inconsistent length fields")

func parseAPDU(b []byte) (apdu, error) {
	if len(b) < 4 {
		return apdu{}, errLength
	}
	cmd := apdu{cla: b[0], ins: b[1], p1: b[2], p2: b[3]}
	body := b[4:]
	switch {
	case len(body) == 0:
	case len(body) == 1:
		cmd.ne = shortLe(body[0])
	case body[0] != 0:
		nc := int(body[0])
		switch len(body) {
		case 1 + nc:
			cmd.data = body[1:]
		case 2 + nc:
			cmd.data = body[1 : 1+nc]
			cmd.ne = shortLe(body[1+nc])
		default:
			return apdu{}, errLength
		}
	case len(body) == 3:
		cmd.ne = extendedLe(body[1], body[2])
	case len(body) > 3:
		nc := int(body[1])<<8 | int(body[2])
		switch len(body) {
		case 3 + nc:
			cmd.data = body[3:]
		case 5 + nc:
			cmd.data = body[3 : 3+nc]
			cmd.ne = extendedLe(body[3+nc], body[4+nc])
		default:
			return apdu{}, errLength
		}
	default:
		return apdu{}, errLength
	}
	return cmd, nil
}

func shortLe(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

func extendedLe(hi, lo byte) int {
	if v := int(hi)<<8 | int(lo); v != 0 {
		return v
	}
	return 65536
}

// findTag returns the value of the first top level object with tag.
func findTag(data []byte, tag byte) ([]byte, bool) {
	s := cryptobyte.String(data)
	for !s.Empty() {
		var value cryptobyte.String
		var t cryptobyte_asn1.Tag
		if !s.ReadAnyASN1(&value, &t) {
			return nil, false
		}
		if byte(t) == tag {
			return value, true
		}
	}
	return nil, false
}

// dynamicAuthData wraps one object into tag 7C.
func dynamicAuthData(tag byte, value []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.Tag(0x7C), func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(tag), func(b *cryptobyte.Builder) {
			b.AddBytes(value)
		})
	})
	return b.Bytes()
}
